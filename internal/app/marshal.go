package app

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	v8 "github.com/tommie/v8go"
)

// argDecoders maps a Go reflect.Kind to how a *v8.Value becomes that kind,
// used by marshalArg below. Table-driven rather than a type switch so
// adding a supported argument kind is a one-line addition, not a new case
// buried in RegisterFunc's callback body.
var argDecoders = map[reflect.Kind]func(*v8.Value) reflect.Value{
	reflect.String:  func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.String()) },
	reflect.Int:     func(v *v8.Value) reflect.Value { return reflect.ValueOf(int(v.Integer())) },
	reflect.Int64:   func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Integer()) },
	reflect.Float64: func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Number()) },
	reflect.Bool:    func(v *v8.Value) reflect.Value { return reflect.ValueOf(v.Boolean()) },
}

// marshalArg converts a single JS argument to the Go type a RegisterFunc
// callback declared. Unsupported kinds decode to the zero value rather than
// panicking, matching the permissive "unknown args vanish" behavior the
// Web API shims rely on for optional trailing parameters.
func marshalArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	if dec, ok := argDecoders[targetType.Kind()]; ok {
		return dec(val)
	}
	return reflect.Zero(targetType)
}

// resultEncoders maps a Go reflect.Kind to how it becomes a *v8.Value,
// used by marshalResult below.
var resultEncoders = map[reflect.Kind]func(*v8.Isolate, reflect.Value) *v8.Value{
	reflect.String: func(iso *v8.Isolate, v reflect.Value) *v8.Value {
		r, _ := v8.NewValue(iso, v.String())
		return r
	},
	reflect.Int: func(iso *v8.Isolate, v reflect.Value) *v8.Value {
		r, _ := v8.NewValue(iso, int32(v.Int()))
		return r
	},
	reflect.Int32: func(iso *v8.Isolate, v reflect.Value) *v8.Value {
		r, _ := v8.NewValue(iso, int32(v.Int()))
		return r
	},
	reflect.Int64: func(iso *v8.Isolate, v reflect.Value) *v8.Value {
		r, _ := v8.NewValue(iso, int32(v.Int()))
		return r
	},
	reflect.Float64: func(iso *v8.Isolate, v reflect.Value) *v8.Value {
		r, _ := v8.NewValue(iso, v.Float())
		return r
	},
	reflect.Float32: func(iso *v8.Isolate, v reflect.Value) *v8.Value {
		r, _ := v8.NewValue(iso, v.Float())
		return r
	},
	reflect.Bool: func(iso *v8.Isolate, v reflect.Value) *v8.Value {
		r, _ := v8.NewValue(iso, v.Bool())
		return r
	},
}

// marshalResult converts a Go return value to a *v8.Value for a
// RegisterFunc'd function's JS caller.
func marshalResult(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	if enc, ok := resultEncoders[val.Kind()]; ok {
		return enc(iso, val)
	}
	return nil
}

// goAnyToJSValue converts an arbitrary Go value — as passed to
// v8Runtime.SetGlobal — to a *v8.Value. Scalars and pre-built V8 handles
// convert directly; everything else (structs, maps, slices) round-trips
// through JSON so SetGlobal can seed complex per-request bindings like
// env vars without a bespoke encoder per type.
func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(iso), nil
	}

	switch v := value.(type) {
	case string:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int32(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return v8.NewValue(iso, int32(v))
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	case *v8.Object:
		return v.Value, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		script := fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data)))
		return ctx.RunScript(script, "set_global.js")
	}
}
