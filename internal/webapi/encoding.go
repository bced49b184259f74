package webapi

import (
	"encoding/base64"
	"fmt"

	"github.com/nanojs/nano/internal/core"
	"github.com/nanojs/nano/internal/eventloop"
)

// encodingJS defines atob/btoa as thin wrappers around the Go-backed
// __b64Encode/__b64Decode helpers, which do the actual encoding with the
// standard library rather than a hand-rolled JS table.
const encodingJS = `
globalThis.btoa = function(data) {
	if (arguments.length < 1) throw new TypeError('btoa requires at least 1 argument(s)');
	return __b64Encode(String(data));
};
globalThis.atob = function(data) {
	if (arguments.length < 1) throw new TypeError('atob requires at least 1 argument(s)');
	return __b64Decode(String(data));
};
`

// SetupEncoding registers atob/btoa, backed by encoding/base64 rather than a
// reimplementation of the base64 alphabet in JavaScript.
func SetupEncoding(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.RegisterFunc("__b64Encode", func(s string) (string, error) {
		runes := []rune(s)
		latin1 := make([]byte, len(runes))
		for i, r := range runes {
			if r > 0xff {
				return "", fmt.Errorf("btoa: string contains characters outside of the Latin1 range")
			}
			latin1[i] = byte(r)
		}
		return base64.StdEncoding.EncodeToString(latin1), nil
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__b64Decode", func(s string) (string, error) {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("atob: invalid base64 string")
		}
		latin1 := make([]rune, len(decoded))
		for i, b := range decoded {
			latin1[i] = rune(b)
		}
		return string(latin1), nil
	}); err != nil {
		return err
	}

	if err := rt.Eval(encodingJS); err != nil {
		return fmt.Errorf("evaluating encoding.js: %w", err)
	}
	return nil
}
