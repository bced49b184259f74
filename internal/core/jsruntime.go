package core

// JSRuntime abstracts the V8 isolate/context pair behind a common
// interface used by shared setup functions in internal/webapi and the
// shared event loop in internal/eventloop.
type JSRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a Go string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a Go bool.
	EvalBool(js string) (bool, error)

	// EvalInt evaluates JavaScript and returns the result as a Go int.
	EvalInt(js string) (int, error)

	// RegisterFunc registers a Go function as a global JavaScript function.
	// The function's Go types are automatically marshaled to/from JS types.
	// On error return, the JS wrapper throws the error's message as a
	// string instead of returning a value.
	RegisterFunc(name string, fn any) error

	// SetGlobal sets a global variable on the JS context. Basic Go types
	// (string, int, float64, bool) are auto-converted to JS types.
	SetGlobal(name string, value any) error

	// RunMicrotasks pumps the microtask queue (Promise callbacks, etc.)
	// via PerformMicrotaskCheckpoint.
	RunMicrotasks()
}

// BinaryTransferer is implemented by runtimes that can move raw bytes
// across the Go/JS boundary without a base64 round-trip, using a
// SharedArrayBuffer bridge.
type BinaryTransferer interface {
	// BinaryMode identifies the transfer mechanism in use (e.g. "sab").
	BinaryMode() string

	// ReadBinaryFromJS reads the ArrayBuffer/SharedArrayBuffer stored at
	// the given global name and returns its contents as Go bytes.
	ReadBinaryFromJS(globalName string) ([]byte, error)

	// WriteBinaryToJS writes Go bytes into a new ArrayBuffer stored at
	// the given global name.
	WriteBinaryToJS(globalName string, data []byte) error
}
