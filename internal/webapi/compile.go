package webapi

import (
	"github.com/evanw/esbuild/pkg/api"
)

// WrapESModule rewrites an ES module's source into an IIFE assigned to
// globalThis.__worker_module__, so the compiled script can be run the same
// way whether or not the app source used `export default`. esbuild does the
// actual parsing; a source that isn't valid JS is returned unchanged so the
// caller's own compile step reports the error.
func WrapESModule(source string) string {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: "globalThis.__worker_module__",
		Target:     api.ESNext,
	})
	if len(result.Errors) > 0 {
		return source
	}
	code := string(result.Code)
	// esbuild hangs the default export off a .default property when
	// converting ESM to IIFE; unwrap it so the fetch handler is reachable
	// directly on globalThis.__worker_module__.
	code += "if(globalThis.__worker_module__&&globalThis.__worker_module__.default)globalThis.__worker_module__=globalThis.__worker_module__.default;\n"
	return code
}
