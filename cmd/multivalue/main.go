// Command multivalue rewrites the multi-value exports of a WebAssembly
// module so that hosts limited to a single result can call them.
//
// Usage:
//
//	multivalue [flags] <input.wasm> <"name type type ...">...
//
// Each function argument names an export followed by its result types,
// for example "add_and_diff i32 i32". The output is written next to the
// input as <input.wasm>.multivalue.wasm unless -o is given.
package main

import (
	"context"
	"os"

	"github.com/spf13/afero"
)

func main() {
	os.Exit(Execute(context.Background(), newGlobalState(afero.NewOsFs(), os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr)))
}
