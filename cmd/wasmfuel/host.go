package main

import (
	"fmt"
	"io"

	"github.com/wasmfuel/wasmfuel"
)

// hostModuleName is the namespace of the functions the CLI defines for guests.
const hostModuleName = "host"

// defineHost defines the "host" namespace in linker. Functions print to out, and host_func also prints the store
// data.
func defineHost(linker *wasmfuel.Linker[int64], out io.Writer) error {
	funcs := []struct {
		name string
		fn   interface{}
	}{
		{"host_func", func(caller *wasmfuel.Caller[int64], v int32) {
			fmt.Fprintf(out, "Got %d from WebAssembly\n", v)
			fmt.Fprintf(out, "My host state is %d\n", caller.Data())
		}},
		{"print_i32", func(v int32) { fmt.Fprintln(out, v) }},
		{"print_i64", func(v int64) { fmt.Fprintln(out, v) }},
		{"print_f32", func(v float32) { fmt.Fprintln(out, v) }},
		{"print_f64", func(v float64) { fmt.Fprintln(out, v) }},
	}
	for _, f := range funcs {
		if err := linker.FuncWrap(hostModuleName, f.name, f.fn); err != nil {
			return err
		}
	}
	return nil
}
