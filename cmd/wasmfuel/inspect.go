package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wasmfuel/wasmfuel"
	"github.com/wasmfuel/wasmfuel/api"
)

func newInspectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <path to wasm file>",
		Short: "Lists the imports and exports of a WebAssembly module",
		Example: `  wasmfuel inspect demo.wat
  import func host.host_func(i32) -> ()
  export func hello() -> ()`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return opts.inspect(cmd.Context(), config, args[0])
		},
	}
}

func (o *rootOptions) inspect(ctx context.Context, config *Config, wasmPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	source, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("error reading wasm binary: %w", err)
	}
	engine, err := newEngine(config, nil, nil)
	if err != nil {
		return err
	}
	defer engine.Close()

	module, err := engine.CompileModule(ctx, source)
	if err != nil {
		return err
	}
	printModule(o.stdOut, module)
	return nil
}

// printModule prints one line per import then per export, exports sorted by name.
func printModule(w io.Writer, module *wasmfuel.CompiledModule) {
	for _, f := range module.ImportedFunctions() {
		moduleName, name, _ := f.Import()
		fmt.Fprintf(w, "import func %s.%s%s\n", moduleName, name, signature(f))
	}
	if mem, ok := module.ImportedMemory(); ok {
		moduleName, name, _ := mem.Import()
		fmt.Fprintf(w, "import memory %s.%s%s\n", moduleName, name, limits(mem))
	}

	funcs := module.ExportedFunctions()
	for _, name := range sortedKeys(funcs) {
		fmt.Fprintf(w, "export func %s%s\n", name, signature(funcs[name]))
	}
	mems := module.ExportedMemories()
	for _, name := range sortedKeys(mems) {
		fmt.Fprintf(w, "export memory %s%s\n", name, limits(mems[name]))
	}
}

func signature(f api.FunctionDefinition) string {
	return "(" + typeNames(f.ParamTypes()) + ") -> (" + typeNames(f.ResultTypes()) + ")"
}

func typeNames(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, vt := range types {
		names[i] = api.ValueTypeName(vt)
	}
	return strings.Join(names, ", ")
}

func limits(mem api.MemoryDefinition) string {
	if maxPages, ok := mem.Max(); ok {
		return fmt.Sprintf(" {min %d, max %d}", mem.Min(), maxPages)
	}
	return fmt.Sprintf(" {min %d}", mem.Min())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
