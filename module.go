package wasmfuel

import (
	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// CompiledModule is a WebAssembly module ready to be instantiated in any Store of the Engine that compiled it.
//
// Note: In WebAssembly language, this is a decoded, validated, and compiled module. wasmfuel avoids using the name
// "Module" for both before and after instantiation as the name conflation has caused confusion.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#semantic-phases%E2%91%A0
type CompiledModule struct {
	module *wasm.Module
	engine *Engine
}

// Name returns the module name from the name section, or the identifier of a text format module. Ex. "math" for
// `(module $math)`. This is empty if the module has no name.
func (c *CompiledModule) Name() string {
	return c.module.Name
}

// ImportedFunctions returns all the imported functions in index order.
func (c *CompiledModule) ImportedFunctions() []api.FunctionDefinition {
	return c.module.ImportedFunctions()
}

// ExportedFunctions returns all the exported functions keyed by export name.
func (c *CompiledModule) ExportedFunctions() map[string]api.FunctionDefinition {
	return c.module.ExportedFunctions()
}

// ExportedMemories returns the exported memories keyed by export name. There is at most one memory, but it can be
// exported under several names.
func (c *CompiledModule) ExportedMemories() map[string]api.MemoryDefinition {
	return c.module.ExportedMemories()
}

// ImportedMemory returns the definition of the imported memory, or false if the module doesn't import one.
func (c *CompiledModule) ImportedMemory() (api.MemoryDefinition, bool) {
	def := c.module.MemoryDefinition()
	if def == nil {
		return nil, false
	}
	if _, _, isImport := def.Import(); !isImport {
		return nil, false
	}
	return def, true
}
