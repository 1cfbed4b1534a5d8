package wasmfuel

import (
	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// Instance is a CompiledModule instantiated in a Store. Its exports are valid until the Store is closed.
type Instance struct {
	m *wasm.ModuleInstance
}

// Name is the name the instance was created with, from its module's name section.
func (i *Instance) Name() string {
	return i.m.Name
}

// ExportedFunction returns a function exported from this instance or nil if it wasn't.
func (i *Instance) ExportedFunction(name string) api.Function {
	if f := i.m.ExportedFunction(name); f != nil {
		return f
	}
	return nil
}

// GetFunc returns a function exported from this instance, or an api.ErrNotFound error. The result can be passed to
// Linker.Define or NewInstance to import it into another instance of the same Store.
func (i *Instance) GetFunc(name string) (*Func, error) {
	exp, err := i.m.Export(name, api.ExternTypeFunc)
	if err != nil {
		return nil, err
	}
	return &Func{f: exp.Function}, nil
}

// ExportedMemory returns a memory exported from this instance or nil if it wasn't.
func (i *Instance) ExportedMemory(name string) api.Memory {
	if mem := i.m.ExportedMemory(name); mem != nil {
		return mem
	}
	return nil
}

// ExportedGlobal returns a global exported from this instance or nil if it wasn't. Mutable globals implement
// api.MutableGlobal.
func (i *Instance) ExportedGlobal(name string) api.Global {
	if g := i.m.ExportedGlobal(name); g != nil {
		return g.ExportedGlobal()
	}
	return nil
}

// ExportedFunctionDefinitions returns the definitions of the functions exported from this instance, keyed by
// export name.
func (i *Instance) ExportedFunctionDefinitions() map[string]api.FunctionDefinition {
	return i.m.Source.ExportedFunctions()
}
