package wasm

import "context"

// Engine is a Store-independent mechanism to validate and lower the functions defined by a module. It is implemented
// by the interpreter.
type Engine interface {
	// CompileModule validates the function bodies of a module and sets Module.Code. This is called once per Module
	// and the result is shared by all Stores.
	CompileModule(ctx context.Context, module *Module) error

	// NewCallEngine returns the call stack of a Store. There is exactly one per Store.
	NewCallEngine(store *Store) CallEngine
}

// CallEngine executes functions of a single Store on an explicit call stack.
type CallEngine interface {
	// Call invokes f with params, which were checked against its type. Nested calls from host functions re-enter the
	// same stack. Runtime faults are returned as *api.Trap.
	Call(ctx context.Context, f *FunctionInstance, params []uint64) ([]uint64, error)

	// Depth is the count of frames currently on the call stack.
	Depth() int
}
