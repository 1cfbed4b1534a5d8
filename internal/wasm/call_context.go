package wasm

import (
	"context"

	"github.com/wasmfuel/wasmfuel/api"
)

// CallContext is what a host function sees of its caller: the store, and the instance whose code made the call.
//
// Note: This is not retained after the host function returns.
type CallContext struct {
	ctx   context.Context
	store *Store
	// module is the calling instance, or nil when the embedder invoked the host function directly.
	module *ModuleInstance
}

// NewCallContext is used by the call engine before invoking a host function.
func NewCallContext(ctx context.Context, store *Store, caller *ModuleInstance) *CallContext {
	return &CallContext{ctx: ctx, store: store, module: caller}
}

// Context returns the context of the current call, as returned by any function listener.
func (c *CallContext) Context() context.Context {
	return c.ctx
}

// Store returns the store executing the call.
func (c *CallContext) Store() *Store {
	return c.store
}

// Module returns the calling instance, or nil.
func (c *CallContext) Module() *ModuleInstance {
	return c.module
}

// Memory returns the memory of the calling instance, or nil if it has none.
func (c *CallContext) Memory() api.Memory {
	if c.module == nil || c.module.MemoryInstance == nil {
		return nil
	}
	return c.module.MemoryInstance
}

// ExportedMemory returns a memory exported by the calling instance, or nil.
func (c *CallContext) ExportedMemory(name string) api.Memory {
	if c.module == nil {
		return nil
	}
	if mem := c.module.ExportedMemory(name); mem != nil {
		return mem
	}
	return nil
}

// ExportedFunction returns a function exported by the calling instance, or nil. Calling it re-enters the guest on
// the current call stack.
func (c *CallContext) ExportedFunction(name string) api.Function {
	if c.module == nil {
		return nil
	}
	if f := c.module.ExportedFunction(name); f != nil {
		return f
	}
	return nil
}
