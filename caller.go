package wasmfuel

import (
	"context"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// Caller is what a host function sees of the call it serves: the store, its host data and fuel, and the instance
// whose code made the call. Declare it as param[0] of a function passed to Linker.FuncWrap or WrapFunc.
//
// Ex.
//
//	func hostFunc(caller *wasmfuel.Caller[int], param int32) {
//		fmt.Println("Got", param, "from WebAssembly")
//		fmt.Println("My host state is", caller.Data())
//	}
//
// Note: A Caller must not be retained after the host function returns.
type Caller[T any] struct {
	cc    *wasm.CallContext
	store *Store[T]
}

func newCaller[T any](cc *wasm.CallContext) *Caller[T] {
	return &Caller[T]{cc: cc, store: storeOf[T](cc)}
}

// Context returns the context passed to the guest call, as returned by any function listener.
func (c *Caller[T]) Context() context.Context {
	return c.cc.Context()
}

// Store returns the store executing the call.
func (c *Caller[T]) Store() *Store[T] {
	return c.store
}

// Data returns the host data of the store.
func (c *Caller[T]) Data() T {
	return c.store.data
}

// SetData replaces the host data of the store.
func (c *Caller[T]) SetData(data T) {
	c.store.data = data
}

// AddFuel is the same as Store.AddFuel. Fuel added is available as soon as the host function returns.
func (c *Caller[T]) AddFuel(n uint64) error {
	return c.store.AddFuel(n)
}

// FuelConsumed is the same as Store.FuelConsumed. This includes the call instruction that invoked the host function.
func (c *Caller[T]) FuelConsumed() (uint64, bool) {
	return c.store.FuelConsumed()
}

// FuelRemaining is the same as Store.FuelRemaining.
func (c *Caller[T]) FuelRemaining() (uint64, bool) {
	return c.store.FuelRemaining()
}

// ConsumeFuel is the same as Store.ConsumeFuel. Host functions use this to charge for the work they do.
func (c *Caller[T]) ConsumeFuel(n uint64) (uint64, error) {
	return c.store.ConsumeFuel(n)
}

// Memory returns the memory of the calling instance, whether exported or not, or nil if the caller has none or
// the host function was called by the embedder.
func (c *Caller[T]) Memory() api.Memory {
	return c.cc.Memory()
}

// ExportedMemory returns a memory exported by the calling instance, or nil.
func (c *Caller[T]) ExportedMemory(name string) api.Memory {
	return c.cc.ExportedMemory(name)
}

// ExportedFunction returns a function exported by the calling instance, or nil. Calling it re-enters the guest on
// the call stack of the store, so its frames count towards the maximum call depth.
func (c *Caller[T]) ExportedFunction(name string) api.Function {
	return c.cc.ExportedFunction(name)
}
