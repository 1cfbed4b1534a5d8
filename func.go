package wasmfuel

import (
	"context"
	"reflect"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// HostFunc is a host function with an explicit signature. Params are read from the front of stack, and results are
// written to it. stack has as many values as the larger of the param and result counts.
//
// A non-nil error traps the calling guest code with api.ErrHostError, unless it is already an *api.Trap.
type HostFunc[T any] func(caller *Caller[T], stack []uint64) error

// Func is a function bound to a Store: either a host function created by WrapFunc or NewFunc, or a function
// exported by an Instance.
type Func struct {
	f *wasm.FunctionInstance
}

// compile-time check to ensure Func is an api.Function
var _ api.Function = &Func{}

// WrapFunc binds the Go function fn to store, deriving its signature by reflection. See Linker.FuncWrap for the
// supported signatures.
func WrapFunc[T any](store *Store[T], fn interface{}) (*Func, error) {
	hf, err := wrapHostFunction[T]("func", fn)
	if err != nil {
		return nil, err
	}
	return &Func{f: wasm.NewHostFunctionInstance(store.s, "", "", hf)}, nil
}

// NewFunc binds fn to store with the given signature.
func NewFunc[T any](store *Store[T], params, results []api.ValueType, fn HostFunc[T]) (*Func, error) {
	hf, err := newHostFunction(params, results, fn)
	if err != nil {
		return nil, err
	}
	return &Func{f: wasm.NewHostFunctionInstance(store.s, "", "", hf)}, nil
}

// Definition implements the same method as documented on api.Function.
func (f *Func) Definition() api.FunctionDefinition {
	return f.f.Definition()
}

// Call implements the same method as documented on api.Function.
func (f *Func) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.f.Call(ctx, params...)
}

// ParamTypes are the value types of the params of this function.
func (f *Func) ParamTypes() []api.ValueType {
	return f.f.Type.Params
}

// ResultTypes are the value types of the results of this function.
func (f *Func) ResultTypes() []api.ValueType {
	return f.f.Type.Results
}

// IsHost returns true if this function is implemented in Go.
func (f *Func) IsHost() bool {
	return f.f.Target == wasm.CallTargetHost
}

// callerTypeOf returns the type accepted as param[0] of a Go host function with access to a Store[T].
func callerTypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*Caller[T])(nil))
}

func wrapHostFunction[T any](name string, fn interface{}) (*wasm.HostFunction, error) {
	return wasm.NewGoHostFunction(name, fn, callerTypeOf[T](), func(cc *wasm.CallContext) reflect.Value {
		return reflect.ValueOf(newCaller[T](cc))
	})
}

func newHostFunction[T any](params, results []api.ValueType, fn HostFunc[T]) (*wasm.HostFunction, error) {
	if fn == nil {
		return nil, api.Errorf(api.KindValidation, "host function is nil")
	}
	return wasm.NewHostFunction(params, results, func(cc *wasm.CallContext, stack []uint64) error {
		return fn(newCaller[T](cc), stack)
	})
}
