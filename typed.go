package wasmfuel

import (
	"context"
	"reflect"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// GetTypedFunc returns the function exported by inst under name as the Go func type F, checked once against the
// signature of the export.
//
// F has an optional leading context.Context, then params of the types documented on Linker.FuncWrap, then results
// of the same types followed by a required error.
//
// Ex.
//
//	add, err := wasmfuel.GetTypedFunc[func(int32, int32) (int32, error)](store, inst, "add")
//	sum, err := add(1, 2)
//
// Errors are api.ErrNotFound when inst has no such function export, api.ErrWrongArity when the count of params or
// results differs and api.ErrTypeMismatch when one of their types differs. Both of the latter also match
// api.ErrSignatureMismatch.
func GetTypedFunc[F any, T any](store *Store[T], inst *Instance, name string) (F, error) {
	var zero F
	ft := reflect.TypeOf((*F)(nil)).Elem()
	if ft.Kind() != reflect.Func {
		return zero, api.Errorf(api.KindTypeMismatch, "%s is not a func", ft)
	}
	if inst.m.Store != store.s {
		return zero, api.ImportError(api.KindNotFound, inst.Name(), name, "instance belongs to a different store")
	}
	exp, err := inst.m.Export(name, api.ExternTypeFunc)
	if err != nil {
		return zero, err
	}
	f := exp.Function

	hasCtx, err := checkTypedFunc(ft, f.Type)
	if err != nil {
		return zero, err
	}
	return makeTypedFunc(ft, f, hasCtx).Interface().(F), nil
}

// checkTypedFunc returns an error unless ft can call a function of type wt, and whether param[0] is a context.
func checkTypedFunc(ft reflect.Type, wt *wasm.FunctionType) (hasCtx bool, err error) {
	if ft.IsVariadic() {
		return false, api.Errorf(api.KindTypeMismatch, "%s is variadic", ft)
	}
	numOut := ft.NumOut()
	if numOut == 0 || ft.Out(numOut-1) != errorType {
		return false, api.Errorf(api.KindTypeMismatch, "%s must return error as its last result", ft)
	}
	numOut--

	pOffset := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		hasCtx, pOffset = true, 1
	}
	if numIn := ft.NumIn() - pOffset; numIn != len(wt.Params) {
		return false, api.Errorf(api.KindWrongArity, "expected %d params, but %s has %d", len(wt.Params), ft, numIn)
	}
	if numOut != len(wt.Results) {
		return false, api.Errorf(api.KindWrongArity, "expected %d results, but %s has %d", len(wt.Results), ft, numOut)
	}

	for i, want := range wt.Params {
		pt := ft.In(pOffset + i)
		if vt, ok := wasm.ValueTypeOf(pt); !ok || vt != want {
			return false, api.Errorf(api.KindTypeMismatch, "param[%d] is %s, but %s was requested",
				i, api.ValueTypeName(want), pt)
		}
	}
	for i, want := range wt.Results {
		rt := ft.Out(i)
		if vt, ok := wasm.ValueTypeOf(rt); !ok || vt != want {
			return false, api.Errorf(api.KindTypeMismatch, "result[%d] is %s, but %s was requested",
				i, api.ValueTypeName(want), rt)
		}
	}
	return
}

func makeTypedFunc(ft reflect.Type, f *wasm.FunctionInstance, hasCtx bool) reflect.Value {
	pOffset := 0
	if hasCtx {
		pOffset = 1
	}
	numResults := ft.NumOut() - 1
	return reflect.MakeFunc(ft, func(args []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if hasCtx {
			if c, ok := args[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
		}
		params := make([]uint64, len(args)-pOffset)
		for i := range params {
			params[i] = wasm.EncodeGoValue(args[pOffset+i])
		}

		out := make([]reflect.Value, numResults+1)
		results, err := f.Call(ctx, params...)
		if err != nil {
			for i := 0; i < numResults; i++ {
				out[i] = reflect.Zero(ft.Out(i))
			}
			out[numResults] = reflect.ValueOf(&err).Elem()
			return out
		}
		for i := 0; i < numResults; i++ {
			out[i] = wasm.DecodeGoValue(ft.Out(i), results[i])
		}
		out[numResults] = reflect.Zero(errorType)
		return out
	})
}
