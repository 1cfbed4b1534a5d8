package wasm

import (
	"context"
	"fmt"
	"reflect"

	"github.com/wasmfuel/wasmfuel/api"
)

// FunctionKind identifies the leading parameter of a Go function bound as a host function.
type FunctionKind byte

const (
	// FunctionKindGoNoContext is a function implemented in Go, with a signature matching FunctionType.
	FunctionKindGoNoContext FunctionKind = iota
	// FunctionKindGoContext is a function implemented in Go, with a signature matching FunctionType, except arg zero is
	// a context.Context.
	FunctionKindGoContext
	// FunctionKindGoCaller is a function implemented in Go, with a signature matching FunctionType, except arg zero is
	// the caller type of the public API.
	FunctionKindGoCaller
)

// Below are reflection code to get the interface type used to parse functions and set values.

var goContextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// CallerFactory converts a CallContext into the value passed as param[0] of a FunctionKindGoCaller function.
type CallerFactory func(*CallContext) reflect.Value

// NewGoHostFunction binds a Go func to a HostFunction, deriving its signature by reflection.
//
// callerType is the type accepted as param[0] alternatively to context.Context, and newCaller creates its value.
// Both may be nil.
func NewGoHostFunction(name string, goFunc interface{}, callerType reflect.Type, newCaller CallerFactory) (*HostFunction, error) {
	fn := reflect.ValueOf(goFunc)
	fk, ft, hasErrorResult, err := GetFunctionType(name, fn, callerType)
	if err != nil {
		return nil, err
	}
	pOffset := 0
	if fk != FunctionKindGoNoContext {
		pOffset = 1
	}
	fnType := fn.Type()

	call := func(cc *CallContext, stack []uint64) error {
		in := make([]reflect.Value, pOffset+len(ft.Params))
		switch fk {
		case FunctionKindGoContext:
			val := reflect.New(goContextType).Elem()
			if ctx := cc.Context(); ctx != nil {
				val.Set(reflect.ValueOf(ctx))
			}
			in[0] = val
		case FunctionKindGoCaller:
			in[0] = newCaller(cc)
		}
		for i := range ft.Params {
			in[pOffset+i] = DecodeGoValue(fnType.In(pOffset+i), stack[i])
		}

		out := fn.Call(in)
		if hasErrorResult {
			last := len(out) - 1
			if e := out[last]; !e.IsNil() {
				return e.Interface().(error)
			}
			out = out[:last]
		}
		for i, o := range out {
			stack[i] = EncodeGoValue(o)
		}
		return nil
	}
	return &HostFunction{Type: ft, Call: call}, nil
}

// GetFunctionType returns the function type corresponding to the function signature or errs if invalid.
//
// A trailing error result is allowed, and a non-nil value traps the calling guest code.
func GetFunctionType(name string, fn reflect.Value, callerType reflect.Type) (fk FunctionKind, ft *FunctionType, hasErrorResult bool, err error) {
	if fn.Kind() != reflect.Func {
		err = validationErrorf("%s is a %s, but should be a Func", name, fn.Kind().String())
		return
	}
	p := fn.Type()
	if p.IsVariadic() {
		err = validationErrorf("%s is variadic, which is unsupported", name)
		return
	}

	pOffset := 0
	pCount := p.NumIn()
	fk = FunctionKindGoNoContext
	if pCount > 0 {
		if p0 := p.In(0); callerType != nil && p0 == callerType {
			fk = FunctionKindGoCaller
			pOffset = 1
			pCount--
		} else if p0.Kind() == reflect.Interface && p0.Implements(goContextType) {
			fk = FunctionKindGoContext
			pOffset = 1
			pCount--
		}
	}

	rCount := p.NumOut()
	if rCount > 0 && p.Out(rCount-1).Implements(errorType) {
		hasErrorResult = true
		rCount--
	}

	ft = &FunctionType{Params: make([]ValueType, pCount), Results: make([]ValueType, rCount)}

	for i := 0; i < len(ft.Params); i++ {
		pI := p.In(i + pOffset)
		if t, ok := getTypeOf(pI.Kind()); ok {
			ft.Params[i] = t
			continue
		}

		// Now, we will definitely err, decide which message is best
		var arg0Type reflect.Type
		if callerType != nil && pI == callerType {
			arg0Type = callerType
		} else if pI.Kind() == reflect.Interface && pI.Implements(goContextType) {
			arg0Type = goContextType
		}

		if arg0Type != nil {
			err = validationErrorf("%s param[%d] is a %s, which may be defined only once as param[0]", name, i+pOffset, arg0Type)
		} else {
			err = validationErrorf("%s param[%d] is unsupported: %s", name, i+pOffset, pI.Kind())
		}
		return
	}

	for i := 0; i < len(ft.Results); i++ {
		rI := p.Out(i)
		if t, ok := getTypeOf(rI.Kind()); ok {
			ft.Results[i] = t
			continue
		}
		if rI.Implements(errorType) {
			err = validationErrorf("%s result[%d] is an error, which is only supported as the last result", name, i)
		} else {
			err = validationErrorf("%s result[%d] is unsupported: %s", name, i, rI.Kind())
		}
		return
	}
	return
}

func getTypeOf(kind reflect.Kind) (ValueType, bool) {
	switch kind {
	case reflect.Float64:
		return ValueTypeF64, true
	case reflect.Float32:
		return ValueTypeF32, true
	case reflect.Int32, reflect.Uint32:
		return ValueTypeI32, true
	case reflect.Int64, reflect.Uint64:
		return ValueTypeI64, true
	default:
		return 0x00, false
	}
}

// ValueTypeOf returns the ValueType a Go type is marshaled as, or false if it cannot cross the boundary.
func ValueTypeOf(t reflect.Type) (ValueType, bool) {
	return getTypeOf(t.Kind())
}

// DecodeGoValue converts a value of the stack to the Go type t, which must be accepted by ValueTypeOf.
func DecodeGoValue(t reflect.Type, v uint64) reflect.Value {
	val := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Float32:
		val.SetFloat(float64(api.DecodeF32(v)))
	case reflect.Float64:
		val.SetFloat(api.DecodeF64(v))
	case reflect.Int32:
		val.SetInt(int64(int32(v)))
	case reflect.Int64:
		val.SetInt(int64(v))
	case reflect.Uint32:
		val.SetUint(uint64(uint32(v)))
	case reflect.Uint64:
		val.SetUint(v)
	default:
		panic(fmt.Errorf("BUG: invalid conversion to %s", t))
	}
	return val
}

// EncodeGoValue converts a Go value accepted by ValueTypeOf to its stack representation.
func EncodeGoValue(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	case reflect.Int32:
		return api.EncodeI32(int32(v.Int()))
	case reflect.Int64:
		return api.EncodeI64(v.Int())
	case reflect.Uint32, reflect.Uint64:
		return v.Uint()
	default:
		panic(fmt.Errorf("BUG: invalid conversion from %s", v.Type()))
	}
}
