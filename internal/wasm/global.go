package wasm

import (
	"fmt"

	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/wasmfuel/wasmfuel/api"
)

// GlobalInstance is the runtime value of a global. Imported globals are shared by pointer with the exporting
// instance.
type GlobalInstance struct {
	Type *wabin.GlobalType
	Val  uint64
}

// compile-time check to ensure constantGlobal is an api.Global
var _ api.Global = constantGlobal{}

type constantGlobal struct {
	g *GlobalInstance
}

// Type implements api.Global Type
func (g constantGlobal) Type() api.ValueType {
	return g.g.Type.ValType
}

// Get implements api.Global Get
func (g constantGlobal) Get() uint64 {
	return g.g.Val
}

// String implements fmt.Stringer
func (g constantGlobal) String() string {
	return formatGlobal(g.Type(), g.Get())
}

// compile-time check to ensure mutableGlobal is an api.MutableGlobal
var _ api.MutableGlobal = mutableGlobal{}

type mutableGlobal struct {
	constantGlobal
}

// Set implements api.MutableGlobal Set
func (g mutableGlobal) Set(v uint64) {
	if vt := g.g.Type.ValType; vt == ValueTypeI32 || vt == ValueTypeF32 {
		v = uint64(uint32(v))
	}
	g.g.Val = v
}

// ExportedGlobal returns an api.Global, which also implements api.MutableGlobal when the global is mutable.
func (g *GlobalInstance) ExportedGlobal() api.Global {
	if g.Type.Mutable {
		return mutableGlobal{constantGlobal{g}}
	}
	return constantGlobal{g}
}

func formatGlobal(vt api.ValueType, v uint64) string {
	switch vt {
	case ValueTypeI32:
		return fmt.Sprintf("global(%d)", int32(v))
	case ValueTypeI64:
		return fmt.Sprintf("global(%d)", int64(v))
	case ValueTypeF32:
		return fmt.Sprintf("global(%f)", api.DecodeF32(v))
	case ValueTypeF64:
		return fmt.Sprintf("global(%f)", api.DecodeF64(v))
	default:
		panic(fmt.Errorf("BUG: unknown value type %X", vt))
	}
}
