package wasm

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wabin/ieee754"
	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/wasmfuel/wasmfuel/api"
)

// constExprType validates a constant expression and returns the type it produces. Only imported globals may be read
// by global.get.
func (m *Module) constExprType(expr *wabin.ConstantExpression) (ValueType, error) {
	if expr == nil {
		return 0, fmt.Errorf("missing constant expression")
	}
	switch expr.Opcode {
	case wabin.OpcodeI32Const:
		return ValueTypeI32, nil
	case wabin.OpcodeI64Const:
		return ValueTypeI64, nil
	case wabin.OpcodeF32Const:
		return ValueTypeF32, nil
	case wabin.OpcodeF64Const:
		return ValueTypeF64, nil
	case wabin.OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(bytes.NewReader(expr.Data))
		if err != nil {
			return 0, fmt.Errorf("read global index: %w", err)
		}
		if idx >= m.ImportGlobalCount {
			return 0, fmt.Errorf("global index %d is not an imported global", idx)
		}
		g := m.Globals[idx]
		if g.Mutable {
			return 0, fmt.Errorf("global %d is mutable", idx)
		}
		return g.ValType, nil
	}
	return 0, fmt.Errorf("unsupported opcode for constant expression: %#x", expr.Opcode)
}

// evalConstExpr returns the value of a constant expression validated by constExprType. globals are the instance's
// globals in index order, imports first.
func evalConstExpr(expr *wabin.ConstantExpression, globals []*GlobalInstance) (uint64, error) {
	r := bytes.NewReader(expr.Data)
	switch expr.Opcode {
	case wabin.OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(r)
		return uint64(uint32(v)), err
	case wabin.OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(r)
		return uint64(v), err
	case wabin.OpcodeF32Const:
		v, err := ieee754.DecodeFloat32(r)
		return api.EncodeF32(v), err
	case wabin.OpcodeF64Const:
		v, err := ieee754.DecodeFloat64(r)
		return api.EncodeF64(v), err
	case wabin.OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, err
		}
		return globals[idx].Val, nil
	}
	return 0, fmt.Errorf("unsupported opcode for constant expression: %#x", expr.Opcode)
}
