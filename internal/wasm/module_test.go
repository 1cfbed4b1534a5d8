package wasm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm/text"
)

// decodeModule decodes and validates a module written in the text format.
func decodeModule(t *testing.T, wat string) *Module {
	m, err := newModuleFromText(wat)
	require.NoError(t, err)
	return m
}

func newModuleFromText(wat string) (*Module, error) {
	src, err := text.DecodeModule([]byte(wat))
	if err != nil {
		return nil, err
	}
	return NewModule(ModuleID{}, src)
}

func TestFunctionType_String(t *testing.T) {
	tests := []struct {
		functype *FunctionType
		expected string
	}{
		{functype: &FunctionType{}, expected: "null_null"},
		{functype: &FunctionType{Params: []ValueType{ValueTypeI32}}, expected: "i32_null"},
		{functype: &FunctionType{Results: []ValueType{ValueTypeF64}}, expected: "null_f64"},
		{
			functype: &FunctionType{Params: []ValueType{ValueTypeI32, ValueTypeI64}, Results: []ValueType{ValueTypeF32}},
			expected: "i32i64_f32",
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.functype.String())
			// computed once
			require.Equal(t, tc.expected, tc.functype.key)
		})
	}
}

func TestFunctionType_Signature(t *testing.T) {
	require.Equal(t, "() -> ()", (&FunctionType{}).Signature())
	ft := &FunctionType{Params: []ValueType{ValueTypeI32, ValueTypeI64}, Results: []ValueType{ValueTypeF32}}
	require.Equal(t, "(i32, i64) -> (f32)", ft.Signature())
}

func TestFunctionType_Equals(t *testing.T) {
	i32_i32 := &FunctionType{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI32}}
	require.True(t, i32_i32.Equals(&FunctionType{Params: []ValueType{ValueTypeI32}, Results: []ValueType{ValueTypeI32}}))
	require.False(t, i32_i32.Equals(&FunctionType{Params: []ValueType{ValueTypeI64}, Results: []ValueType{ValueTypeI32}}))
	require.False(t, i32_i32.Equals(&FunctionType{Params: []ValueType{ValueTypeI32}}))

	require.True(t, i32_i32.EqualsSignature([]ValueType{ValueTypeI32}, []ValueType{ValueTypeI32}))
	require.False(t, i32_i32.EqualsSignature([]ValueType{ValueTypeI32}, nil))
}

func TestFunctionType_ParamNumInUint64(t *testing.T) {
	require.Equal(t, 0, (&FunctionType{}).ParamNumInUint64())
	require.Equal(t, 2, (&FunctionType{Params: []ValueType{ValueTypeI32, ValueTypeI32}, Results: []ValueType{ValueTypeI32}}).ParamNumInUint64())
	require.Equal(t, 3, (&FunctionType{Results: []ValueType{ValueTypeI32, ValueTypeI64, ValueTypeF32}}).ParamNumInUint64())
}

func TestNewModule(t *testing.T) {
	m := decodeModule(t, `(module $math
	(import "env" "log" (func $log (param i32)))
	(import "env" "mem" (memory 1 2))
	(import "env" "base" (global i32))
	(global $g (mut i64) (i64.const 7))
	(func $add (export "add") (param i32 i32) (result i32) local.get 0 local.get 1 i32.add)
	(func (export "run") (export "main"))
	(func (local f64))
	(export "memory" (memory 0))
	(export "g" (global $g))
)`)

	require.Equal(t, "math", m.Name)
	require.Equal(t, uint32(1), m.ImportFuncCount)
	require.Equal(t, uint32(1), m.ImportGlobalCount)
	require.True(t, m.ImportsMemory)
	require.Equal(t, 3, m.DefinedFunctionCount())
	require.Equal(t, 4, len(m.FunctionTypes))
	require.Equal(t, "i32_null", m.FunctionTypes[0].String())
	require.Equal(t, "i32i32_i32", m.FunctionTypes[1].String())
	require.Equal(t, 2, len(m.Globals))
	require.True(t, m.Globals[1].Mutable)
	require.Equal(t, []ValueType{ValueTypeF64}, m.LocalTypes(2))
	require.Equal(t, []byte{0x20, 0, 0x20, 1, 0x6a, 0x0b}, m.Body(0))

	require.Equal(t, 5, len(m.Exports))
	require.Equal(t, ExternTypeGlobal, m.Exports["g"].Type)
	require.Equal(t, uint32(1), m.Exports["g"].Index)
}

func TestModule_FunctionDefinitions(t *testing.T) {
	m := decodeModule(t, `(module $math
	(import "env" "log" (func $log (param i32)))
	(func $add (export "add") (param i32 i32) (result i32) local.get 0 local.get 1 i32.add)
	(func (export "run") (export "main"))
	(func)
)`)

	defs := m.FunctionDefinitions()
	require.Equal(t, 4, len(defs))

	log := defs[0]
	require.Equal(t, "log", log.Name())
	require.Equal(t, "math.log", log.DebugName())
	moduleName, name, isImport := log.Import()
	require.Equal(t, "env", moduleName)
	require.Equal(t, "log", name)
	require.True(t, isImport)
	require.Equal(t, []ValueType{ValueTypeI32}, log.ParamTypes())
	require.Nil(t, log.ResultTypes())

	add := m.FunctionDefinition(1)
	require.Equal(t, uint32(1), add.Index())
	require.Equal(t, "add", add.Name())
	require.Equal(t, []string{"add"}, add.ExportNames())
	require.Equal(t, []ValueType{ValueTypeI32}, add.ResultTypes())
	_, _, isImport = add.Import()
	require.False(t, isImport)

	run := defs[2]
	require.Equal(t, "run", run.Name())
	require.Equal(t, []string{"run", "main"}, run.ExportNames())

	anonymous := defs[3]
	require.Equal(t, "$3", anonymous.Name())
	require.Equal(t, "math.$3", anonymous.DebugName())
	require.Equal(t, "math", anonymous.ModuleName())

	require.Equal(t, 1, len(m.ImportedFunctions()))
	exported := m.ExportedFunctions()
	require.Equal(t, 3, len(exported))
	require.Equal(t, run, exported["main"])
}

func TestModule_MemoryDefinition(t *testing.T) {
	t.Run("imported", func(t *testing.T) {
		m := decodeModule(t, `(module (import "env" "mem" (memory 1 2)) (export "memory" (memory 0)))`)
		def := m.MemoryDefinition()
		require.Equal(t, uint32(1), def.Min())
		maxPages, ok := def.Max()
		require.True(t, ok)
		require.Equal(t, uint32(2), maxPages)
		moduleName, name, isImport := def.Import()
		require.Equal(t, "env", moduleName)
		require.Equal(t, "mem", name)
		require.True(t, isImport)
		require.Equal(t, []string{"memory"}, def.ExportNames())
		require.Equal(t, def, m.ExportedMemories()["memory"])
	})
	t.Run("defined", func(t *testing.T) {
		m := decodeModule(t, `(module (memory 3))`)
		def := m.MemoryDefinition()
		require.Equal(t, uint32(3), def.Min())
		_, ok := def.Max()
		require.False(t, ok)
		_, _, isImport := def.Import()
		require.False(t, isImport)
		require.Equal(t, 0, len(m.ExportedMemories()))
	})
	t.Run("none", func(t *testing.T) {
		m := decodeModule(t, `(module)`)
		require.Nil(t, m.MemoryDefinition())
	})
}

func TestNewModule_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectedErr string
	}{
		{
			name:        "table import",
			input:       `(module (import "m" "t" (table 1 funcref)))`,
			expectedErr: "validation error: import[0] m.t: table imports are not supported",
		},
		{
			name:        "multiple tables",
			input:       `(module (table 1 funcref) (table 1 funcref))`,
			expectedErr: "validation error: multiple tables are not supported",
		},
		{
			name:        "duplicate export",
			input:       `(module (func (export "a")) (export "a" (func 0)))`,
			expectedErr: `validation error: export "a" is defined more than once`,
		},
		{
			name:        "start with params",
			input:       `(module (func $s (param i32)) (start $s))`,
			expectedErr: "validation error: start function must have an empty (nullary) signature: (i32) -> ()",
		},
		{
			name:        "global init type mismatch",
			input:       `(module (global i32 (i64.const 1)))`,
			expectedErr: "validation error: global[0] init: type mismatch: i64 != i32",
		},
		{
			name:        "global init reads a defined global",
			input:       `(module (global $g i32 (i32.const 1)) (global i32 (global.get $g)))`,
			expectedErr: "validation error: global[1] init: global index 0 is not an imported global",
		},
		{
			name:        "global init reads a mutable global",
			input:       `(module (import "m" "g" (global (mut i32))) (global i32 (global.get 0)))`,
			expectedErr: "validation error: global[0] init: global 0 is mutable",
		},
		{
			name:        "data offset type",
			input:       `(module (memory 1) (data (i64.const 0) "a"))`,
			expectedErr: "validation error: data[0] offset: offset must be i32, but was i64",
		},
		{
			name:        "data without memory",
			input:       `(module (data (i32.const 0) "a"))`,
			expectedErr: "validation error: data[0]: unknown memory",
		},
		{
			name:        "memory too large",
			input:       `(module (memory 65537))`,
			expectedErr: "validation error: memory min 65537 pages exceeds 65536",
		},
		{
			name:        "memory min over max",
			input:       `(module (memory 2 1))`,
			expectedErr: "validation error: memory min 2 pages > max 1 pages",
		},
		{
			name:        "table min over max",
			input:       `(module (table 2 1 funcref))`,
			expectedErr: "validation error: table min 2 > max 1",
		},
		{
			name:        "element without table",
			input:       `(module (func $f) (elem (i32.const 0) $f))`,
			expectedErr: "validation error: element[0]: table index 0 out of range",
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			_, err := newModuleFromText(tc.input)
			require.EqualError(t, err, tc.expectedErr)
			require.True(t, errors.Is(err, api.ErrValidation))
		})
	}
}
