package wasmfuel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmfuel/wasmfuel/api"
)

func TestLinker_Instantiate_Demo(t *testing.T) {
	e := newFuelEngine(t)
	module := compileText(t, e, demoWat)

	type seen struct {
		param    int32
		data     int
		consumed uint64
	}
	var got seen

	linker := NewLinker[int](e)
	require.NoError(t, linker.FuncWrap("host", "host_func", func(caller *Caller[int], param int32) {
		consumed, ok := caller.FuelConsumed()
		require.True(t, ok)
		got = seen{param: param, data: caller.Data(), consumed: consumed}
	}))

	store := NewStore(e, 4)
	require.NoError(t, store.AddFuel(1_000))

	inst, err := linker.Instantiate(testCtx, store, module)
	require.NoError(t, err)
	require.Equal(t, "demo", inst.Name())

	hello, err := GetTypedFunc[func() error](store, inst, "hello")
	require.NoError(t, err)
	require.NoError(t, hello())

	// The call instruction is charged before the host function runs.
	require.Equal(t, seen{param: 3, data: 4, consumed: 2}, got)

	consumed, ok := store.FuelConsumed()
	require.True(t, ok)
	require.Equal(t, uint64(2), consumed)

	remaining, ok := store.FuelRemaining()
	require.True(t, ok)
	require.Equal(t, uint64(998), remaining)
}

func TestLinker_Instantiate_Errors(t *testing.T) {
	hostFunc := func(int32) {}

	tests := []struct {
		name        string
		wat         string
		define      func(l *Linker[int]) error
		expected    error
		expectedErr string
	}{
		{
			name: "unresolved function",
			wat:  `(module (import "host" "missing_func" (func (param i32))))`,
			define: func(l *Linker[int]) error {
				return l.FuncWrap("host", "host_func", hostFunc)
			},
			expected:    api.ErrUnresolvedImport,
			expectedErr: `unresolved import "host"."missing_func"`,
		},
		{
			name:        "unresolved namespace",
			wat:         `(module (import "env" "host_func" (func (param i32))))`,
			define:      func(l *Linker[int]) error { return l.FuncWrap("host", "host_func", hostFunc) },
			expected:    api.ErrUnresolvedImport,
			expectedErr: `unresolved import "env"."host_func"`,
		},
		{
			name:        "function signature",
			wat:         `(module (import "host" "host_func" (func (param i64))))`,
			define:      func(l *Linker[int]) error { return l.FuncWrap("host", "host_func", hostFunc) },
			expected:    api.ErrSignatureMismatch,
			expectedErr: `signature mismatch "host"."host_func": expected (i64) -> (), but was (i32) -> ()`,
		},
		{
			name: "function result",
			wat:  `(module (import "host" "host_func" (func (param i32) (result i32))))`,
			define: func(l *Linker[int]) error {
				return l.FuncNew("host", "host_func", []api.ValueType{api.ValueTypeI32}, nil,
					func(*Caller[int], []uint64) error { return nil })
			},
			expected:    api.ErrSignatureMismatch,
			expectedErr: `signature mismatch "host"."host_func": expected (i32) -> (i32), but was (i32) -> ()`,
		},
		{
			name:        "extern type",
			wat:         `(module (import "host" "host_func" (global i32)))`,
			define:      func(l *Linker[int]) error { return l.FuncWrap("host", "host_func", hostFunc) },
			expected:    api.ErrSignatureMismatch,
			expectedErr: `signature mismatch "host"."host_func": expected global, but was func`,
		},
		{
			name:        "start function trap",
			wat:         `(module $trap (func $start unreachable) (start $start))`,
			define:      func(*Linker[int]) error { return nil },
			expected:    api.ErrInstantiationTrap,
			expectedErr: "instantiation trap: start function: wasm trap: unreachable\nwasm stack trace:\n\ttrap.start",
		},
	}

	e := newFuelEngine(t)
	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			linker := NewLinker[int](e)
			require.NoError(t, tc.define(linker))

			store := NewStore(e, 0)
			require.NoError(t, store.AddFuel(100))

			_, err := linker.Instantiate(testCtx, store, compileText(t, e, tc.wat))
			require.ErrorIs(t, err, tc.expected)
			require.EqualError(t, err, tc.expectedErr)
			require.Empty(t, store.s.Modules())
		})
	}
}

func TestLinker_Duplicate(t *testing.T) {
	e := newFuelEngine(t)
	store := NewStore(e, 0)
	require.NoError(t, store.AddFuel(100))

	f, err := WrapFunc(store, func() {})
	require.NoError(t, err)

	inst, err := NewInstance(testCtx, store, compileText(t, e, `(module (func (export "f")) (memory (export "mem") 1))`))
	require.NoError(t, err)

	tests := []struct {
		name   string
		define func(l *Linker[int]) error
	}{
		{
			name:   "FuncWrap",
			define: func(l *Linker[int]) error { return l.FuncWrap("env", "f", func() {}) },
		},
		{
			name: "FuncNew",
			define: func(l *Linker[int]) error {
				return l.FuncNew("env", "f", nil, nil, func(*Caller[int], []uint64) error { return nil })
			},
		},
		{
			name:   "Define",
			define: func(l *Linker[int]) error { return l.Define("env", "f", f) },
		},
		{
			name:   "DefineInstance",
			define: func(l *Linker[int]) error { return l.DefineInstance("env", inst) },
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			linker := NewLinker[int](e)
			require.NoError(t, linker.FuncWrap("env", "f", func() {}))

			err := tc.define(linker)
			require.ErrorIs(t, err, api.ErrDuplicateImport)
			require.EqualError(t, err, `duplicate import "env"."f"`)
		})
	}

	t.Run("DefineInstance defines nothing on conflict", func(t *testing.T) {
		linker := NewLinker[int](e)
		require.NoError(t, linker.FuncWrap("env", "f", func() {}))
		require.Error(t, linker.DefineInstance("env", inst))
		require.NotContains(t, linker.defs["env"], "mem")
	})
}

func TestLinker_FuncWrap_Invalid(t *testing.T) {
	e := newFuelEngine(t)
	linker := NewLinker[int](e)

	err := linker.FuncWrap("host", "f", func(string) {})
	require.ErrorIs(t, err, api.ErrValidation)
	require.EqualError(t, err, "validation error: host.f param[0] is unsupported: string")

	err = linker.FuncWrap("host", "f", func(int32, *Caller[int]) {})
	require.ErrorIs(t, err, api.ErrValidation)

	// Nothing was defined.
	require.NoError(t, linker.FuncWrap("host", "f", func() {}))
}

func TestLinker_DefineInstance(t *testing.T) {
	e := newFuelEngine(t)
	store := NewStore(e, 0)
	require.NoError(t, store.AddFuel(1_000))

	provider, err := NewInstance(testCtx, store, compileText(t, e, `(module $provider
	(memory (export "mem") 1)
	(global (export "base") i32 (i32.const 16))
	(func (export "double") (param i32) (result i32) (i32.mul (local.get 0) (i32.const 2)))
)`))
	require.NoError(t, err)

	linker := NewLinker[int](e)
	require.NoError(t, linker.DefineInstance("lib", provider))

	consumer, err := linker.Instantiate(testCtx, store, compileText(t, e, `(module $consumer
	(import "lib" "mem" (memory 1))
	(import "lib" "base" (global $base i32))
	(import "lib" "double" (func $double (param i32) (result i32)))
	(data (global.get $base) "\2a")
	(func (export "run") (result i32)
		(call $double (i32.load8_u (global.get $base)))
	)
)`))
	require.NoError(t, err)

	// The data segment was written to the shared memory.
	b, ok := provider.ExportedMemory("mem").ReadByte(16)
	require.True(t, ok)
	require.Equal(t, byte(42), b)

	results, err := consumer.ExportedFunction("run").Call(testCtx)
	require.NoError(t, err)
	require.Equal(t, uint64(84), results[0])

	t.Run("other store", func(t *testing.T) {
		other := NewStore(e, 0)
		_, err := linker.Instantiate(testCtx, other, compileText(t, e, `(module (import "lib" "mem" (memory 1)))`))
		require.ErrorIs(t, err, api.ErrUnresolvedImport)

		_, err = linker.Instantiate(testCtx, other, compileText(t, e, `(module (import "lib" "double" (func (param i32) (result i32))))`))
		require.EqualError(t, err, `unresolved import "lib"."double": function belongs to a different store`)
	})
}

func TestLinker_Define(t *testing.T) {
	e := newFuelEngine(t)
	store := NewStore(e, 10)
	require.NoError(t, store.AddFuel(1_000))

	f, err := NewFunc(store, []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64},
		func(caller *Caller[int], stack []uint64) error {
			stack[0] += uint64(caller.Data())
			return nil
		})
	require.NoError(t, err)
	require.True(t, f.IsHost())

	linker := NewLinker[int](e)
	require.NoError(t, linker.Define("env", "add_data", f))

	inst, err := linker.Instantiate(testCtx, store, compileText(t, e, `(module
	(import "env" "add_data" (func $add (param i64) (result i64)))
	(func (export "run") (param i64) (result i64) (call $add (local.get 0)))
)`))
	require.NoError(t, err)

	run, err := GetTypedFunc[func(int64) (int64, error)](store, inst, "run")
	require.NoError(t, err)
	v, err := run(5)
	require.NoError(t, err)
	require.Equal(t, int64(15), v)

	t.Run("guest function", func(t *testing.T) {
		exported, err := inst.GetFunc("run")
		require.NoError(t, err)
		require.False(t, exported.IsHost())
		require.Equal(t, []api.ValueType{api.ValueTypeI64}, exported.ParamTypes())
		require.Equal(t, []api.ValueType{api.ValueTypeI64}, exported.ResultTypes())

		require.NoError(t, linker.Define("env", "run", exported))
		reexport, err := linker.Instantiate(testCtx, store, compileText(t, e, `(module
	(import "env" "run" (func $run (param i64) (result i64)))
	(export "again" (func $run))
)`))
		require.NoError(t, err)

		results, err := reexport.ExportedFunction("again").Call(testCtx, 1)
		require.NoError(t, err)
		require.Equal(t, uint64(11), results[0])
	})
}

func TestNewInstance(t *testing.T) {
	e := newFuelEngine(t)
	module := compileText(t, e, demoWat)

	t.Run("positional", func(t *testing.T) {
		store := NewStore(e, 0)
		require.NoError(t, store.AddFuel(10))

		var got int32
		f, err := WrapFunc(store, func(v int32) { got = v })
		require.NoError(t, err)

		inst, err := NewInstance(testCtx, store, module, f)
		require.NoError(t, err)
		_, err = inst.ExportedFunction("hello").Call(testCtx)
		require.NoError(t, err)
		require.Equal(t, int32(3), got)
	})

	tests := []struct {
		name        string
		wat         string
		imports     func(store *Store[int]) []*Func
		expected    error
		expectedErr string
	}{
		{
			name:        "missing import",
			wat:         demoWat,
			imports:     func(*Store[int]) []*Func { return nil },
			expected:    api.ErrUnresolvedImport,
			expectedErr: "unresolved import: expected 1 imports, but passed 0",
		},
		{
			name: "extra import",
			wat:  demoWat,
			imports: func(s *Store[int]) []*Func {
				f, _ := WrapFunc(s, func(int32) {})
				return []*Func{f, f}
			},
			expected:    api.ErrUnresolvedImport,
			expectedErr: "unresolved import: expected 1 imports, but passed 2",
		},
		{
			name: "signature",
			wat:  demoWat,
			imports: func(s *Store[int]) []*Func {
				f, _ := WrapFunc(s, func(int64) {})
				return []*Func{f}
			},
			expected:    api.ErrSignatureMismatch,
			expectedErr: `signature mismatch "host"."host_func": expected (i32) -> (), but was (i64) -> ()`,
		},
		{
			name:        "memory import",
			wat:         `(module (import "env" "mem" (memory 1)))`,
			imports:     func(*Store[int]) []*Func { return nil },
			expected:    api.ErrUnresolvedImport,
			expectedErr: `unresolved import "env"."mem": memory imports cannot be bound by position`,
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			store := NewStore(e, 0)
			_, err := NewInstance(testCtx, store, compileText(t, e, tc.wat), tc.imports(store)...)
			require.ErrorIs(t, err, tc.expected)
			require.EqualError(t, err, tc.expectedErr)
		})
	}

	t.Run("other engine", func(t *testing.T) {
		other := newFuelEngine(t)
		_, err := NewInstance(testCtx, NewStore(other, 0), module)
		require.ErrorIs(t, err, api.ErrConfig)
	})
}

func TestInstance_Exports(t *testing.T) {
	e := newFuelEngine(t)
	store := NewStore(e, 0)
	inst, err := NewInstance(testCtx, store, compileText(t, e, `(module $exports
	(memory (export "mem") 1)
	(global (export "g") (mut i64) (i64.const 7))
	(func (export "f"))
)`))
	require.NoError(t, err)

	require.NotNil(t, inst.ExportedFunction("f"))
	require.Nil(t, inst.ExportedFunction("mem"))
	require.Nil(t, inst.ExportedMemory("f"))
	require.Equal(t, uint32(65536), inst.ExportedMemory("mem").Size())
	require.Contains(t, inst.ExportedFunctionDefinitions(), "f")

	g := inst.ExportedGlobal("g")
	require.Equal(t, uint64(7), g.Get())
	g.(api.MutableGlobal).Set(8)
	require.Equal(t, uint64(8), inst.ExportedGlobal("g").Get())
	require.Nil(t, inst.ExportedGlobal("missing"))

	_, err = inst.GetFunc("missing")
	require.ErrorIs(t, err, api.ErrNotFound)
	require.EqualError(t, err, `not found "exports"."missing"`)

	_, err = inst.GetFunc("mem")
	require.True(t, errors.Is(err, api.ErrNotFound))
}
