package wasmfuel

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmfuel/wasmfuel/api"
)

const typedWat = `(module $typed
	(func (export "add") (param i32 i32) (result i32) (i32.add (local.get 0) (local.get 1)))
	(func (export "swap") (param i64 f64) (result f64 i64) local.get 1 local.get 0)
	(func (export "div") (param i32 i32) (result i32) (i32.div_s (local.get 0) (local.get 1)))
	(func (export "nothing"))
	(global (export "g") i32 (i32.const 1))
)`

func newTypedInstance(t *testing.T) (*Store[int], *Instance) {
	e := newFuelEngine(t)
	store := NewStore(e, 0)
	require.NoError(t, store.AddFuel(1_000))
	inst, err := NewInstance(testCtx, store, compileText(t, e, typedWat))
	require.NoError(t, err)
	return store, inst
}

func TestGetTypedFunc(t *testing.T) {
	store, inst := newTypedInstance(t)

	t.Run("params and result", func(t *testing.T) {
		add, err := GetTypedFunc[func(int32, int32) (int32, error)](store, inst, "add")
		require.NoError(t, err)

		v, err := add(1, -3)
		require.NoError(t, err)
		require.Equal(t, int32(-2), v)
	})

	t.Run("unsigned", func(t *testing.T) {
		add, err := GetTypedFunc[func(uint32, uint32) (uint32, error)](store, inst, "add")
		require.NoError(t, err)

		v, err := add(math.MaxUint32, 2)
		require.NoError(t, err)
		require.Equal(t, uint32(1), v)
	})

	t.Run("multiple results", func(t *testing.T) {
		swap, err := GetTypedFunc[func(context.Context, int64, float64) (float64, int64, error)](store, inst, "swap")
		require.NoError(t, err)

		f, i, err := swap(testCtx, -7, 1.5)
		require.NoError(t, err)
		require.Equal(t, 1.5, f)
		require.Equal(t, int64(-7), i)
	})

	t.Run("no params or results", func(t *testing.T) {
		nothing, err := GetTypedFunc[func() error](store, inst, "nothing")
		require.NoError(t, err)
		require.NoError(t, nothing())
	})

	t.Run("trap", func(t *testing.T) {
		div, err := GetTypedFunc[func(int32, int32) (int32, error)](store, inst, "div")
		require.NoError(t, err)

		v, err := div(1, 0)
		require.ErrorIs(t, err, api.ErrIntegerDivideByZero)
		require.Zero(t, v)
	})
}

func TestGetTypedFunc_Errors(t *testing.T) {
	store, inst := newTypedInstance(t)

	tests := []struct {
		name        string
		get         func() error
		expected    error
		expectedErr string
	}{
		{
			name: "missing",
			get: func() error {
				_, err := GetTypedFunc[func() error](store, inst, "missing")
				return err
			},
			expected:    api.ErrNotFound,
			expectedErr: `not found "typed"."missing"`,
		},
		{
			name: "not a function",
			get: func() error {
				_, err := GetTypedFunc[func() error](store, inst, "g")
				return err
			},
			expected:    api.ErrNotFound,
			expectedErr: `not found "typed"."g": export is a global, not a func`,
		},
		{
			name: "param count",
			get: func() error {
				_, err := GetTypedFunc[func(int32) (int32, error)](store, inst, "add")
				return err
			},
			expected:    api.ErrWrongArity,
			expectedErr: "wrong arity: expected 2 params, but func(int32) (int32, error) has 1",
		},
		{
			name: "result count",
			get: func() error {
				_, err := GetTypedFunc[func(int32, int32) error](store, inst, "add")
				return err
			},
			expected:    api.ErrWrongArity,
			expectedErr: "wrong arity: expected 1 results, but func(int32, int32) error has 0",
		},
		{
			name: "param type",
			get: func() error {
				_, err := GetTypedFunc[func(int64, int32) (int32, error)](store, inst, "add")
				return err
			},
			expected:    api.ErrTypeMismatch,
			expectedErr: "type mismatch: param[0] is i32, but int64 was requested",
		},
		{
			name: "result type",
			get: func() error {
				_, err := GetTypedFunc[func(int32, int32) (float32, error)](store, inst, "add")
				return err
			},
			expected:    api.ErrTypeMismatch,
			expectedErr: "type mismatch: result[0] is i32, but float32 was requested",
		},
		{
			name: "no error result",
			get: func() error {
				_, err := GetTypedFunc[func(int32, int32) int32](store, inst, "add")
				return err
			},
			expected:    api.ErrTypeMismatch,
			expectedErr: "type mismatch: func(int32, int32) int32 must return error as its last result",
		},
		{
			name: "not a func type",
			get: func() error {
				_, err := GetTypedFunc[int](store, inst, "add")
				return err
			},
			expected:    api.ErrTypeMismatch,
			expectedErr: "type mismatch: int is not a func",
		},
		{
			name: "other store",
			get: func() error {
				_, err := GetTypedFunc[func() error](NewStore(store.Engine(), 0), inst, "nothing")
				return err
			},
			expected:    api.ErrNotFound,
			expectedErr: `not found "typed"."nothing": instance belongs to a different store`,
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			err := tc.get()
			require.ErrorIs(t, err, tc.expected)
			require.EqualError(t, err, tc.expectedErr)
		})
	}

	t.Run("signature mismatch", func(t *testing.T) {
		_, err := GetTypedFunc[func(int32) (int32, error)](store, inst, "add")
		require.ErrorIs(t, err, api.ErrSignatureMismatch)

		_, err = GetTypedFunc[func(int64, int32) (int32, error)](store, inst, "add")
		require.ErrorIs(t, err, api.ErrSignatureMismatch)
	})
}

const upperBitsWat = `(module $bits
	(import "host" "high" (func $high (result i32)))
	(func (export "truthy") (param i32) (result i32)
		(if (result i32) (local.get 0) (then (i32.const 1)) (else (i32.const 0))))
	(func (export "echo") (param i32) (result i32) (local.get 0))
	(func (export "host_truthy") (result i32)
		(if (result i32) (call $high) (then (i32.const 1)) (else (i32.const 0))))
	(func (export "host_echo") (result i32) (call $high))
)`

// TestUpperBits ensures only the low 32 bits of i32 values passed in from the host are observable.
func TestUpperBits(t *testing.T) {
	e := newFuelEngine(t)
	store := NewStore(e, 0)
	require.NoError(t, store.AddFuel(1_000))
	linker := NewLinker[int](e)
	require.NoError(t, linker.FuncNew("host", "high", nil, []api.ValueType{api.ValueTypeI32},
		func(_ *Caller[int], stack []uint64) error {
			stack[0] = 1 << 63
			return nil
		}))
	inst, err := linker.Instantiate(testCtx, store, compileText(t, e, upperBitsWat))
	require.NoError(t, err)

	tests := []struct {
		name     string
		fn       string
		params   []uint64
		expected uint64
	}{
		{name: "param high bits", fn: "truthy", params: []uint64{1 << 32}, expected: 0},
		{name: "param low bits", fn: "truthy", params: []uint64{1<<32 | 1}, expected: 1},
		{name: "param returned", fn: "echo", params: []uint64{1<<32 | 7}, expected: 7},
		{name: "host result", fn: "host_truthy", expected: 0},
		{name: "host result returned", fn: "host_echo", expected: 0},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			fn, err := inst.GetFunc(tc.fn)
			require.NoError(t, err)

			results, err := fn.Call(testCtx, tc.params...)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.expected}, results)
		})
	}

	t.Run("typed", func(t *testing.T) {
		truthy, err := GetTypedFunc[func(uint32) (int32, error)](store, inst, "truthy")
		require.NoError(t, err)
		v, err := truthy(math.MaxUint32)
		require.NoError(t, err)
		require.Equal(t, int32(1), v)

		hostTruthy, err := GetTypedFunc[func() (int32, error)](store, inst, "host_truthy")
		require.NoError(t, err)
		v, err = hostTruthy()
		require.NoError(t, err)
		require.Zero(t, v)
	})
}
