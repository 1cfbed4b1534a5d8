package wasmfuel

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wabin/binary"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/experimental"
	"github.com/wasmfuel/wasmfuel/fuel"
	"github.com/wasmfuel/wasmfuel/internal/wasm/text"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

// demoWat imports a host function and calls it with 3, which costs 2 fuel.
const demoWat = `(module $demo
	(import "host" "host_func" (func $host_hello (param i32)))
	(func (export "hello")
		i32.const 3
		call $host_hello
	)
)`

// sumWat sums 1..n in a loop.
const sumWat = `(module $sum
	(func (export "sum") (param $n i32) (result i32) (local $acc i32)
		(block $done
			(loop $next
				(br_if $done (i32.eqz (local.get $n)))
				(local.set $acc (i32.add (local.get $acc) (local.get $n)))
				(local.set $n (i32.sub (local.get $n) (i32.const 1)))
				(br $next)
			)
		)
		local.get $acc
	)
)`

func newFuelEngine(t *testing.T) *Engine {
	e, err := NewEngine(NewEngineConfig().WithFuelConsumption(true))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func compileText(t *testing.T, e *Engine, wat string) *CompiledModule {
	m, err := e.CompileModule(testCtx, []byte(wat))
	require.NoError(t, err)
	return m
}

func TestNewEngine_Errors(t *testing.T) {
	tests := []struct {
		name        string
		config      *EngineConfig
		expectedErr string
	}{
		{
			name:        "zero call depth",
			config:      NewEngineConfig().WithMaxCallDepth(0),
			expectedErr: "config error: max call depth must be positive",
		},
		{
			name:        "memory limit too large",
			config:      NewEngineConfig().WithMemoryLimitPages(65537),
			expectedErr: "config error: memory limit 65537 pages exceeds 65536",
		},
		{
			name:        "cost model without fuel",
			config:      NewEngineConfig().WithCostModel(fuel.UniformCostModel(1)),
			expectedErr: "config error: cost model requires fuel consumption",
		},
		{
			name:        "nil cost model",
			config:      NewEngineConfig().WithFuelConsumption(true).WithCostModel(nil),
			expectedErr: "config error: cost model is nil",
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine(tc.config)
			require.EqualError(t, err, tc.expectedErr)
			require.ErrorIs(t, err, api.ErrConfig)
		})
	}
}

func TestNewEngine_NilConfig(t *testing.T) {
	e, err := NewEngine(nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestEngineConfig_Immutable(t *testing.T) {
	base := NewEngineConfig()
	withFuel := base.WithFuelConsumption(true)

	require.False(t, base.fuelConsumption)
	require.True(t, withFuel.fuelConsumption)
	require.Equal(t, uint32(1024), withFuel.maxCallDepth)
}

func TestEngine_CompileModule(t *testing.T) {
	e := newFuelEngine(t)

	t.Run("text", func(t *testing.T) {
		m := compileText(t, e, demoWat)
		require.Equal(t, "demo", m.Name())

		imports := m.ImportedFunctions()
		require.Equal(t, 1, len(imports))
		moduleName, name, isImport := imports[0].Import()
		require.True(t, isImport)
		require.Equal(t, "host", moduleName)
		require.Equal(t, "host_func", name)
		require.Equal(t, []api.ValueType{api.ValueTypeI32}, imports[0].ParamTypes())

		exports := m.ExportedFunctions()
		require.Contains(t, exports, "hello")
		require.Empty(t, exports["hello"].ParamTypes())
	})

	t.Run("binary", func(t *testing.T) {
		src, err := text.DecodeModule([]byte(sumWat))
		require.NoError(t, err)

		m, err := e.CompileModule(testCtx, binary.EncodeModule(src))
		require.NoError(t, err)
		require.Equal(t, "sum", m.Name())
		require.Contains(t, m.ExportedFunctions(), "sum")
	})

	t.Run("same source is cached", func(t *testing.T) {
		m1 := compileText(t, e, sumWat)
		m2 := compileText(t, e, sumWat)
		require.Same(t, m1, m2)
	})

	t.Run("memories", func(t *testing.T) {
		m := compileText(t, e, `(module (import "env" "mem" (memory 1 2)) (export "a" (memory 0)) (export "b" (memory 0)))`)

		def, ok := m.ImportedMemory()
		require.True(t, ok)
		require.Equal(t, uint32(1), def.Min())
		max, hasMax := def.Max()
		require.True(t, hasMax)
		require.Equal(t, uint32(2), max)

		exported := m.ExportedMemories()
		require.Equal(t, 2, len(exported))
		require.Contains(t, exported, "a")
		require.Contains(t, exported, "b")
	})

	t.Run("no imported memory", func(t *testing.T) {
		m := compileText(t, e, `(module (memory 1))`)
		_, ok := m.ImportedMemory()
		require.False(t, ok)
	})
}

func TestEngine_CompileModule_Errors(t *testing.T) {
	tests := []struct {
		name     string
		source   []byte
		expected error
	}{
		{
			name:     "invalid text",
			source:   []byte(`(module (func foo))`),
			expected: api.ErrCompile,
		},
		{
			name:     "invalid binary",
			source:   append(append([]byte{}, binary.Magic...), 0xff, 0xff),
			expected: api.ErrCompile,
		},
		{
			name:     "missing result",
			source:   []byte(`(module (func (result i32)))`),
			expected: api.ErrValidation,
		},
		{
			name:     "operand type",
			source:   []byte(`(module (func (result i32) i64.const 1))`),
			expected: api.ErrValidation,
		},
	}

	e := newFuelEngine(t)
	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CompileModule(testCtx, tc.source)
			require.ErrorIs(t, err, tc.expected)
		})
	}
}

// closingFactory records whether Engine.Close closed it.
type closingFactory struct {
	closed bool
	err    error
}

func (f *closingFactory) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return nil
}

func (f *closingFactory) Close() error {
	f.closed = true
	return f.err
}

func TestEngine_Close(t *testing.T) {
	t.Run("closes listener factory", func(t *testing.T) {
		factory := &closingFactory{}
		e, err := NewEngine(NewEngineConfig().WithFunctionListenerFactory(factory))
		require.NoError(t, err)

		require.NoError(t, e.Close())
		require.True(t, factory.closed)

		// Idempotent
		factory.closed = false
		require.NoError(t, e.Close())
		require.False(t, factory.closed)
	})

	t.Run("combines errors", func(t *testing.T) {
		factory := &closingFactory{err: errors.New("unregister")}
		c, err := NewInMemoryCompilationCache()
		require.NoError(t, err)
		e, err := NewEngine(NewEngineConfig().WithFunctionListenerFactory(factory).WithCompilationCache(c))
		require.NoError(t, err)

		require.EqualError(t, e.Close(), "unregister")
	})

	t.Run("compile after close", func(t *testing.T) {
		e, err := NewEngine(nil)
		require.NoError(t, err)
		require.NoError(t, e.Close())

		_, err = e.CompileModule(testCtx, []byte(sumWat))
		require.ErrorIs(t, err, api.ErrClosed)
	})
}

func TestCompilationCache(t *testing.T) {
	dir := t.TempDir()

	compileWith := func(config *EngineConfig) int {
		c, err := newCompilationCache(dir, "test")
		require.NoError(t, err)
		e, err := NewEngine(config.WithCompilationCache(c))
		require.NoError(t, err)
		defer func() { require.NoError(t, e.Close()) }()

		compileText(t, e, sumWat)
		n, err := c.fileCache.Len()
		require.NoError(t, err)
		return n
	}

	// The first engine lowers and persists sum.
	require.Equal(t, 1, compileWith(NewEngineConfig().WithFuelConsumption(true)))
	// Another engine with the same cost model reuses the entry.
	require.Equal(t, 1, compileWith(NewEngineConfig().WithFuelConsumption(true)))
	// Costs are baked into the lowered code, so a different model needs its own entry.
	costly := NewEngineConfig().WithFuelConsumption(true).WithCostModel(fuel.UniformCostModel(2))
	require.Equal(t, 2, compileWith(costly))

	// The reused entry runs the same as a fresh compilation.
	c, err := newCompilationCache(dir, "test")
	require.NoError(t, err)
	e, err := NewEngine(NewEngineConfig().WithFuelConsumption(true).WithCompilationCache(c))
	require.NoError(t, err)
	defer e.Close()

	store := NewStore(e, 0)
	require.NoError(t, store.AddFuel(1000))
	inst, err := NewInstance(testCtx, store, compileText(t, e, sumWat))
	require.NoError(t, err)
	results, err := inst.ExportedFunction("sum").Call(testCtx, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(10), results[0])
}

func TestNewCompilationCache_Dir(t *testing.T) {
	t.Run("creates version directory", func(t *testing.T) {
		dir := path.Join(t.TempDir(), "1", "2")
		c, err := newCompilationCache(dir, "dev")
		require.NoError(t, err)
		defer c.Close()

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Equal(t, 1, len(entries))
		require.Contains(t, entries[0].Name(), "wasmfuel-dev-")
	})

	t.Run("not a directory", func(t *testing.T) {
		file := path.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte{}, 0o600))

		_, err := newCompilationCache(file, "dev")
		require.EqualError(t, err, file+" is not dir")
	})
}

func TestEngine_Determinism(t *testing.T) {
	e := newFuelEngine(t)
	m := compileText(t, e, sumWat)

	run := func() (uint64, uint64) {
		store := NewStore(e, 0)
		require.NoError(t, store.AddFuel(10_000))
		inst, err := NewInstance(testCtx, store, m)
		require.NoError(t, err)
		results, err := inst.ExportedFunction("sum").Call(testCtx, 100)
		require.NoError(t, err)
		consumed, ok := store.FuelConsumed()
		require.True(t, ok)
		return results[0], consumed
	}

	r1, c1 := run()
	r2, c2 := run()
	require.Equal(t, uint64(5050), r1)
	require.Equal(t, r1, r2)
	require.Equal(t, c1, c2)
}
