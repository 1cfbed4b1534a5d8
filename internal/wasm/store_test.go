package wasm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/experimental"
	"github.com/wasmfuel/wasmfuel/fuel"
)

// fakeEngine compiles nothing and runs guest functions by returning guestResults or guestErr.
type fakeEngine struct {
	guestResults []uint64
	guestErr     error
}

func (e *fakeEngine) CompileModule(_ context.Context, m *Module) error {
	m.Code = make([]CompiledCode, m.DefinedFunctionCount())
	return nil
}

func (e *fakeEngine) NewCallEngine(s *Store) CallEngine {
	return &fakeCallEngine{e: e, s: s}
}

type fakeCallEngine struct {
	e     *fakeEngine
	s     *Store
	calls []*FunctionInstance
}

func (ce *fakeCallEngine) Call(ctx context.Context, f *FunctionInstance, params []uint64) ([]uint64, error) {
	ce.calls = append(ce.calls, f)
	if f.Target == CallTargetHost {
		stack := make([]uint64, f.Type.ParamNumInUint64())
		copy(stack, params)
		if err := f.Host.Call(NewCallContext(ctx, ce.s, nil), stack); err != nil {
			return nil, AsTrap(err)
		}
		return stack[:len(f.Type.Results)], nil
	}
	return ce.e.guestResults, ce.e.guestErr
}

func (ce *fakeCallEngine) Depth() int {
	return 0
}

func newTestStore(e *fakeEngine) *Store {
	return NewStore(e, fuel.NewMeter(false))
}

// instantiateText compiles and instantiates a text format module with no imports.
func instantiateText(t *testing.T, s *Store, name, wat string) *ModuleInstance {
	m := decodeModule(t, wat)
	require.NoError(t, s.engine.CompileModule(testCtx, m))
	mi, err := s.Instantiate(testCtx, m, name, &Imports{})
	require.NoError(t, err)
	return mi
}

var testCtx = context.Background()

func lookupIn(exports map[string]map[string]*ExportInstance) func(moduleName, name string) (*ExportInstance, bool) {
	return func(moduleName, name string) (*ExportInstance, bool) {
		e, ok := exports[moduleName][name]
		return e, ok
	}
}

func TestStore_Instantiate(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	mi := instantiateText(t, s, "test", `(module $test
	(global $base i32 (i32.const 2))
	(global (export "counter") (mut i64) (i64.const 40))
	(memory (export "memory") 1 2)
	(table 4 funcref)
	(func $a (export "a"))
	(func $b)
	(elem (i32.const 1) $a $b)
	(data (i32.const 8) "hello")
)`)

	require.Equal(t, "test", mi.Name)
	require.Equal(t, 2, len(mi.Globals))
	require.Equal(t, uint64(40), mi.ExportedGlobal("counter").Val)
	require.Nil(t, mi.ExportedGlobal("memory"))

	mem := mi.ExportedMemory("memory")
	require.Equal(t, mi.MemoryInstance, mem)
	require.Equal(t, uint32(2), mem.Max)
	buf, ok := mem.Read(8, 5)
	require.True(t, ok)
	require.Equal(t, "hello", string(buf))
	b, _ := mem.ReadByte(0)
	require.Equal(t, byte(0), b)

	require.Equal(t, 4, len(mi.TableInstance.References))
	require.Nil(t, mi.TableInstance.References[0])
	require.Equal(t, mi.Functions[0], mi.TableInstance.References[1])
	require.Equal(t, mi.Functions[1], mi.TableInstance.References[2])

	a := mi.ExportedFunction("a")
	require.Equal(t, CallTargetGuest, a.Target)
	require.Equal(t, mi, a.Module)
	require.Equal(t, "test.a", a.FunctionDefinition().DebugName())
	require.Nil(t, mi.ExportedFunction("missing"))

	require.Equal(t, []*ModuleInstance{mi}, s.Modules())
}

func TestStore_Instantiate_DataWithImportedGlobalOffset(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	m := decodeModule(t, `(module
	(import "env" "offset" (global i32))
	(memory 1)
	(data (global.get 0) "hi")
	(export "memory" (memory 0))
)`)
	require.NoError(t, s.engine.CompileModule(testCtx, m))
	offset := &GlobalInstance{Type: &wabin.GlobalType{ValType: ValueTypeI32}, Val: 100}

	mi, err := s.Instantiate(testCtx, m, "", &Imports{Globals: []*GlobalInstance{offset}})
	require.NoError(t, err)
	buf, ok := mi.ExportedMemory("memory").Read(100, 2)
	require.True(t, ok)
	require.Equal(t, "hi", string(buf))
	// imports are shared, not copied
	require.Same(t, offset, mi.Globals[0])
}

func TestStore_Instantiate_Errors(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		guestErr     error
		expectedErr  string
		expectedTrap *api.Trap
	}{
		{
			name:         "data out of bounds",
			input:        `(module (memory 1) (data (i32.const 65535) "ab"))`,
			expectedErr:  "instantiation trap: data[0] out of bounds: wasm trap: out of bounds memory access",
			expectedTrap: api.ErrOutOfBoundsMemoryAccess,
		},
		{
			name:         "element out of bounds",
			input:        `(module (table 1 funcref) (func $f) (elem (i32.const 1) $f))`,
			expectedErr:  "instantiation trap: element[0] out of bounds: wasm trap: invalid table access",
			expectedTrap: api.ErrInvalidTableAccess,
		},
		{
			name:         "start function traps",
			input:        `(module (func $s unreachable) (start $s))`,
			guestErr:     &api.Trap{Code: api.TrapCodeUnreachable},
			expectedErr:  "instantiation trap: start function: wasm trap: unreachable",
			expectedTrap: api.ErrUnreachable,
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(&fakeEngine{guestErr: tc.guestErr})
			m := decodeModule(t, tc.input)
			require.NoError(t, s.engine.CompileModule(testCtx, m))

			_, err := s.Instantiate(testCtx, m, "test", &Imports{})
			require.EqualError(t, err, tc.expectedErr)
			require.True(t, errors.Is(err, api.ErrInstantiationTrap))
			require.True(t, errors.Is(err, tc.expectedTrap))
			// nothing was added
			require.Equal(t, 0, len(s.Modules()))
		})
	}
}

func TestStore_Instantiate_SegmentsAreAllOrNothing(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	mem, err := NewMemoryInstance(&MemoryDefinition{memory: &wabin.Memory{Min: 1}}, MemoryLimitPages)
	require.NoError(t, err)

	m := decodeModule(t, `(module
	(import "env" "mem" (memory 1))
	(data (i32.const 0) "ok")
	(data (i32.const 65536) "x")
)`)
	require.NoError(t, s.engine.CompileModule(testCtx, m))
	_, err = s.Instantiate(testCtx, m, "test", &Imports{Memory: mem})
	require.Error(t, err)

	// the first segment was in bounds, but must not have been written
	buf, _ := mem.Read(0, 2)
	require.Equal(t, []byte{0, 0}, buf)
}

func TestStore_Instantiate_MemoryLimit(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	s.MemoryLimitPages = 1
	m := decodeModule(t, `(module (memory 2))`)
	require.NoError(t, s.engine.CompileModule(testCtx, m))

	_, err := s.Instantiate(testCtx, m, "test", &Imports{})
	require.EqualError(t, err, "instantiation trap: memory: memory min 2 pages exceeds the limit of 1 pages")
	require.True(t, errors.Is(err, api.ErrInstantiationTrap))
}

func TestStore_Instantiate_NotCompiled(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	m := decodeModule(t, `(module (func))`)

	_, err := s.Instantiate(testCtx, m, "test", &Imports{})
	require.EqualError(t, err, `BUG: module "test" was not compiled`)
}

func TestStore_Close(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	mi := instantiateText(t, s, "test", `(module (func (export "f")))`)
	f := mi.ExportedFunction("f")

	s.Close()
	require.True(t, s.Closed())
	require.Equal(t, 0, len(s.Modules()))

	_, err := f.Call(testCtx)
	require.True(t, errors.Is(err, api.ErrClosed))

	_, err = s.Instantiate(testCtx, mi.Source, "again", &Imports{})
	require.EqualError(t, err, "closed: store is closed")
}

func TestStore_ResolveImports(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	hf, err := NewHostFunction([]ValueType{ValueTypeI32}, nil, func(*CallContext, []uint64) error { return nil })
	require.NoError(t, err)
	log := NewHostFunctionInstance(s, "env", "log", hf)
	g := &GlobalInstance{Type: &wabin.GlobalType{ValType: ValueTypeI32}}
	mem, err := NewMemoryInstance(&MemoryDefinition{memory: &wabin.Memory{Min: 1, Max: 2, IsMaxEncoded: true}}, MemoryLimitPages)
	require.NoError(t, err)

	exports := map[string]map[string]*ExportInstance{
		"env": {
			"log":    {Type: ExternTypeFunc, Function: log},
			"base":   {Type: ExternTypeGlobal, Global: g},
			"memory": {Type: ExternTypeMemory, Memory: mem},
		},
	}

	m := decodeModule(t, `(module
	(import "env" "log" (func (param i32)))
	(import "env" "base" (global i32))
	(import "env" "memory" (memory 1 2))
)`)
	imports, err := s.ResolveImports(m, lookupIn(exports))
	require.NoError(t, err)
	require.Equal(t, []*FunctionInstance{log}, imports.Functions)
	require.Equal(t, []*GlobalInstance{g}, imports.Globals)
	require.Equal(t, mem, imports.Memory)
}

func TestStore_ResolveImports_Errors(t *testing.T) {
	s := newTestStore(&fakeEngine{})
	other := newTestStore(&fakeEngine{})
	hf, err := NewHostFunction([]ValueType{ValueTypeI64}, nil, func(*CallContext, []uint64) error { return nil })
	require.NoError(t, err)
	mem, err := NewMemoryInstance(&MemoryDefinition{memory: &wabin.Memory{Min: 1}}, 3)
	require.NoError(t, err)

	exports := map[string]map[string]*ExportInstance{
		"host": {
			"func_i64": {Type: ExternTypeFunc, Function: NewHostFunctionInstance(s, "host", "func_i64", hf)},
			"foreign":  {Type: ExternTypeFunc, Function: NewHostFunctionInstance(other, "host", "foreign", hf)},
			"mut_i32":  {Type: ExternTypeGlobal, Global: &GlobalInstance{Type: &wabin.GlobalType{ValType: ValueTypeI32, Mutable: true}}},
			"memory":   {Type: ExternTypeMemory, Memory: mem},
		},
	}

	tests := []struct {
		name        string
		input       string
		expectedErr string
		expectedIs  error
	}{
		{
			name:        "missing",
			input:       `(module (import "host" "missing_func" (func)))`,
			expectedErr: `unresolved import "host"."missing_func"`,
			expectedIs:  api.ErrUnresolvedImport,
		},
		{
			name:        "wrong extern type",
			input:       `(module (import "host" "memory" (func)))`,
			expectedErr: `signature mismatch "host"."memory": expected func, but was memory`,
			expectedIs:  api.ErrSignatureMismatch,
		},
		{
			name:        "function param type",
			input:       `(module (import "host" "func_i64" (func (param i32))))`,
			expectedErr: `signature mismatch "host"."func_i64": expected (i32) -> (), but was (i64) -> ()`,
			expectedIs:  api.ErrSignatureMismatch,
		},
		{
			name:        "function of another store",
			input:       `(module (import "host" "foreign" (func (param i64))))`,
			expectedErr: `unresolved import "host"."foreign": function belongs to a different store`,
			expectedIs:  api.ErrUnresolvedImport,
		},
		{
			name:        "global mutability",
			input:       `(module (import "host" "mut_i32" (global i32)))`,
			expectedErr: `signature mismatch "host"."mut_i32": expected i32, but was (mut i32)`,
			expectedIs:  api.ErrSignatureMismatch,
		},
		{
			name:        "memory min",
			input:       `(module (import "host" "memory" (memory 2)))`,
			expectedErr: `signature mismatch "host"."memory": minimum size mismatch: 1 < 2`,
			expectedIs:  api.ErrSignatureMismatch,
		},
		{
			name:        "memory max",
			input:       `(module (import "host" "memory" (memory 1 2)))`,
			expectedErr: `signature mismatch "host"."memory": maximum size mismatch: 3 > 2`,
			expectedIs:  api.ErrSignatureMismatch,
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			m := decodeModule(t, tc.input)
			_, err := s.ResolveImports(m, lookupIn(exports))
			require.EqualError(t, err, tc.expectedErr)
			require.True(t, errors.Is(err, tc.expectedIs))
		})
	}
}

func TestStore_EpochDeadline(t *testing.T) {
	s := newTestStore(&fakeEngine{})

	// no epoch configured
	s.SetEpochDeadline(1)
	require.False(t, s.EpochExpired())

	s.Epoch = &atomic.Uint64{}
	require.False(t, s.EpochExpired())

	s.SetEpochDeadline(2)
	s.Epoch.Add(1)
	require.False(t, s.EpochExpired())
	s.Epoch.Add(1)
	require.True(t, s.EpochExpired())
}

func TestFunctionInstance_Call(t *testing.T) {
	s := newTestStore(&fakeEngine{guestResults: []uint64{7}})
	mi := instantiateText(t, s, "test", `(module $test (func (export "f") (param i32) (result i32) i32.const 7))`)
	f := mi.ExportedFunction("f")

	results, err := f.Call(testCtx, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, results)

	//nolint:staticcheck
	_, err = f.Call(nil, 1)
	require.NoError(t, err)

	_, err = f.Call(testCtx)
	require.EqualError(t, err, `wrong arity "test"."f": expected 1 params, but passed 0`)
	require.True(t, errors.Is(err, api.ErrWrongArity))
	require.True(t, errors.Is(err, api.ErrSignatureMismatch))
}

func TestNewHostFunctionInstance(t *testing.T) {
	var notified []string
	s := newTestStore(&fakeEngine{})
	s.ListenerFactory = experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		return experimental.FunctionListenerFunc(func(_ context.Context, def api.FunctionDefinition, _ []uint64) {
			notified = append(notified, def.(*FunctionDefinition).DebugName())
		})
	})

	hf, err := NewHostFunction([]ValueType{ValueTypeI32}, []ValueType{ValueTypeI32}, func(_ *CallContext, stack []uint64) error {
		stack[0]++
		return nil
	})
	require.NoError(t, err)

	f := NewHostFunctionInstance(s, "host", "inc", hf)
	require.Equal(t, CallTargetHost, f.Target)
	require.NotNil(t, f.Listener)
	require.Equal(t, "host.inc", f.Definition().(*FunctionDefinition).DebugName())
	_, _, isImport := f.Definition().Import()
	require.False(t, isImport)

	results, err := f.Call(testCtx, 41)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	// the fake call engine doesn't notify listeners: that's the interpreter's job
	require.Nil(t, notified)

	mi := instantiateText(t, s, "guest", `(module (func (export "f")))`)
	require.NotNil(t, mi.ExportedFunction("f").Listener)
}

func TestAsTrap(t *testing.T) {
	hostErr := errors.New("boom")
	trap := AsTrap(hostErr)
	require.Equal(t, api.TrapCodeHostError, trap.Code)
	require.True(t, errors.Is(trap, hostErr))
	require.EqualError(t, trap, "wasm trap: host function error: boom")

	unreachable := &api.Trap{Code: api.TrapCodeUnreachable}
	require.Same(t, unreachable, AsTrap(unreachable))
	require.Same(t, unreachable, AsTrap(api.WrapError(api.KindInstantiationTrap, unreachable, "start")))
}
