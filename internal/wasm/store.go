package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/experimental"
	"github.com/wasmfuel/wasmfuel/fuel"
)

type (
	// Store is the runtime representation of instantiated modules and the state they share: the fuel balance, the
	// call stack and the embedder's host data.
	//
	// Every type whose name ends with "Instance" suffix belongs to exactly one store.
	//
	// Note: A Store is not safe for concurrent use. Distinct Stores created from one Engine are.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#store%E2%91%A0
	Store struct {
		// Owner is the public value wrapping this store, handed back to host functions.
		Owner interface{}

		// Meter holds the fuel balance. It is disabled when fuel consumption was not configured.
		Meter *fuel.Meter

		// MaxCallDepth is the count of frames, guest or host, above which a call traps with CallStackExhausted.
		MaxCallDepth uint32

		// MemoryLimitPages caps the maximum size of every memory instantiated in this store.
		MemoryLimitPages uint32

		// Epoch is the engine's epoch counter, or nil when epoch interruption is disabled.
		Epoch *atomic.Uint64

		// ListenerFactory is notified of each function instantiated in this store, if set.
		ListenerFactory experimental.FunctionListenerFactory

		Logger *zap.Logger

		engine     Engine
		callEngine CallEngine

		// deadline is the epoch at which guest code traps with Interrupted, when hasDeadline.
		deadline    uint64
		hasDeadline bool

		// modules are the instances in the order they were instantiated.
		modules []*ModuleInstance
		closed  bool
	}

	// ModuleInstance represents instantiated wasm module.
	// Unlike the W3C model, a ModuleInstance holds pointers to the instances, rather than "addresses"
	// (i.e. index to Store.Functions, Globals, etc) for convenience.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#syntax-moduleinst
	ModuleInstance struct {
		Name      string
		Source    *Module
		Exports   map[string]*ExportInstance
		Functions []*FunctionInstance
		Globals   []*GlobalInstance
		// MemoryInstance is set when the module imports or defines a memory, regardless of whether it was exported.
		MemoryInstance *MemoryInstance
		TableInstance  *TableInstance
		Store          *Store
	}

	// ExportInstance represents an exported instance in a Store.
	//
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#syntax-exportinst
	ExportInstance struct {
		Type     ExternType
		Function *FunctionInstance
		Global   *GlobalInstance
		Memory   *MemoryInstance
		Table    *TableInstance
	}

	// Imports are the values bound to a module's imports, in the order of the module's index namespaces.
	Imports struct {
		Functions []*FunctionInstance
		Globals   []*GlobalInstance
		Memory    *MemoryInstance
	}
)

// NewStore returns a store that executes functions with the call engine of the given Engine.
func NewStore(engine Engine, meter *fuel.Meter) *Store {
	s := &Store{
		Meter:            meter,
		MaxCallDepth:     1024,
		MemoryLimitPages: MemoryLimitPages,
		Logger:           zap.NewNop(),
		engine:           engine,
	}
	s.callEngine = engine.NewCallEngine(s)
	return s
}

// SetEpochDeadline arms epoch interruption to trap once the engine's epoch advances ticks past its current value.
func (s *Store) SetEpochDeadline(ticks uint64) {
	if s.Epoch == nil {
		return
	}
	s.deadline, s.hasDeadline = s.Epoch.Load()+ticks, true
}

// EpochExpired returns true when guest execution must trap with Interrupted.
func (s *Store) EpochExpired() bool {
	return s.hasDeadline && s.Epoch.Load() >= s.deadline
}

// CallEngine returns the call stack of this store.
func (s *Store) CallEngine() CallEngine {
	return s.callEngine
}

// Modules returns the live instances in the order they were instantiated.
func (s *Store) Modules() []*ModuleInstance {
	return s.modules
}

// Closed returns true after Close.
func (s *Store) Closed() bool {
	return s.closed
}

// Close drops all instances. Subsequent calls into any of their functions fail with api.ErrClosed.
func (s *Store) Close() {
	s.closed = true
	s.modules = nil
}

// ResolveImports binds each import of module to the value lookup returns for it.
//
// Errors are api.ErrUnresolvedImport when lookup has no value or it belongs to another store, and
// api.ErrSignatureMismatch when the value has a different type than the import.
func (s *Store) ResolveImports(module *Module, lookup func(moduleName, name string) (*ExportInstance, bool)) (*Imports, error) {
	imports := &Imports{}
	funcIdx := 0
	for _, i := range module.Source.ImportSection {
		exp, ok := lookup(i.Module, i.Name)
		if !ok {
			return nil, api.ImportError(api.KindUnresolvedImport, i.Module, i.Name, "")
		}
		if exp.Type != i.Type {
			return nil, api.ImportError(api.KindSignatureMismatch, i.Module, i.Name, "expected %s, but was %s",
				api.ExternTypeName(i.Type), api.ExternTypeName(exp.Type))
		}
		switch i.Type {
		case ExternTypeFunc:
			f := exp.Function
			if f.Store != s {
				return nil, api.ImportError(api.KindUnresolvedImport, i.Module, i.Name, "function belongs to a different store")
			}
			expected := module.FunctionTypes[funcIdx]
			if !expected.Equals(f.Type) {
				return nil, api.ImportError(api.KindSignatureMismatch, i.Module, i.Name, "expected %s, but was %s",
					expected.Signature(), f.Type.Signature())
			}
			imports.Functions = append(imports.Functions, f)
			funcIdx++
		case ExternTypeGlobal:
			g := exp.Global
			if *g.Type != *i.DescGlobal {
				return nil, api.ImportError(api.KindSignatureMismatch, i.Module, i.Name, "expected %s, but was %s",
					globalTypeString(i.DescGlobal.ValType, i.DescGlobal.Mutable), globalTypeString(g.Type.ValType, g.Type.Mutable))
			}
			imports.Globals = append(imports.Globals, g)
		case ExternTypeMemory:
			mem, want := exp.Memory, i.DescMem
			if mem.PageSize() < want.Min {
				return nil, api.ImportError(api.KindSignatureMismatch, i.Module, i.Name,
					"minimum size mismatch: %d < %d", mem.PageSize(), want.Min)
			}
			if want.IsMaxEncoded && mem.Max > want.Max {
				return nil, api.ImportError(api.KindSignatureMismatch, i.Module, i.Name,
					"maximum size mismatch: %d > %d", mem.Max, want.Max)
			}
			imports.Memory = mem
		}
	}
	return imports, nil
}

func globalTypeString(vt ValueType, mutable bool) string {
	if mutable {
		return "(mut " + api.ValueTypeName(vt) + ")"
	}
	return api.ValueTypeName(vt)
}

// Instantiate creates an instance of module bound to imports, initializes its table and memory from the segments,
// then runs its start function. Nothing is added to the store on failure.
//
// Initialization failures are api.ErrInstantiationTrap wrapping the *api.Trap.
func (s *Store) Instantiate(ctx context.Context, module *Module, name string, imports *Imports) (*ModuleInstance, error) {
	if s.closed {
		return nil, api.Errorf(api.KindClosed, "store is closed")
	}
	if module.Code == nil && module.DefinedFunctionCount() > 0 {
		return nil, fmt.Errorf("BUG: module %q was not compiled", name)
	}

	m := &ModuleInstance{Name: name, Source: module, Store: s, Exports: map[string]*ExportInstance{}}

	if err := m.buildGlobals(imports.Globals); err != nil {
		return nil, err
	}
	if err := m.buildMemory(imports.Memory); err != nil {
		return nil, err
	}
	m.buildFunctions(imports.Functions)
	m.buildTable()
	m.buildExports()

	if err := m.applySegments(); err != nil {
		return nil, err
	}

	if start := module.Source.StartSection; start != nil {
		if _, err := s.callEngine.Call(ctx, m.Functions[*start], nil); err != nil {
			s.Logger.Debug("start function trapped", zap.String("module", name), zap.Error(err))
			return nil, api.WrapError(api.KindInstantiationTrap, err, "start function")
		}
	}

	s.modules = append(s.modules, m)
	s.Logger.Debug("instantiated module", zap.String("module", name),
		zap.Int("functions", len(m.Functions)), zap.Int("exports", len(m.Exports)))
	return m, nil
}

func (m *ModuleInstance) buildGlobals(imported []*GlobalInstance) error {
	m.Globals = make([]*GlobalInstance, 0, len(m.Source.Globals))
	m.Globals = append(m.Globals, imported...)
	for i, g := range m.Source.Source.GlobalSection {
		v, err := evalConstExpr(g.Init, m.Globals)
		if err != nil {
			return fmt.Errorf("BUG: global[%d] init: %w", i, err)
		}
		m.Globals = append(m.Globals, &GlobalInstance{Type: g.Type, Val: v})
	}
	return nil
}

func (m *ModuleInstance) buildMemory(imported *MemoryInstance) error {
	if imported != nil {
		m.MemoryInstance = imported
		return nil
	}
	def := m.Source.MemoryDefinition()
	if def == nil {
		return nil
	}
	mem, err := NewMemoryInstance(def, m.Store.MemoryLimitPages)
	if err != nil {
		return api.WrapError(api.KindInstantiationTrap, err, "memory")
	}
	m.MemoryInstance = mem
	return nil
}

func (m *ModuleInstance) buildFunctions(imported []*FunctionInstance) {
	module := m.Source
	m.Functions = make([]*FunctionInstance, 0, len(module.FunctionTypes))
	m.Functions = append(m.Functions, imported...)
	for codeIndex := 0; codeIndex < module.DefinedFunctionCount(); codeIndex++ {
		idx := module.ImportFuncCount + Index(codeIndex)
		def := module.FunctionDefinition(idx)
		f := &FunctionInstance{
			Target: CallTargetGuest,
			Type:   module.FunctionTypes[idx],
			Module: m,
			Code:   module.Code[codeIndex],
			Store:  m.Store,
			def:    def,
		}
		if factory := m.Store.ListenerFactory; factory != nil {
			f.Listener = factory.NewFunctionListener(def)
		}
		m.Functions = append(m.Functions, f)
	}
}

func (m *ModuleInstance) buildTable() {
	t := m.Source.Table
	if t == nil {
		return
	}
	m.TableInstance = &TableInstance{References: make([]*FunctionInstance, t.Min), Min: t.Min, Max: t.Max}
}

func (m *ModuleInstance) buildExports() {
	for name, exp := range m.Source.Exports {
		ei := &ExportInstance{Type: exp.Type}
		switch exp.Type {
		case ExternTypeFunc:
			ei.Function = m.Functions[exp.Index]
		case ExternTypeGlobal:
			ei.Global = m.Globals[exp.Index]
		case ExternTypeMemory:
			ei.Memory = m.MemoryInstance
		case ExternTypeTable:
			ei.Table = m.TableInstance
		}
		m.Exports[name] = ei
	}
}

// applySegments bounds checks every element and data segment before writing any of them.
func (m *ModuleInstance) applySegments() error {
	src := m.Source.Source
	elemOffsets := make([]uint32, len(src.ElementSection))
	for i, elem := range src.ElementSection {
		offset, err := evalConstExpr(elem.OffsetExpr, m.Globals)
		if err != nil {
			return fmt.Errorf("BUG: element[%d] offset: %w", i, err)
		}
		elemOffsets[i] = uint32(offset)
		if uint64(uint32(offset))+uint64(len(elem.Init)) > uint64(len(m.TableInstance.References)) {
			return api.WrapError(api.KindInstantiationTrap, &api.Trap{Code: api.TrapCodeInvalidTableAccess},
				fmt.Sprintf("element[%d] out of bounds", i))
		}
	}
	dataOffsets := make([]uint32, len(src.DataSection))
	for i, d := range src.DataSection {
		offset, err := evalConstExpr(d.OffsetExpression, m.Globals)
		if err != nil {
			return fmt.Errorf("BUG: data[%d] offset: %w", i, err)
		}
		dataOffsets[i] = uint32(offset)
		if !m.MemoryInstance.hasSize(uint64(uint32(offset)), uint64(len(d.Init))) {
			return api.WrapError(api.KindInstantiationTrap, &api.Trap{Code: api.TrapCodeOutOfBoundsMemoryAccess},
				fmt.Sprintf("data[%d] out of bounds", i))
		}
	}

	for i, elem := range src.ElementSection {
		for j, idx := range elem.Init {
			m.TableInstance.References[elemOffsets[i]+uint32(j)] = m.Functions[*idx]
		}
	}
	for i, d := range src.DataSection {
		copy(m.MemoryInstance.Buffer[dataOffsets[i]:], d.Init)
	}
	return nil
}

// Export returns the export of the given name and type, or an api.ErrNotFound error.
func (m *ModuleInstance) Export(name string, et ExternType) (*ExportInstance, error) {
	exp, ok := m.Exports[name]
	if !ok {
		return nil, api.ImportError(api.KindNotFound, m.Name, name, "")
	}
	if exp.Type != et {
		return nil, api.ImportError(api.KindNotFound, m.Name, name, "export is a %s, not a %s",
			api.ExternTypeName(exp.Type), api.ExternTypeName(et))
	}
	return exp, nil
}

// ExportedFunction returns the exported function of the given name, or nil.
func (m *ModuleInstance) ExportedFunction(name string) *FunctionInstance {
	if exp, err := m.Export(name, ExternTypeFunc); err == nil {
		return exp.Function
	}
	return nil
}

// ExportedMemory returns the exported memory of the given name, or nil.
func (m *ModuleInstance) ExportedMemory(name string) *MemoryInstance {
	if exp, err := m.Export(name, ExternTypeMemory); err == nil {
		return exp.Memory
	}
	return nil
}

// ExportedGlobal returns the exported global of the given name, or nil.
func (m *ModuleInstance) ExportedGlobal(name string) *GlobalInstance {
	if exp, err := m.Export(name, ExternTypeGlobal); err == nil {
		return exp.Global
	}
	return nil
}

// CallTarget is what a FunctionInstance dispatches to, resolved when the function is created or linked.
type CallTarget byte

const (
	// CallTargetGuest is a function defined in WebAssembly by a module instance.
	CallTargetGuest CallTarget = iota
	// CallTargetHost is a function implemented in Go.
	CallTargetHost
)

// FunctionInstance represents a function instance in a Store. Imports are bound by sharing the pointer of the
// exporting instance, so a guest function re-exported to another module still executes against its own instance.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#function-instances%E2%91%A0
type FunctionInstance struct {
	Target CallTarget
	Type   *FunctionType

	// Module is the defining instance when Target is CallTargetGuest.
	Module *ModuleInstance
	// Code is the engine-specific body when Target is CallTargetGuest.
	Code CompiledCode
	// Host is the Go implementation when Target is CallTargetHost.
	Host *HostFunction

	Store *Store

	// Listener is notified around each call, if non-nil.
	Listener experimental.FunctionListener

	def *FunctionDefinition
}

// compile-time check to ensure FunctionInstance is an api.Function
var _ api.Function = &FunctionInstance{}

// NewHostFunctionInstance binds a host function to a store.
func NewHostFunctionInstance(s *Store, moduleName, name string, hf *HostFunction) *FunctionInstance {
	def := NewHostFunctionDefinition(moduleName, name, hf.Type)
	f := &FunctionInstance{Target: CallTargetHost, Type: hf.Type, Host: hf, Store: s, def: def}
	if s.ListenerFactory != nil {
		f.Listener = s.ListenerFactory.NewFunctionListener(def)
	}
	return f
}

// Definition implements the same method as documented on api.Function.
func (f *FunctionInstance) Definition() api.FunctionDefinition {
	return f.def
}

// FunctionDefinition returns the same as Definition without an interface conversion.
func (f *FunctionInstance) FunctionDefinition() *FunctionDefinition {
	return f.def
}

// Call implements the same method as documented on api.Function.
func (f *FunctionInstance) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if f.Store.closed {
		return nil, api.Errorf(api.KindClosed, "store is closed")
	}
	if len(params) != len(f.Type.Params) {
		return nil, api.ImportError(api.KindWrongArity, f.def.ModuleName(), f.def.Name(),
			"expected %d params, but passed %d", len(f.Type.Params), len(params))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return f.Store.callEngine.Call(ctx, f, params)
}

// AsTrap returns err as a trap, wrapping it in a TrapCodeHostError trap unless it is one already.
func AsTrap(err error) *api.Trap {
	var t *api.Trap
	if errors.As(err, &t) {
		return t
	}
	return &api.Trap{Code: api.TrapCodeHostError, Cause: err}
}
