package wasmfuel

import (
	"context"

	"go.uber.org/zap"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// Linker resolves the imports of modules by namespace and name. Definitions are either host functions, which can
// be instantiated in any Store of the engine, or values bound to one Store, such as the exports of an Instance.
//
// Ex.
//
//	linker := wasmfuel.NewLinker[int](engine)
//	_ = linker.FuncWrap("host", "host_func", func(caller *wasmfuel.Caller[int], param int32) {
//		fmt.Println("Got", param, "from WebAssembly")
//	})
//	inst, _ := linker.Instantiate(ctx, store, module)
//
// Note: A Linker is populated before instantiating modules with it. It is not safe for concurrent mutation.
type Linker[T any] struct {
	engine *Engine
	defs   map[string]map[string]*definition
}

// definition is a value registered in a Linker. Exactly one of host or export is set.
type definition struct {
	// host is bound to the store of each instantiation.
	host *wasm.HostFunction
	// export belongs to store.
	export *wasm.ExportInstance
	store  *wasm.Store
}

// NewLinker returns an empty linker for modules of engine.
func NewLinker[T any](engine *Engine) *Linker[T] {
	return &Linker[T]{engine: engine, defs: map[string]map[string]*definition{}}
}

// FuncWrap defines a host function whose signature is derived by reflection from the Go function fn.
//
// Params of fn are int32 or uint32 for i32, int64 or uint64 for i64, float32 for f32 and float64 for f64. Param[0]
// can instead be a *Caller[T] or a context.Context. Results use the same numeric types and can be followed by an
// error, which traps the calling guest code when non-nil.
//
// Errors are api.ErrValidation when fn has an unsupported signature and api.ErrDuplicateImport when namespace and
// name are already defined.
func (l *Linker[T]) FuncWrap(namespace, name string, fn interface{}) error {
	if err := l.checkUnique(namespace, name); err != nil {
		return err
	}
	hf, err := wrapHostFunction[T](namespace+"."+name, fn)
	if err != nil {
		return err
	}
	l.add(namespace, name, &definition{host: hf})
	return nil
}

// FuncNew defines a host function with an explicit signature. See HostFunc.
func (l *Linker[T]) FuncNew(namespace, name string, params, results []api.ValueType, fn HostFunc[T]) error {
	if err := l.checkUnique(namespace, name); err != nil {
		return err
	}
	hf, err := newHostFunction(params, results, fn)
	if err != nil {
		return err
	}
	l.add(namespace, name, &definition{host: hf})
	return nil
}

// Define defines a function bound to a Store, created by WrapFunc or NewFunc or exported by an Instance. Modules
// importing it can only be instantiated in that Store.
func (l *Linker[T]) Define(namespace, name string, f *Func) error {
	if err := l.checkUnique(namespace, name); err != nil {
		return err
	}
	l.add(namespace, name, &definition{
		export: &wasm.ExportInstance{Type: api.ExternTypeFunc, Function: f.f},
		store:  f.f.Store,
	})
	return nil
}

// DefineInstance defines every function, memory and global exported by inst under namespace. Nothing is defined
// if any of the names exist.
func (l *Linker[T]) DefineInstance(namespace string, inst *Instance) error {
	for name, exp := range inst.m.Exports {
		if exp.Type == api.ExternTypeTable {
			continue
		}
		if err := l.checkUnique(namespace, name); err != nil {
			return err
		}
	}
	for name, exp := range inst.m.Exports {
		if exp.Type == api.ExternTypeTable {
			continue
		}
		l.add(namespace, name, &definition{export: exp, store: inst.m.Store})
	}
	return nil
}

func (l *Linker[T]) checkUnique(namespace, name string) error {
	if _, ok := l.defs[namespace][name]; ok {
		return api.ImportError(api.KindDuplicateImport, namespace, name, "")
	}
	return nil
}

func (l *Linker[T]) add(namespace, name string, def *definition) {
	ns, ok := l.defs[namespace]
	if !ok {
		ns = map[string]*definition{}
		l.defs[namespace] = ns
	}
	ns[name] = def
}

// Instantiate resolves the imports of module against this linker, then instantiates it in store: its memory and
// table are initialized and its start function, if any, runs.
//
// Errors are api.ErrUnresolvedImport when an import is not defined or is bound to another store,
// api.ErrSignatureMismatch when a definition has a different type than the import, and api.ErrInstantiationTrap
// wrapping the *api.Trap when initialization trapped. Nothing is added to store on failure.
func (l *Linker[T]) Instantiate(ctx context.Context, store *Store[T], module *CompiledModule) (*Instance, error) {
	if err := checkEngine(store, module); err != nil {
		return nil, err
	}
	s := store.s
	imports, err := s.ResolveImports(module.module, func(namespace, name string) (*wasm.ExportInstance, bool) {
		def, ok := l.defs[namespace][name]
		switch {
		case !ok:
			return nil, false
		case def.host != nil:
			f := wasm.NewHostFunctionInstance(s, namespace, name, def.host)
			return &wasm.ExportInstance{Type: api.ExternTypeFunc, Function: f}, true
		case def.store != s && def.export.Type != api.ExternTypeFunc:
			return nil, false
		default:
			return def.export, true
		}
	})
	if err != nil {
		l.engine.logger.Debug("link failed", zap.String("module", module.Name()), zap.Error(err))
		return nil, err
	}
	return instantiate(ctx, store, module, imports)
}

// NewInstance instantiates module in store, binding its function imports in order to imports.
//
// Errors are api.ErrUnresolvedImport when the count of imports differs or module imports something other than a
// function, api.ErrSignatureMismatch when a function has a different type than its import, and
// api.ErrInstantiationTrap as documented on Linker.Instantiate.
func NewInstance[T any](ctx context.Context, store *Store[T], module *CompiledModule, imports ...*Func) (*Instance, error) {
	if err := checkEngine(store, module); err != nil {
		return nil, err
	}
	for _, i := range module.module.Source.ImportSection {
		if i.Type != api.ExternTypeFunc {
			return nil, api.ImportError(api.KindUnresolvedImport, i.Module, i.Name,
				"%s imports cannot be bound by position", api.ExternTypeName(i.Type))
		}
	}
	if expected := len(module.module.Source.ImportSection); expected != len(imports) {
		return nil, api.Errorf(api.KindUnresolvedImport, "expected %d imports, but passed %d", expected, len(imports))
	}

	// ResolveImports visits imports in index order.
	next := 0
	resolved, err := store.s.ResolveImports(module.module, func(string, string) (*wasm.ExportInstance, bool) {
		f := imports[next]
		next++
		if f == nil {
			return nil, false
		}
		return &wasm.ExportInstance{Type: api.ExternTypeFunc, Function: f.f}, true
	})
	if err != nil {
		return nil, err
	}
	return instantiate(ctx, store, module, resolved)
}

func checkEngine[T any](store *Store[T], module *CompiledModule) error {
	if module.engine != store.engine {
		return api.Errorf(api.KindConfig, "module %q was compiled by a different engine", module.Name())
	}
	return nil
}

func instantiate[T any](ctx context.Context, store *Store[T], module *CompiledModule, imports *wasm.Imports) (*Instance, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := store.s.Instantiate(ctx, module.module, module.Name(), imports)
	if err != nil {
		return nil, err
	}
	return &Instance{m: m}, nil
}
