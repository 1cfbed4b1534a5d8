package wasmfuel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wabin/binary"
	wabin "github.com/tetratelabs/wabin/wasm"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/fuel"
	"github.com/wasmfuel/wasmfuel/internal/engine/interpreter"
	"github.com/wasmfuel/wasmfuel/internal/filecache"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
	"github.com/wasmfuel/wasmfuel/internal/wasm/text"
)

// coreFeatures are the proposals the binary decoder accepts beyond WebAssembly 1.0. Other proposals are rejected
// when decoding or validating function bodies.
const coreFeatures = wabin.CoreFeaturesV1 |
	wabin.CoreFeatureMultiValue |
	wabin.CoreFeatureNonTrappingFloatToIntConversion |
	wabin.CoreFeatureSignExtensionOps

// Engine compiles modules and holds what Stores created from it share: configuration, compiled code and the epoch.
//
// An Engine is safe for concurrent use, and so are the CompiledModules it returns.
//
// Ex.
//
//	engine, _ := wasmfuel.NewEngine(wasmfuel.NewEngineConfig().WithFuelConsumption(true))
//	defer engine.Close()
//
//	module, _ := engine.CompileModule(ctx, source)
type Engine struct {
	config *EngineConfig
	engine wasm.Engine
	logger *zap.Logger
	epoch  atomic.Uint64

	mux sync.Mutex
	// modules are keyed by the sha256 of their source.
	modules map[[sha256.Size]byte]*CompiledModule
	closed  bool
}

// NewEngine returns an engine with the given configuration or an api.ErrConfig error if options conflict.
func NewEngine(config *EngineConfig) (*Engine, error) {
	if config == nil {
		config = NewEngineConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var fileCache filecache.Cache
	if c, ok := config.cache.(*cache); ok {
		fileCache = c.fileCache
	}
	return &Engine{
		config:  config,
		engine:  interpreter.NewEngine(config.costs(), fileCache, logger),
		logger:  logger,
		modules: map[[sha256.Size]byte]*CompiledModule{},
	}, nil
}

// CompileModule decodes the WebAssembly text or binary source, validates it and lowers its functions.
//
// Errors are api.ErrCompile when the source is malformed, and api.ErrValidation when it is well-formed, but violates
// a type or structural rule. Compiling the same source again returns the same CompiledModule.
func (e *Engine) CompileModule(ctx context.Context, source []byte) (*CompiledModule, error) {
	key := sha256.Sum256(source)

	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return nil, api.Errorf(api.KindClosed, "engine is closed")
	}
	if m, ok := e.modules[key]; ok {
		e.logger.Debug("compiled module cache hit", zap.String("module", m.Name()))
		return m, nil
	}

	src, id, err := decodeModule(source, key)
	if err != nil {
		return nil, err
	}
	module, err := wasm.NewModule(id, src)
	if err != nil {
		return nil, err
	}
	if err = e.engine.CompileModule(ctx, module); err != nil {
		return nil, err
	}

	m := &CompiledModule{module: module, engine: e}
	e.modules[key] = m
	return m, nil
}

// decodeModule returns the module in source and its ID: the sha256 of its binary encoding.
func decodeModule(source []byte, sourceHash [sha256.Size]byte) (*wabin.Module, wasm.ModuleID, error) {
	if bytes.HasPrefix(source, binary.Magic) {
		m, err := binary.DecodeModule(source, coreFeatures)
		if err != nil {
			return nil, wasm.ModuleID{}, api.WrapError(api.KindCompile, err, "invalid binary")
		}
		return m, sourceHash, nil
	}

	m, err := text.DecodeModule(source)
	if err != nil {
		return nil, wasm.ModuleID{}, api.WrapError(api.KindCompile, err, "invalid text")
	}
	return m, sha256.Sum256(binary.EncodeModule(m)), nil
}

// IncrementEpoch advances the epoch used by EngineConfig.WithEpochInterruption. This is safe to call from any
// goroutine, such as a ticker bounding the wall-clock time of guest code.
func (e *Engine) IncrementEpoch() {
	e.epoch.Add(1)
}

// Close drops compiled modules and closes the compilation cache, as well as the function listener factory if it
// implements io.Closer. Stores created from this engine must not be used afterwards.
func (e *Engine) Close() (err error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.modules = nil
	if c := e.config.cache; c != nil {
		err = multierr.Append(err, c.Close())
	}
	if c, ok := e.config.listenerFactory.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return
}

// newStore returns the runtime store backing a Store of this engine.
func (e *Engine) newStore(owner interface{}) *wasm.Store {
	s := wasm.NewStore(e.engine, fuel.NewMeter(e.config.fuelConsumption))
	s.Owner = owner
	s.MaxCallDepth = e.config.maxCallDepth
	s.MemoryLimitPages = e.config.memoryLimitPages
	s.ListenerFactory = e.config.listenerFactory
	s.Logger = e.logger
	if e.config.epochInterruption {
		s.Epoch = &e.epoch
	}
	return s
}
