package wasmfuel

import (
	"go.uber.org/zap"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/experimental"
	"github.com/wasmfuel/wasmfuel/fuel"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// EngineConfig controls engine behavior, with the default implementation as NewEngineConfig
//
// Ex. To enable fuel metering:
//
//	config := wasmfuel.NewEngineConfig().WithFuelConsumption(true)
//	engine, _ := wasmfuel.NewEngine(config)
//
// Note: EngineConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type EngineConfig struct {
	fuelConsumption   bool
	costModel         fuel.CostModel
	costModelSet      bool
	epochInterruption bool
	maxCallDepth      uint32
	memoryLimitPages  uint32
	cache             CompilationCache
	listenerFactory   experimental.FunctionListenerFactory
	logger            *zap.Logger
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &EngineConfig{
	maxCallDepth:     1024,
	memoryLimitPages: wasm.MemoryLimitPages,
}

// NewEngineConfig returns the default configuration: fuel and epoch interruption disabled, a call depth of 1024
// frames, and memories limited only by the 4GiB WebAssembly maximum.
func NewEngineConfig() *EngineConfig {
	return defaultConfig.clone()
}

// clone makes a deep copy of this engine config.
func (c *EngineConfig) clone() *EngineConfig {
	ret := *c
	return &ret
}

// WithFuelConsumption enables fuel metering. When enabled, each Store starts with no fuel: guest code traps with
// api.ErrOutOfFuel until Store.AddFuel is called.
func (c *EngineConfig) WithFuelConsumption(enabled bool) *EngineConfig {
	ret := c.clone()
	ret.fuelConsumption = enabled
	return ret
}

// WithCostModel replaces fuel.DefaultCostModel. This requires WithFuelConsumption.
func (c *EngineConfig) WithCostModel(costModel fuel.CostModel) *EngineConfig {
	ret := c.clone()
	ret.costModel, ret.costModelSet = costModel, true
	return ret
}

// WithEpochInterruption enables Store.SetEpochDeadline: guest code traps with api.ErrInterrupted once
// Engine.IncrementEpoch advanced the epoch past the deadline of its store.
func (c *EngineConfig) WithEpochInterruption(enabled bool) *EngineConfig {
	ret := c.clone()
	ret.epochInterruption = enabled
	return ret
}

// WithMaxCallDepth sets the count of frames, guest or host, above which a call traps with
// api.ErrCallStackExhausted. Defaults to 1024.
func (c *EngineConfig) WithMaxCallDepth(maxCallDepth uint32) *EngineConfig {
	ret := c.clone()
	ret.maxCallDepth = maxCallDepth
	return ret
}

// WithMemoryLimitPages reduces the maximum number of pages a memory can grow to, from 65536 pages (4GiB) to a lower
// value.
//
// Notes:
//   - If a module defines no memory max limit, this becomes its limit.
//   - A memory whose minimum exceeds this fails to instantiate with api.ErrInstantiationTrap.
//   - Any "memory.grow" instruction that results in a larger value than this returns -1.
func (c *EngineConfig) WithMemoryLimitPages(memoryLimitPages uint32) *EngineConfig {
	ret := c.clone()
	ret.memoryLimitPages = memoryLimitPages
	return ret
}

// WithCompilationCache persists the lowered code of compiled modules so that other engines, possibly in other
// processes, skip lowering. See NewCompilationCache.
func (c *EngineConfig) WithCompilationCache(cache CompilationCache) *EngineConfig {
	ret := c.clone()
	ret.cache = cache
	return ret
}

// WithFunctionListenerFactory notifies listeners of every function call in stores of the engine. If the factory
// implements io.Closer, Engine.Close closes it.
func (c *EngineConfig) WithFunctionListenerFactory(factory experimental.FunctionListenerFactory) *EngineConfig {
	ret := c.clone()
	ret.listenerFactory = factory
	return ret
}

// WithLogger sets the logger of compilation, instantiation and traps. Defaults to zap.NewNop.
func (c *EngineConfig) WithLogger(logger *zap.Logger) *EngineConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// validate returns an api.ErrConfig error if options conflict.
func (c *EngineConfig) validate() error {
	if c.maxCallDepth == 0 {
		return api.Errorf(api.KindConfig, "max call depth must be positive")
	}
	if c.memoryLimitPages > wasm.MemoryLimitPages {
		return api.Errorf(api.KindConfig, "memory limit %d pages exceeds %d", c.memoryLimitPages, wasm.MemoryLimitPages)
	}
	if c.costModelSet {
		if !c.fuelConsumption {
			return api.Errorf(api.KindConfig, "cost model requires fuel consumption")
		}
		if c.costModel == nil {
			return api.Errorf(api.KindConfig, "cost model is nil")
		}
	}
	return nil
}

// costs returns the cost model lowering uses.
func (c *EngineConfig) costs() fuel.CostModel {
	if c.costModelSet {
		return c.costModel
	}
	return fuel.DefaultCostModel
}
