package wasmfuel

import (
	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// Store is an execution session: the fuel balance, the host data of type T handed to host functions and the
// instances created in it. Instances of one store cannot be linked to another.
//
// Ex.
//
//	store := wasmfuel.NewStore(engine, 4)
//	_ = store.AddFuel(1000)
//	inst, _ := linker.Instantiate(ctx, store, module)
//
// Note: A Store is not safe for concurrent use. Distinct stores of one Engine can execute in parallel.
type Store[T any] struct {
	engine *Engine
	data   T
	s      *wasm.Store
}

// NewStore returns a store of the engine holding data. When fuel consumption is enabled, the store has no fuel
// until AddFuel is called.
func NewStore[T any](engine *Engine, data T) *Store[T] {
	ret := &Store[T]{engine: engine, data: data}
	ret.s = engine.newStore(ret)
	return ret
}

// Data returns the host data of this store.
func (s *Store[T]) Data() T {
	return s.data
}

// SetData replaces the host data of this store.
func (s *Store[T]) SetData(data T) {
	s.data = data
}

// Engine returns the engine this store was created from.
func (s *Store[T]) Engine() *Engine {
	return s.engine
}

// AddFuel increases the fuel balance by n. This fails with api.ErrOverflow, leaving the balance unchanged, if the
// total fuel added exceeds math.MaxUint64, or with api.ErrConfig if fuel consumption is not enabled.
func (s *Store[T]) AddFuel(n uint64) error {
	return s.s.Meter.Add(n)
}

// FuelConsumed returns the fuel consumed since the store was created, or false if fuel consumption is not enabled.
func (s *Store[T]) FuelConsumed() (uint64, bool) {
	return s.s.Meter.Consumed()
}

// FuelRemaining returns the fuel balance, or false if fuel consumption is not enabled.
func (s *Store[T]) FuelRemaining() (uint64, bool) {
	return s.s.Meter.Remaining()
}

// ConsumeFuel deducts n from the balance and returns what remains. When the balance is lower than n, this returns
// an api.ErrOutOfFuel trap leaving the balance unchanged.
func (s *Store[T]) ConsumeFuel(n uint64) (uint64, error) {
	return consumeFuel(s.s, n)
}

func consumeFuel(s *wasm.Store, n uint64) (uint64, error) {
	m := s.Meter
	if !m.Enabled() {
		return 0, api.Errorf(api.KindConfig, "fuel consumption is not enabled")
	}
	if err := m.TryCharge(n); err != nil {
		return 0, err
	}
	remaining, _ := m.Remaining()
	return remaining, nil
}

// SetEpochDeadline makes guest code trap with api.ErrInterrupted once Engine.IncrementEpoch was called ticks times
// from now. This has no effect unless the engine was configured with EngineConfig.WithEpochInterruption.
func (s *Store[T]) SetEpochDeadline(ticks uint64) {
	s.s.SetEpochDeadline(ticks)
}

// Close destroys all instances of this store. Calling their functions afterwards fails with api.ErrClosed.
func (s *Store[T]) Close() error {
	s.s.Close()
	return nil
}

// storeOf returns the store of a host function call.
func storeOf[T any](cc *wasm.CallContext) *Store[T] {
	return cc.Store().Owner.(*Store[T])
}
