package fuel

import (
	"math"
	"sync/atomic"

	"github.com/wasmfuel/wasmfuel/api"
)

// Meter is the fuel balance of a Store.
//
// The balance never goes negative: TryCharge either deducts the whole cost or nothing.
type Meter struct {
	enabled bool
	// consumed saturates at math.MaxUint64.
	consumed  atomic.Uint64
	remaining atomic.Uint64
}

// NewMeter returns a Meter with zero balance. When enabled is false, every charge succeeds and the balance is not
// tracked.
func NewMeter(enabled bool) *Meter {
	return &Meter{enabled: enabled}
}

// Enabled returns true if this meter tracks fuel.
func (m *Meter) Enabled() bool {
	return m.enabled
}

// TryCharge deducts cost from the balance, or returns a trap with api.TrapCodeOutOfFuel leaving the balance
// unchanged if the balance is lower than cost.
func (m *Meter) TryCharge(cost uint64) error {
	if !m.enabled || cost == 0 {
		return nil
	}
	for {
		remaining := m.remaining.Load()
		if remaining < cost {
			return &api.Trap{Code: api.TrapCodeOutOfFuel}
		}
		if m.remaining.CompareAndSwap(remaining, remaining-cost) {
			saturatingAdd(&m.consumed, cost)
			return nil
		}
	}
}

// Add increases the balance by amount. This fails with api.ErrOverflow, leaving the balance unchanged, if the
// balance would exceed math.MaxUint64.
func (m *Meter) Add(amount uint64) error {
	if !m.enabled {
		return api.Errorf(api.KindConfig, "fuel consumption is not enabled")
	}
	for {
		remaining := m.remaining.Load()
		if remaining > math.MaxUint64-amount {
			return api.Errorf(api.KindOverflow, "adding %d fuel to %d exceeds the maximum", amount, remaining)
		}
		if m.remaining.CompareAndSwap(remaining, remaining+amount) {
			return nil
		}
	}
}

func saturatingAdd(v *atomic.Uint64, delta uint64) {
	for {
		old := v.Load()
		sum := old + delta
		if sum < old {
			sum = math.MaxUint64
		}
		if v.CompareAndSwap(old, sum) {
			return
		}
	}
}

// Remaining returns the fuel left, or false if fuel is not enabled.
func (m *Meter) Remaining() (uint64, bool) {
	if !m.enabled {
		return 0, false
	}
	return m.remaining.Load(), true
}

// Consumed returns the fuel consumed since the meter was created, or false if fuel is not enabled. This is
// math.MaxUint64 once more than that was consumed.
func (m *Meter) Consumed() (uint64, bool) {
	if !m.enabled {
		return 0, false
	}
	return m.consumed.Load(), true
}
