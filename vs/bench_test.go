package vs

import (
	"math"
	"testing"
)

// BenchmarkFac_Init tracks the time spent readying a function for use.
func BenchmarkFac_Init(b *testing.B) {
	b.Run("wasmfuel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			newWasmfuelRuntime(b, true).close()
		}
	})
	b.Run("wazero interpreter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			newWazeroRuntime(b).close()
		}
	})
}

// BenchmarkFac_Invoke tracks the time spent invoking a function that was already initialized.
func BenchmarkFac_Invoke(b *testing.B) {
	for _, fn := range []string{"fac_rec", "fac_iter"} {
		b.Run(fn+"/wasmfuel", func(b *testing.B) {
			benchmarkInvoke(b, newWasmfuelRuntime(b, false), fn)
		})
		b.Run(fn+"/wasmfuel fuel", func(b *testing.B) {
			r := newWasmfuelRuntime(b, true)
			if err := r.store.AddFuel(math.MaxUint64); err != nil {
				b.Fatal(err)
			}
			benchmarkInvoke(b, r, fn)
		})
		b.Run(fn+"/wazero interpreter", func(b *testing.B) {
			benchmarkInvoke(b, newWazeroRuntime(b), fn)
		})
	}
}

func benchmarkInvoke(b *testing.B, r runtime, fn string) {
	defer r.close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.call(fn, 30); err != nil {
			b.Fatal(err)
		}
	}
}
