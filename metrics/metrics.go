// Package metrics exports function call and fuel metrics to Prometheus.
//
// Ex.
//
//	reg := prometheus.NewRegistry()
//	factory, _ := metrics.NewListenerFactory(reg, "wasmfuel")
//	engine, _ := wasmfuel.NewEngine(wasmfuel.NewEngineConfig().WithFunctionListenerFactory(factory))
//	defer engine.Close() // unregisters the collectors
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/experimental"
)

const (
	labelFunction = "function"
	labelCode     = "code"
)

// ListenerFactory is an experimental.FunctionListenerFactory counting calls and traps per function. Close unregisters
// its collectors.
type ListenerFactory struct {
	registry prometheus.Registerer
	calls    *prometheus.CounterVec
	traps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	fuel     prometheus.Histogram
}

// NewListenerFactory registers the collectors in registry, with names prefixed by namespace.
func NewListenerFactory(registry prometheus.Registerer, namespace string) (*ListenerFactory, error) {
	f := &ListenerFactory{
		registry: registry,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Calls to WebAssembly and host functions.",
		}, []string{labelFunction}),
		traps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_traps_total",
			Help:      "Calls unwound by a trap, by trap code.",
		}, []string{labelFunction, labelCode}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_duration_seconds",
			Help:      "Wall-clock duration of calls, including nested calls.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{labelFunction}),
		fuel: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fuel_consumed",
			Help:      "Fuel consumed by a store, observed with ObserveFuel.",
			Buckets:   prometheus.ExponentialBuckets(1, 10, 10),
		}),
	}

	var registered []prometheus.Collector
	for _, c := range f.collectors() {
		if err := registry.Register(c); err != nil {
			for _, r := range registered {
				registry.Unregister(r)
			}
			return nil, err
		}
		registered = append(registered, c)
	}
	return f, nil
}

func (f *ListenerFactory) collectors() []prometheus.Collector {
	return []prometheus.Collector{f.calls, f.traps, f.duration, f.fuel}
}

// NewFunctionListener implements the same method as documented on experimental.FunctionListenerFactory.
func (f *ListenerFactory) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	name := def.ModuleName() + "." + def.Name()
	return &listener{
		factory:  f,
		name:     name,
		calls:    f.calls.WithLabelValues(name),
		duration: f.duration.WithLabelValues(name),
	}
}

// ObserveFuel records the fuel a store consumed, typically once its work is done.
func (f *ListenerFactory) ObserveFuel(consumed uint64) {
	f.fuel.Observe(float64(consumed))
}

// Close unregisters the collectors. This is called by Engine.Close when the factory is configured with
// EngineConfig.WithFunctionListenerFactory.
func (f *ListenerFactory) Close() error {
	for _, c := range f.collectors() {
		f.registry.Unregister(c)
	}
	return nil
}

// startKey is the context key of the time a call started.
type startKey struct{}

type listener struct {
	factory  *ListenerFactory
	name     string
	calls    prometheus.Counter
	duration prometheus.Observer
}

// Before implements the same method as documented on experimental.FunctionListener.
func (l *listener) Before(ctx context.Context, _ api.FunctionDefinition, _ []uint64) context.Context {
	l.calls.Inc()
	return context.WithValue(ctx, startKey{}, time.Now())
}

// After implements the same method as documented on experimental.FunctionListener.
func (l *listener) After(ctx context.Context, _ api.FunctionDefinition, err error, _ []uint64) {
	if start, ok := ctx.Value(startKey{}).(time.Time); ok {
		l.duration.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		return
	}
	code := api.TrapCodeHostError.String()
	var trap *api.Trap
	if errors.As(err, &trap) {
		code = trap.Code.String()
	}
	l.factory.traps.WithLabelValues(l.name, code).Inc()
}
