package experimental

import (
	"context"
	"io"

	"go.uber.org/multierr"

	"github.com/wasmfuel/wasmfuel/api"
)

// FunctionListenerFactory returns FunctionListeners to be notified when a function is called.
type FunctionListenerFactory interface {
	// NewFunctionListener returns a FunctionListener for a defined or host function.
	// If nil is returned, no listener will be notified.
	NewFunctionListener(api.FunctionDefinition) FunctionListener
	// ^^ A single instance can be returned to avoid instantiating a listener per function, especially as they may be
	// thousands of functions. Shared listeners use their FunctionDefinition parameter to clarify.
}

// FunctionListener can be registered for any function via FunctionListenerFactory to be notified when the function
// is called.
type FunctionListener interface {
	// Before is invoked before a function is called. The returned context will be used as the context of this
	// function call, and passed to After.
	//
	// # Params
	//
	//   - ctx: the context of the caller function which must be the same instance or parent of the result.
	//   - def: the function definition.
	//   - paramValues: api.ValueType encoded parameters.
	Before(ctx context.Context, def api.FunctionDefinition, paramValues []uint64) context.Context

	// After is invoked after a function returns or is unwound by a trap.
	//
	// # Params
	//
	//   - ctx: the context returned by Before.
	//   - def: the function definition.
	//   - err: nil if the function returned normally, otherwise the trap unwinding it.
	//   - resultValues: api.ValueType encoded results, nil when err is set.
	After(ctx context.Context, def api.FunctionDefinition, err error, resultValues []uint64)
}

// FunctionListenerFunc is a function type implementing the FunctionListener interface, making it possible to use
// regular functions and methods as listeners of function invocation.
//
// The FunctionListener interface declares two methods (Before and After), but this type invokes its value only when
// Before is called.
type FunctionListenerFunc func(context.Context, api.FunctionDefinition, []uint64)

// Before satisfies the FunctionListener interface, calls f.
func (f FunctionListenerFunc) Before(ctx context.Context, def api.FunctionDefinition, paramValues []uint64) context.Context {
	f(ctx, def, paramValues)
	return ctx
}

// After is declared to satisfy the FunctionListener interface, but it does nothing.
func (f FunctionListenerFunc) After(context.Context, api.FunctionDefinition, error, []uint64) {
}

// FunctionListenerFactoryFunc is a function type implementing the FunctionListenerFactory interface, making it
// possible to use regular functions and methods as factory of function listeners.
type FunctionListenerFactoryFunc func(api.FunctionDefinition) FunctionListener

// NewFunctionListener satisfies the FunctionListenerFactory interface, calls f.
func (f FunctionListenerFactoryFunc) NewFunctionListener(def api.FunctionDefinition) FunctionListener {
	return f(def)
}

// MultiFunctionListenerFactory constructs a FunctionListenerFactory which combines the listeners created by each of
// the factories passed as arguments. Ex. metrics and logging together.
func MultiFunctionListenerFactory(factories ...FunctionListenerFactory) FunctionListenerFactory {
	multi := make(multiFunctionListenerFactory, 0, len(factories))
	for _, f := range factories {
		if f != nil {
			multi = append(multi, f)
		}
	}
	return multi
}

type multiFunctionListenerFactory []FunctionListenerFactory

// Close closes each factory that implements io.Closer, so that Engine.Close reaches factories combined here.
func (multi multiFunctionListenerFactory) Close() (err error) {
	for _, factory := range multi {
		if c, ok := factory.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return
}

func (multi multiFunctionListenerFactory) NewFunctionListener(def api.FunctionDefinition) FunctionListener {
	var lstns []FunctionListener
	for _, factory := range multi {
		if lstn := factory.NewFunctionListener(def); lstn != nil {
			lstns = append(lstns, lstn)
		}
	}
	switch len(lstns) {
	case 0:
		return nil
	case 1:
		return lstns[0]
	default:
		return multiFunctionListener(lstns)
	}
}

type multiFunctionListener []FunctionListener

func (multi multiFunctionListener) Before(ctx context.Context, def api.FunctionDefinition, params []uint64) context.Context {
	for _, lstn := range multi {
		ctx = lstn.Before(ctx, def, params)
	}
	return ctx
}

// After notifies listeners in reverse order, so that they nest like the Before calls.
func (multi multiFunctionListener) After(ctx context.Context, def api.FunctionDefinition, err error, results []uint64) {
	for i := len(multi) - 1; i >= 0; i-- {
		multi[i].After(ctx, def, err, results)
	}
}
