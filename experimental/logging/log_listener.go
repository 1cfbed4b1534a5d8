// Package logging includes FunctionListenerFactory implementations that log function calls with zap.
package logging

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/experimental"
)

// NewLoggingListenerFactory is an experimental.FunctionListenerFactory that logs all function calls to logger at
// debug level.
//
// Use NewExportedLoggingListenerFactory if only interested in calls the embedder can make.
func NewLoggingListenerFactory(logger *zap.Logger) experimental.FunctionListenerFactory {
	return &loggingListenerFactory{logger: logger}
}

// NewExportedLoggingListenerFactory is an experimental.FunctionListenerFactory that logs calls to exported functions
// only. Functions called from them, such as host functions, are logged with the nesting depth of the export.
func NewExportedLoggingListenerFactory(logger *zap.Logger) experimental.FunctionListenerFactory {
	return &loggingListenerFactory{logger: logger, exportedOnly: true}
}

type loggingListenerFactory struct {
	logger       *zap.Logger
	exportedOnly bool
}

// NewFunctionListener implements the same method as documented on experimental.FunctionListenerFactory.
func (f *loggingListenerFactory) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if f.exportedOnly && len(def.ExportNames()) == 0 {
		return nil
	}
	return &loggingListener{
		logger: f.logger.With(zap.String("function", def.ModuleName()+"."+def.Name())),
	}
}

// nestKey is the context key of the call depth.
type nestKey struct{}

// loggingListener implements experimental.FunctionListener to log the params and results of each call.
type loggingListener struct {
	logger *zap.Logger
}

// Before logs the params of the call, and increases the depth of nested calls.
func (l *loggingListener) Before(ctx context.Context, def api.FunctionDefinition, params []uint64) context.Context {
	depth := 1
	if d, ok := ctx.Value(nestKey{}).(int); ok {
		depth = d + 1
	}
	if ce := l.logger.Check(zap.DebugLevel, "call"); ce != nil {
		ce.Write(zap.Int("depth", depth), zap.Strings("params", formatValues(def.ParamTypes(), params)))
	}
	return context.WithValue(ctx, nestKey{}, depth)
}

// After logs the results of the call, or the trap that unwound it.
func (l *loggingListener) After(ctx context.Context, def api.FunctionDefinition, err error, results []uint64) {
	depth, _ := ctx.Value(nestKey{}).(int)
	if err != nil {
		l.logger.Debug("trap", zap.Int("depth", depth), zap.Error(err))
		return
	}
	if ce := l.logger.Check(zap.DebugLevel, "return"); ce != nil {
		ce.Write(zap.Int("depth", depth), zap.Strings("results", formatValues(def.ResultTypes(), results)))
	}
}

// formatValues formats each value as a Go literal of its type. Ex. "-1" for the i32 0xffffffff.
func formatValues(types []api.ValueType, values []uint64) []string {
	ret := make([]string, len(types))
	for i, vt := range types {
		if i >= len(values) {
			break
		}
		ret[i] = FormatValue(vt, values[i])
	}
	return ret
}

// FormatValue formats an encoded value of the given type as a Go literal.
func FormatValue(vt api.ValueType, v uint64) string {
	switch vt {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	}
	return strconv.FormatUint(v, 16)
}
