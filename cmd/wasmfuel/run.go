package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wasmfuel/wasmfuel"
	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/experimental"
	"github.com/wasmfuel/wasmfuel/experimental/logging"
	"github.com/wasmfuel/wasmfuel/metrics"
)

// metricsNamespace prefixes the names of metrics written with --metrics-file.
const metricsNamespace = "wasmfuel"

func newRunCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <path to wasm file> [params...]",
		Short: "Runs an exported function of a WebAssembly module",
		Long: `Instantiates the module with the "host" namespace defined, then calls the exported function named by
--invoke with the given params, parsed according to its signature.

Results are printed one per line, followed by the fuel consumed.`,
		Example: `  wasmfuel run --fuel 1000 demo.wat
  wasmfuel run --invoke add --fuel 100 math.wasm 1 2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return opts.run(cmd.Context(), config, args[0], args[1:])
		},
	}
	addEngineFlags(cmd.Flags())
	cmd.Flags().String("invoke", DefaultConfig().Run.Invoke, "name of the exported function to call")
	cmd.Flags().Int64("host-data", DefaultConfig().Run.HostData, "store data printed by host.host_func")
	cmd.Flags().String("metrics-file", "", "file receiving metrics in the Prometheus text format")
	return cmd
}

func (o *rootOptions) run(ctx context.Context, config *Config, wasmPath string, params []string) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := o.newLogger(config)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint

	source, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("error reading wasm binary: %w", err)
	}

	var registry *prometheus.Registry
	var fuelMetrics *metrics.ListenerFactory
	listeners := []experimental.FunctionListenerFactory{logging.NewExportedLoggingListenerFactory(logger)}
	if config.Metrics.File != "" {
		registry = prometheus.NewRegistry()
		if fuelMetrics, err = metrics.NewListenerFactory(registry, metricsNamespace); err != nil {
			return err
		}
		listeners = append(listeners, fuelMetrics)
	}

	engine, err := newEngine(config, logger, experimental.MultiFunctionListenerFactory(listeners...))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, engine.Close())
	}()
	if registry != nil {
		// Closing the engine unregisters the collectors, so write them first.
		defer func() {
			err = multierr.Append(err, prometheus.WriteToTextfile(config.Metrics.File, registry))
		}()
	}

	module, err := engine.CompileModule(ctx, source)
	if err != nil {
		return err
	}

	store := wasmfuel.NewStore(engine, config.Run.HostData)
	if err = store.AddFuel(config.Engine.Fuel); err != nil {
		return err
	}
	if config.Engine.Timeout > 0 {
		store.SetEpochDeadline(1)
		stop := startEpochTicker(engine, config.Engine.Timeout)
		defer stop()
	}

	linker := wasmfuel.NewLinker[int64](engine)
	if err = defineHost(linker, o.stdOut); err != nil {
		return err
	}
	inst, err := linker.Instantiate(ctx, store, module)
	if err != nil {
		return err
	}

	fn, err := inst.GetFunc(config.Run.Invoke)
	if err != nil {
		return err
	}
	stack, err := parseParams(fn.ParamTypes(), params)
	if err != nil {
		return err
	}

	results, callErr := fn.Call(ctx, stack...)
	consumed, _ := store.FuelConsumed()
	if fuelMetrics != nil {
		fuelMetrics.ObserveFuel(consumed)
	}
	logger.Info("call completed",
		zap.String("function", config.Run.Invoke),
		zap.Uint64("fuel_consumed", consumed),
		zap.Error(callErr))
	if callErr != nil {
		return callErr
	}

	for i, vt := range fn.ResultTypes() {
		fmt.Fprintln(o.stdOut, logging.FormatValue(vt, results[i]))
	}
	fmt.Fprintf(o.stdOut, "fuel consumed: %d\n", consumed)
	return nil
}

// newEngine returns an engine configured from the engine section, with fuel consumption enabled.
func newEngine(config *Config, logger *zap.Logger, listeners experimental.FunctionListenerFactory) (*wasmfuel.Engine, error) {
	engineConfig := wasmfuel.NewEngineConfig().
		WithFuelConsumption(true).
		WithEpochInterruption(config.Engine.Timeout > 0).
		WithMaxCallDepth(config.Engine.MaxCallDepth).
		WithMemoryLimitPages(config.Engine.MemoryLimitPages).
		WithLogger(logger)
	if listeners != nil {
		engineConfig = engineConfig.WithFunctionListenerFactory(listeners)
	}
	if dir := config.Engine.CacheDir; dir != "" {
		cache, err := wasmfuel.NewCompilationCache(dir)
		if err != nil {
			return nil, fmt.Errorf("invalid cache dir: %w", err)
		}
		engineConfig = engineConfig.WithCompilationCache(cache)
	}
	return wasmfuel.NewEngine(engineConfig)
}

// startEpochTicker increments the epoch of engine after timeout. The returned function stops the ticker.
func startEpochTicker(engine *wasmfuel.Engine, timeout time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(timeout)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				engine.IncrementEpoch()
			}
		}
	}()
	return func() { close(done) }
}

// parseParams parses each param according to its type in the signature of the invoked function.
func parseParams(types []api.ValueType, params []string) ([]uint64, error) {
	if len(types) != len(params) {
		return nil, api.Errorf(api.KindWrongArity, "expected %d params, but passed %d", len(types), len(params))
	}
	stack := make([]uint64, len(params))
	for i, p := range params {
		v, err := parseValue(types[i], p)
		if err != nil {
			return nil, api.WrapError(api.KindTypeMismatch, err, fmt.Sprintf("param[%d] is not a valid %s", i, api.ValueTypeName(types[i])))
		}
		stack[i] = v
	}
	return stack, nil
}

func parseValue(vt api.ValueType, s string) (uint64, error) {
	switch vt {
	case api.ValueTypeI32:
		v, err := strconv.ParseInt(s, 10, 32)
		return api.EncodeI32(int32(v)), err
	case api.ValueTypeI64:
		v, err := strconv.ParseInt(s, 10, 64)
		return api.EncodeI64(v), err
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		return api.EncodeF32(float32(v)), err
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		return api.EncodeF64(v), err
	}
	return 0, fmt.Errorf("unsupported type %s", api.ValueTypeName(vt))
}
