package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCompileCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <path to wasm file>",
		Short: "Validates a WebAssembly module and warms the compilation cache",
		Long: `Decodes, validates and compiles the module without running it. With --cache-dir, the compiled code is
persisted, so later runs with the same cache directory skip compilation.`,
		Example: `  wasmfuel compile --cache-dir /tmp/wasmfuel demo.wasm`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return opts.compile(cmd.Context(), config, args[0])
		},
	}
	addEngineFlags(cmd.Flags())
	return cmd
}

func (o *rootOptions) compile(ctx context.Context, config *Config, wasmPath string) error {
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
	engine, err := newEngine(config, logger, nil)
	if err != nil {
		return err
	}
	_, err = engine.CompileModule(ctx, source)
	if closeErr := engine.Close(); err == nil {
		err = closeErr
	}
	return err
}
