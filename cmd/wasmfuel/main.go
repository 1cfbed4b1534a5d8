package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing. It returns the exit code.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	cmd := newRootCommand(stdOut, stdErr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stdErr, "error:", err)
		return 1
	}
	return 0
}

// rootOptions are the flags shared by all commands.
type rootOptions struct {
	configPath string
	stdOut     io.Writer
	stdErr     io.Writer
}

func newRootCommand(stdOut, stdErr io.Writer) *cobra.Command {
	opts := &rootOptions{stdOut: stdOut, stdErr: stdErr}
	cmd := &cobra.Command{
		Use:   "wasmfuel",
		Short: "Run WebAssembly with a fuel budget",
		Long: `wasmfuel compiles and runs WebAssembly modules in a sandbox where every instruction consumes fuel.

A module runs until its exported function returns, traps or the fuel added to its store is exhausted.
Configuration is read from an optional YAML file, then WASMFUEL_ environment variables, then flags.`,
		Example: `  # Call the exported function "hello" with 1000 units of fuel
  wasmfuel run --fuel 1000 demo.wat

  # Call "add" with two parameters
  wasmfuel run --invoke add demo.wasm 1 2

  # Show the imports and exports of a module
  wasmfuel inspect demo.wasm`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")

	cmd.AddCommand(
		newRunCommand(opts),
		newCompileCommand(opts),
		newInspectCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

// addEngineFlags registers the flags overriding the engine section of the configuration. Only flags set on the
// command line take precedence over the file and environment.
func addEngineFlags(flags *pflag.FlagSet) {
	defaults := DefaultConfig()
	flags.Uint64("fuel", defaults.Engine.Fuel, "fuel added to the store before instantiation")
	flags.Uint32("max-call-depth", defaults.Engine.MaxCallDepth, "maximum count of nested calls")
	flags.Uint32("memory-limit-pages", defaults.Engine.MemoryLimitPages, "maximum memory size in 64KiB pages")
	flags.Duration("timeout", 0, "interrupts guest code running longer than this, if positive")
	flags.String("cache-dir", "", "directory persisting compiled modules")
	flags.String("log-level", defaults.Log.Level, "one of debug, info, warn or error")
}

// loadConfig loads the configuration, layering the flags of cmd.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*Config, error) {
	return LoadConfig(o.configPath, cmd.Flags())
}

// newLogger returns a logger writing to stdErr at the configured level. The debug level uses the development
// encoder for readability.
func (o *rootOptions) newLogger(config *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Log.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	encoder := zapcore.NewJSONEncoder(encoderConfig)
	if level == zapcore.DebugLevel {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(o.stdErr), level)
	return zap.New(core), nil
}
