package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name       string
		configPath string
		env        map[string]string
		flags      []string
		expected   func(c *Config)
	}{
		{
			name:     "defaults",
			expected: func(*Config) {},
		},
		{
			name:       "file",
			configPath: "testdata/config.yaml",
			expected: func(c *Config) {
				c.Engine.Fuel = 100
				c.Engine.MaxCallDepth = 64
				c.Run.Invoke = "add"
				c.Run.HostData = 7
				c.Log.Level = "error"
			},
		},
		{
			name:       "env overrides file",
			configPath: "testdata/config.yaml",
			env: map[string]string{
				"WASMFUEL_ENGINE_MAX_CALL_DEPTH": "10",
				"WASMFUEL_ENGINE_TIMEOUT":        "2s",
				"WASMFUEL_RUN_HOST_DATA":         "-1",
			},
			expected: func(c *Config) {
				c.Engine.Fuel = 100
				c.Engine.MaxCallDepth = 10
				c.Engine.Timeout = 2 * time.Second
				c.Run.Invoke = "add"
				c.Run.HostData = -1
				c.Log.Level = "error"
			},
		},
		{
			name:       "flags override env",
			configPath: "testdata/config.yaml",
			env:        map[string]string{"WASMFUEL_ENGINE_FUEL": "5"},
			flags:      []string{"--fuel", "7", "--invoke", "sum", "--metrics-file", "metrics.prom"},
			expected: func(c *Config) {
				c.Engine.Fuel = 7
				c.Engine.MaxCallDepth = 64
				c.Run.Invoke = "sum"
				c.Run.HostData = 7
				c.Log.Level = "error"
				c.Metrics.File = "metrics.prom"
			},
		},
		{
			name:  "unset flags keep defaults",
			flags: []string{"--cache-dir", "/tmp/cache"},
			expected: func(c *Config) {
				c.Engine.CacheDir = "/tmp/cache"
			},
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			flags := newTestFlags(t, tc.flags...)

			config, err := LoadConfig(tc.configPath, flags)
			require.NoError(t, err)

			expected := DefaultConfig()
			tc.expected(expected)
			require.Equal(t, expected, config)
		})
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name        string
		configPath  string
		env         map[string]string
		flags       []string
		expectedErr string
	}{
		{
			name:        "missing file",
			configPath:  "testdata/missing.yaml",
			expectedErr: "failed to read config file",
		},
		{
			name:        "unknown key",
			configPath:  "testdata/invalid.yaml",
			expectedErr: "failed to unmarshal config",
		},
		{
			name:        "invalid level",
			flags:       []string{"--log-level", "trace"},
			expectedErr: "invalid config",
		},
		{
			name:        "zero call depth",
			env:         map[string]string{"WASMFUEL_ENGINE_MAX_CALL_DEPTH": "0"},
			expectedErr: "invalid config",
		},
		{
			name:        "memory limit above 4GiB",
			flags:       []string{"--memory-limit-pages", "65537"},
			expectedErr: "invalid config",
		},
		{
			name:        "invalid duration",
			env:         map[string]string{"WASMFUEL_ENGINE_TIMEOUT": "soon"},
			expectedErr: "failed to unmarshal config",
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(tc.configPath, newTestFlags(t, tc.flags...))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.expectedErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	require.Equal(t, "engine.max_call_depth", envKey("WASMFUEL_ENGINE_MAX_CALL_DEPTH"))
	require.Equal(t, "log.level", envKey("WASMFUEL_LOG_LEVEL"))
}

// newTestFlags returns the flags of the run command, parsed from args.
func newTestFlags(t *testing.T, args ...string) *pflag.FlagSet {
	flags := newRunCommand(&rootOptions{}).Flags()
	require.NoError(t, flags.Parse(args))
	return flags
}
