package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment variables overriding the configuration. The first underscore after it
// separates the section from the key. Ex. WASMFUEL_ENGINE_MAX_CALL_DEPTH sets engine.max_call_depth.
const EnvPrefix = "WASMFUEL_"

// Config holds all configuration of the CLI.
type Config struct {
	Engine  EngineConfig  `koanf:"engine"`
	Run     RunConfig     `koanf:"run"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// EngineConfig holds the options of the engine and its stores.
type EngineConfig struct {
	// Fuel added to the store before instantiating the module.
	Fuel uint64 `koanf:"fuel"`

	// MaxCallDepth is the count of nested calls above which a call traps.
	MaxCallDepth uint32 `koanf:"max_call_depth" validate:"gt=0"`

	// MemoryLimitPages caps the size of memories, in 64KiB pages.
	MemoryLimitPages uint32 `koanf:"memory_limit_pages" validate:"gt=0,lte=65536"`

	// Timeout interrupts guest code running longer, if positive.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`

	// CacheDir persists compiled modules across invocations, if set.
	CacheDir string `koanf:"cache_dir"`
}

// RunConfig holds the options of the run command.
type RunConfig struct {
	// Invoke is the exported function to call.
	Invoke string `koanf:"invoke" validate:"required"`

	// HostData is the store data printed by host.host_func.
	HostData int64 `koanf:"host_data"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

// MetricsConfig holds metrics options.
type MetricsConfig struct {
	// File receives the Prometheus text format of the metrics when the command completes, if set.
	File string `koanf:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Fuel:             1_000_000,
			MaxCallDepth:     1024,
			MemoryLimitPages: 65536,
		},
		Run: RunConfig{
			Invoke:   "hello",
			HostData: 4,
		},
		Log: LogConfig{Level: "warn"},
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"fuel":               "engine.fuel",
	"max-call-depth":     "engine.max_call_depth",
	"memory-limit-pages": "engine.memory_limit_pages",
	"timeout":            "engine.timeout",
	"cache-dir":          "engine.cache_dir",
	"invoke":             "run.invoke",
	"host-data":          "run.host_data",
	"log-level":          "log.level",
	"metrics-file":       "metrics.file",
}

// LoadConfig layers, in increasing priority, the defaults, the YAML file at configPath if it exists, environment
// variables and the flags set on the command line.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(newStructProvider(DefaultConfig()), nil); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if flags != nil {
		var err error
		flags.Visit(func(f *pflag.Flag) {
			if key, ok := flagKeys[f.Name]; ok && err == nil {
				err = k.Set(key, f.Value.String())
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result:           &config,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// envKey converts WASMFUEL_SECTION_SOME_KEY to section.some_key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// structProvider is a provider that loads configuration from a struct
type structProvider struct {
	cfg interface{}
}

func newStructProvider(cfg interface{}) *structProvider {
	return &structProvider{cfg: cfg}
}

// Read reads the configuration from the struct
func (s *structProvider) Read() (map[string]interface{}, error) {
	var out map[string]interface{}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &out,
		TagName: "koanf",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(s.cfg); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadBytes is required by the Provider interface but not used for struct providers
func (s *structProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("ReadBytes not supported for struct provider")
}
