package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// mustGetString reads a string flag that init() is guaranteed to have
// registered; a missing flag here is a programming error, not a user
// one, so it panics rather than threading another error return through
// every call site.
func mustGetString(flags *pflag.FlagSet, name string) string {
	v, err := flags.GetString(name)
	if err != nil {
		panic(fmt.Sprintf("wexec: flag %q not registered: %v", name, err))
	}
	return v
}

// fileConfig mirrors serve's flags in a flat, YAML-loadable shape, the
// same "one struct, defaults overridden by file, overridden by env,
// overridden by flags" layering the teacher applies to its own node
// configuration.
type fileConfig struct {
	NodeID             string `yaml:"node_id"`
	ListenAddr         string `yaml:"listen_addr"`
	MetricsAddr        string `yaml:"metrics_addr"`
	DataDir            string `yaml:"data_dir"`
	Backend            string `yaml:"backend"`
	Namespace          string `yaml:"namespace"`
	TotalShards        uint32 `yaml:"total_shards"`
	MemoryBudgetBytes  uint64 `yaml:"memory_budget_bytes"`
	AcquireRetryDelay  string `yaml:"acquire_retry_delay"`
	ArchiveInterval    string `yaml:"archive_interval"`
	IdleSweepInterval  string `yaml:"idle_sweep_interval"`
	IdleTimeout        string `yaml:"idle_timeout"`
	Insecure           bool   `yaml:"insecure"`
}

// loadFileConfig reads a YAML config file if path is non-empty. A
// missing --config flag is not an error: serve falls back to defaults
// and environment variables entirely.
func loadFileConfig(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// envOverrides captures the environment variables spec.md §6 leaves
// implementation-defined. serve layers ListenAddr, MemoryBudgetBytes and
// AcquireRetryDelay in between the config file and explicit CLI flags;
// initLogging applies LogLevel unless --log-level is given.
// ShardManagerAddr and BlobEndpoint are read but no setting uses them.
type envOverrides struct {
	LogLevel          string
	ListenAddr        string
	ShardManagerAddr  string
	BlobEndpoint      string
	MemoryBudgetBytes uint64
	AcquireRetryDelay time.Duration
}

func loadEnvOverrides() envOverrides {
	var e envOverrides
	e.LogLevel = os.Getenv("WEXEC_LOG_LEVEL")
	e.ListenAddr = os.Getenv("WEXEC_LISTEN_ADDR")
	e.ShardManagerAddr = os.Getenv("WEXEC_SHARD_MANAGER_ADDR")
	e.BlobEndpoint = os.Getenv("WEXEC_BLOB_ENDPOINT")
	if v := os.Getenv("WEXEC_MEMORY_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			e.MemoryBudgetBytes = n
		}
	}
	if v := os.Getenv("WEXEC_ACQUIRE_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			e.AcquireRetryDelay = d
		}
	}
	return e
}

// stringSetting resolves one string-valued setting across the four
// layers in ascending precedence: built-in default, config file, env
// var, explicit CLI flag.
func stringSetting(flagVal string, flagChanged bool, fileVal, envVal string) string {
	if flagChanged {
		return flagVal
	}
	if envVal != "" {
		return envVal
	}
	if fileVal != "" {
		return fileVal
	}
	return flagVal
}

func uint64Setting(flagVal uint64, flagChanged bool, fileVal, envVal uint64) uint64 {
	if flagChanged {
		return flagVal
	}
	if envVal != 0 {
		return envVal
	}
	if fileVal != 0 {
		return fileVal
	}
	return flagVal
}

func durationSetting(flagVal time.Duration, flagChanged bool, fileVal string, envVal time.Duration) time.Duration {
	if flagChanged {
		return flagVal
	}
	if envVal != 0 {
		return envVal
	}
	if fileVal != "" {
		if d, err := time.ParseDuration(fileVal); err == nil {
			return d
		}
	}
	return flagVal
}
