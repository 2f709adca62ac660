// Package config loads fluxrt's runtime configuration from a YAML file with
// environment-variable overrides. Config covers node rank and peers, the
// worker pool as (architecture, count) pairs, scheduler policy, arbiter
// mode, performance-model path, metrics address and logging. It has no
// fields for priority bounds, calibration, asynchronous-copy switches,
// trace buffer size, not-launched drivers, platform checks or kernel
// disabling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/fluxrt/pkg/log"
)

// WorkerSpec declares one worker thread to start (§6: "a worker pool is
// configured as a list of (architecture, count) pairs").
type WorkerSpec struct {
	Arch  string `yaml:"arch"`
	Count int    `yaml:"count"`
}

// Config is the process-wide configuration for a fluxrt runtime (§6).
type Config struct {
	// NodeRank is this process's rank in a distributed run, or 0 for a
	// single-process run.
	NodeRank int `yaml:"node_rank"`
	// WorldSize is the number of distributed peers, or 1 for single-process.
	WorldSize int `yaml:"world_size"`
	// Peers lists transport addresses for every rank, index == rank.
	Peers []string `yaml:"peers"`

	Workers []WorkerSpec `yaml:"workers"`

	// SchedulerPolicy selects "fifo" or "work_stealing" (§3.5).
	SchedulerPolicy string `yaml:"scheduler_policy"`

	// ArbiterMode selects "mutex" or "lock_free" (§4.2's optional variant).
	ArbiterMode string `yaml:"arbiter_mode"`

	PerfModelPath string `yaml:"perf_model_path"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Default returns a single-process configuration with one CPU worker.
func Default() Config {
	return Config{
		NodeRank:        0,
		WorldSize:       1,
		Workers:         []WorkerSpec{{Arch: "cpu", Count: 1}},
		SchedulerPolicy: "fifo",
		ArbiterMode:     "mutex",
		PerfModelPath:   "fluxrt-perfmodel.db",
		MetricsAddr:     ":9450",
		LogLevel:        "info",
	}
}

// Load reads a YAML config file at path (if non-empty and it exists),
// starting from Default(), then applies FLUXRT_-prefixed environment
// variable overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLUXRT_NODE_RANK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NodeRank = n
		}
	}
	if v := os.Getenv("FLUXRT_WORLD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorldSize = n
		}
	}
	if v := os.Getenv("FLUXRT_PEERS"); v != "" {
		cfg.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv("FLUXRT_SCHEDULER_POLICY"); v != "" {
		cfg.SchedulerPolicy = v
	}
	if v := os.Getenv("FLUXRT_ARBITER_MODE"); v != "" {
		cfg.ArbiterMode = v
	}
	if v := os.Getenv("FLUXRT_PERF_MODEL_PATH"); v != "" {
		cfg.PerfModelPath = v
	}
	if v := os.Getenv("FLUXRT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("FLUXRT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// LogConfig derives a pkg/log.Config from this configuration.
func (c Config) LogConfig() log.Config {
	return log.Config{Level: log.Level(c.LogLevel), JSONOutput: c.LogJSON}
}
