package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// BroadcastConfig is every key enumerated in spec.md §6.7. It is loaded
// through three layers, precedence lowest to highest: built-in defaults,
// an optional YAML file, then BROADCASTD_* environment variables — the same
// layering cartographus's internal/config/koanf.go uses.
type BroadcastConfig struct {
	Pool     PoolConfig     `koanf:"pool"`
	Health   HealthConfig   `koanf:"health"`
	Prewarm  PrewarmConfig  `koanf:"prewarm"`
	Session  SessionConfig  `koanf:"session"`
	Agent    AgentConfig    `koanf:"agent"`
	EPG      EPGConfig      `koanf:"epg"`
}

type EPGConfig struct {
	RegenInterval time.Duration `koanf:"regen_interval_seconds"`
}

type PoolConfig struct {
	MaxProcesses             int           `koanf:"max_processes"`
	ColdStartTimeout          time.Duration `koanf:"cold_start_timeout_seconds"`
	ColdStartTimeoutPlex      time.Duration `koanf:"cold_start_timeout_plex_seconds"`
	RateLimitCapacity         int           `koanf:"rate_limit_capacity"`
	RateLimitRefillPerSecond  float64       `koanf:"rate_limit_refill_per_second"`
	LongRunMax                time.Duration `koanf:"long_run_max"`
	ReapInterval              time.Duration `koanf:"reap_interval_seconds"`
}

type HealthConfig struct {
	UnhealthyThreshold       time.Duration `koanf:"unhealthy_threshold_seconds"`
	CheckInterval            time.Duration `koanf:"health_check_interval_seconds"`
	RestartStormWindow       time.Duration `koanf:"restart_storm_window_seconds"`
	RestartStormMax          int           `koanf:"restart_storm_max"`
	RestartCooldown          time.Duration `koanf:"restart_cooldown_seconds"`
	CircuitFailureThreshold  int           `koanf:"circuit_failure_threshold"`
	CircuitFailureWindow     time.Duration `koanf:"circuit_failure_window_seconds"`
	CircuitOpenDuration      time.Duration `koanf:"circuit_open_seconds"`
}

type PrewarmConfig struct {
	MaxConcurrent int           `koanf:"prewarm_max_concurrent"`
	Stagger       time.Duration `koanf:"prewarm_stagger_seconds"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `koanf:"session_idle_timeout_seconds"`
}

type AgentConfig struct {
	BoundedAgentEnabled              bool          `koanf:"bounded_agent_enabled"`
	MetadataSelfResolutionEnabled    bool          `koanf:"metadata_self_resolution_enabled"`
	MetadataSelfResolutionCooldown   time.Duration `koanf:"metadata_self_resolution_cooldown_sec"`
	MaxSteps                         int           `koanf:"max_steps"`
}

// DefaultBroadcastConfig mirrors exactly the defaults column of spec.md §6.7.
func DefaultBroadcastConfig() *BroadcastConfig {
	return &BroadcastConfig{
		Pool: PoolConfig{
			MaxProcesses:            runtimeDefaultMaxProcesses(),
			ColdStartTimeout:         90 * time.Second,
			ColdStartTimeoutPlex:     120 * time.Second,
			RateLimitCapacity:        5,
			RateLimitRefillPerSecond: 5,
			LongRunMax:               24 * time.Hour,
			ReapInterval:             15 * time.Second,
		},
		Health: HealthConfig{
			UnhealthyThreshold:      180 * time.Second,
			CheckInterval:           30 * time.Second,
			RestartStormWindow:      60 * time.Second,
			RestartStormMax:         10,
			RestartCooldown:         30 * time.Second,
			CircuitFailureThreshold: 5,
			CircuitFailureWindow:    300 * time.Second,
			CircuitOpenDuration:     120 * time.Second,
		},
		Prewarm: PrewarmConfig{
			MaxConcurrent: 5,
			Stagger:       1 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout: 300 * time.Second,
		},
		Agent: AgentConfig{
			BoundedAgentEnabled:            false,
			MetadataSelfResolutionEnabled:  false,
			MetadataSelfResolutionCooldown: 300 * time.Second,
			MaxSteps:                       3,
		},
		EPG: EPGConfig{
			RegenInterval: 15 * time.Minute,
		},
	}
}

// runtimeDefaultMaxProcesses is env-derived per spec.md §6.7; absent an
// explicit override it falls back to a conservative constant rather than
// guessing at system memory, which the pool's own memory guard already polices.
func runtimeDefaultMaxProcesses() int {
	return 16
}

// ConfigPathEnvVar overrides where LoadBroadcastConfig looks for the YAML file.
const ConfigPathEnvVar = "BROADCASTD_CONFIG_PATH"

var defaultConfigPaths = []string{
	"broadcastd.yaml",
	"broadcastd.yml",
	"/etc/broadcastd/broadcastd.yaml",
}

// LoadBroadcastConfig loads defaults, then an optional YAML file, then
// BROADCASTD_*-prefixed environment variables, in that precedence order.
func LoadBroadcastConfig() (*BroadcastConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultBroadcastConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path := findBroadcastConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("BROADCASTD_", ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, "BROADCASTD_"))
		// Only the first underscore separates the section from the key
		// (BROADCASTD_POOL_MAX_PROCESSES -> pool.max_processes).
		return strings.Replace(key, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &BroadcastConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func findBroadcastConfigFile() string {
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnvVar)); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// WatchBroadcastConfigFile re-invokes callback whenever the resolved config
// file changes on disk, matching cartographus's WatchConfigFile (koanf's
// file.Provider wraps fsnotify internally).
func WatchBroadcastConfigFile(path string, callback func()) error {
	provider := file.Provider(path)
	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}

// WatchProfileOverrideFile watches the ffmpeg profile override JSON file
// directly via fsnotify (rather than through koanf) and invokes callback on
// any write or create event, so editing ffmpeg_profile_overrides.json while
// broadcastd is running takes effect without a restart.
func WatchProfileOverrideFile(path string, callback func()) (stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create profile override watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					callback()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w.Close, nil
}
