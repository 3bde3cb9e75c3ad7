package config

import "time"

// DefaultPath is where the configuration file is looked up when -c is not given.
const DefaultPath = "/etc/logrun/logrun.yaml"

// Config represents the complete logrun configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Reports   ReportsConfig   `yaml:"reports"`
	Lock      LockConfig      `yaml:"lock"`
	Sources   []string        `yaml:"sources,omitempty"`
	Workers   WorkersConfig   `yaml:"workers"`
	Retention RetentionConfig `yaml:"retention"`
	Engine    EngineConfig    `yaml:"engine"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Status    StatusConfig    `yaml:"status,omitempty"`

	// SourcePath is the file the configuration was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines where parsed statistics and checkpoints live.
type StateConfig struct {
	Path string `yaml:"path"`
}

// ReportsConfig defines where reports are written.
type ReportsConfig struct {
	Dir string `yaml:"dir"`
}

// LockConfig defines the run marker location. Dir is overridden by --pid_dir.
type LockConfig struct {
	Dir     string `yaml:"dir"`
	PIDFile string `yaml:"pidfile"`
}

// WorkersConfig defines the default parse parallelism.
type WorkersConfig struct {
	Jobs int `yaml:"jobs"`
}

// RetentionConfig defines how long hour buckets are kept.
type RetentionConfig struct {
	Months int `yaml:"months"`
}

// EngineConfig tunes the reference analysis engine.
type EngineConfig struct {
	CommitEvery int `yaml:"commit_every"`
}

// ShutdownConfig defines graceful shutdown behaviour.
type ShutdownConfig struct {
	// GracePeriod bounds the wait for workers after a termination request.
	// Zero waits until every worker has stopped.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StatusConfig defines the optional HTTP status endpoint.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token on /status and /events.
	Token string `yaml:"token,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "logrun",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "/var/lib/logrun/state.db",
		},
		Reports: ReportsConfig{
			Dir: "/var/lib/logrun/reports",
		},
		Lock: LockConfig{
			Dir:     "/tmp",
			PIDFile: "logrun.pid",
		},
		Workers: WorkersConfig{
			Jobs: 1,
		},
		Engine: EngineConfig{
			CommitEvery: 5000,
		},
		Status: StatusConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8089",
		},
	}
}
