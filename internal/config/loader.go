package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, applying defaults for
// anything the file leaves unset.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --configfile", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "logrun.yaml")
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults loads configPath. When the path is the implicit default and
// does not exist, built-in defaults are returned instead.
func LoadOrDefaults(configPath string, explicit bool) (*Config, error) {
	if !explicit {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
	}
	return Load(configPath)
}

// loadConfigFile parses a single config file on top of the defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// verifyConfigHash checks the config file against a .checksums manifest in
// the same directory. A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, errNoChecksums) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s", basename, dir)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.", path, err)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if envVarPattern.MatchString(cfg.State.Path) {
		return fmt.Errorf("state.path: unresolved environment variable in %q", cfg.State.Path)
	}
	if cfg.Reports.Dir == "" {
		return fmt.Errorf("reports.dir is required")
	}
	if cfg.Lock.PIDFile == "" {
		return fmt.Errorf("lock.pidfile is required")
	}
	if filepath.Base(cfg.Lock.PIDFile) != cfg.Lock.PIDFile {
		return fmt.Errorf("lock.pidfile must be a file name, not a path (got %q)", cfg.Lock.PIDFile)
	}

	if cfg.Workers.Jobs < 0 {
		return fmt.Errorf("workers.jobs must not be negative")
	}
	if cfg.Retention.Months < 0 {
		return fmt.Errorf("retention.months must not be negative")
	}
	if cfg.Engine.CommitEvery <= 0 {
		return fmt.Errorf("engine.commit_every must be positive")
	}
	if cfg.Shutdown.GracePeriod < 0 {
		return fmt.Errorf("shutdown.grace_period must not be negative")
	}
	if cfg.Status.Enabled && cfg.Status.Listen == "" {
		return fmt.Errorf("status.listen is required when status is enabled")
	}

	for i, src := range cfg.Sources {
		if envVarPattern.MatchString(src) {
			matches := envVarPattern.FindStringSubmatch(src)
			return fmt.Errorf("sources[%d]: environment variable ${%s} is not set", i, matches[1])
		}
	}
	return nil
}
