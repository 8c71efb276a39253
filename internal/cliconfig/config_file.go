package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	PropertiesFile            string `toml:"properties_file"`
	DynamicFile               string `toml:"dynamic_file"`
	ListenAddr                string `toml:"listen_addr"`
	LogLevel                  string `toml:"log_level"`
	ServiceName               string `toml:"service_name"`
	Role                      string `toml:"role"`
	AutoEnable                *bool  `toml:"auto_enable"`
	AutoOnlineAfterProvision  *bool  `toml:"auto_online_after_provision"`
	ConsistencyStop           *bool  `toml:"consistency_failure_stop"`
	AutoRecoveryMaxAttempts   *int   `toml:"auto_recovery_max_attempts"`
	AutoRecoveryDelay         string `toml:"auto_recovery_delay"`
	AutoRecoveryResetInterval string `toml:"auto_recovery_reset_interval"`
	DefaultTimeout            string `toml:"default_timeout"`
	QueueSize                 *int   `toml:"queue_size"`
	WatchProperties           *bool  `toml:"watch_properties"`
	WatchDebounce             string `toml:"watch_debounce"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.replicator/config.toml if the user home
// directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".replicator", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("properties", fc.PropertiesFile, &cfg.PropertiesFile)
	s.setString("dynamic-properties", fc.DynamicFile, &cfg.DynamicFile)
	s.setString("listen", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setString("service-name", fc.ServiceName, &cfg.ServiceName)
	s.setString("role", fc.Role, &cfg.Role)

	s.setBool("auto-enable", fc.AutoEnable, &cfg.AutoEnable)
	s.setBool("auto-online-after-provision", fc.AutoOnlineAfterProvision, &cfg.AutoOnlineAfterProvision)
	s.setBool("consistency-stop", fc.ConsistencyStop, &cfg.ConsistencyStop)
	s.setBool("watch", fc.WatchProperties, &cfg.WatchProperties)

	s.setInt("auto-recovery-max-attempts", fc.AutoRecoveryMaxAttempts, &cfg.AutoRecoveryMaxAttempts)
	s.setInt("queue-size", fc.QueueSize, &cfg.QueueSize)

	if err := s.setDuration("auto-recovery-delay", fc.AutoRecoveryDelay, &cfg.AutoRecoveryDelay); err != nil {
		return err
	}
	if err := s.setDuration("auto-recovery-reset-interval", fc.AutoRecoveryResetInterval, &cfg.AutoRecoveryResetInterval); err != nil {
		return err
	}
	if err := s.setDuration("timeout", fc.DefaultTimeout, &cfg.DefaultTimeout); err != nil {
		return err
	}
	if err := s.setDuration("watch-debounce", fc.WatchDebounce, &cfg.WatchDebounce); err != nil {
		return err
	}
	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
