package cliconfig

import "os"

// EnvPrefix prefixes every environment variable read by ApplyEnvConfig.
const EnvPrefix = "REPLICATOR_"

// ApplyEnvConfig applies REPLICATOR_* environment variables. They override
// file values and are overridden by flags (changed map).
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)
	env := func(name string) string { return os.Getenv(EnvPrefix + name) }

	s.setString("properties", env("PROPERTIES_FILE"), &cfg.PropertiesFile)
	s.setString("dynamic-properties", env("DYNAMIC_FILE"), &cfg.DynamicFile)
	s.setString("listen", env("LISTEN_ADDR"), &cfg.ListenAddr)
	s.setString("log-level", env("LOG_LEVEL"), &cfg.LogLevel)
	s.setString("service-name", env("SERVICE_NAME"), &cfg.ServiceName)
	s.setString("role", env("ROLE"), &cfg.Role)

	bools := []struct {
		flag, name string
		dst        *bool
	}{
		{"auto-enable", "AUTO_ENABLE", &cfg.AutoEnable},
		{"force-offline", "FORCE_OFFLINE", &cfg.ForceOffline},
		{"auto-online-after-provision", "AUTO_ONLINE_AFTER_PROVISION", &cfg.AutoOnlineAfterProvision},
		{"consistency-stop", "CONSISTENCY_FAILURE_STOP", &cfg.ConsistencyStop},
		{"watch", "WATCH_PROPERTIES", &cfg.WatchProperties},
	}
	for _, b := range bools {
		if err := s.setBoolFromString(b.flag, env(b.name), b.dst); err != nil {
			return err
		}
	}

	if err := s.setIntFromString("auto-recovery-max-attempts", env("AUTO_RECOVERY_MAX_ATTEMPTS"), &cfg.AutoRecoveryMaxAttempts); err != nil {
		return err
	}
	if err := s.setIntFromString("queue-size", env("QUEUE_SIZE"), &cfg.QueueSize); err != nil {
		return err
	}
	if err := s.setDuration("auto-recovery-delay", env("AUTO_RECOVERY_DELAY"), &cfg.AutoRecoveryDelay); err != nil {
		return err
	}
	if err := s.setDuration("auto-recovery-reset-interval", env("AUTO_RECOVERY_RESET_INTERVAL"), &cfg.AutoRecoveryResetInterval); err != nil {
		return err
	}
	if err := s.setDuration("timeout", env("DEFAULT_TIMEOUT"), &cfg.DefaultTimeout); err != nil {
		return err
	}
	return s.setDuration("watch-debounce", env("WATCH_DEBOUNCE"), &cfg.WatchDebounce)
}
