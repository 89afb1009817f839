package config

import (
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDaemon(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeMQTT()
	return nil
}

func (c *Config) applyEnv() {
	if value, ok := os.LookupEnv("VDEV_MOUNTPOINT"); ok && strings.TrimSpace(value) != "" {
		c.Paths.Mountpoint = value
	}
	if value, ok := os.LookupEnv("VDEV_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"paths.mountpoint", &c.Paths.Mountpoint},
		{"paths.actions_dir", &c.Paths.ActionsDir},
		{"paths.helpers_dir", &c.Paths.HelpersDir},
		{"paths.firmware_dir", &c.Paths.FirmwareDir},
		{"paths.state_dir", &c.Paths.StateDir},
		{"paths.log_dir", &c.Paths.LogDir},
		{"paths.pid_file", &c.Paths.PIDFile},
		{"paths.lock_file", &c.Paths.LockFile},
		{"journal.path", &c.Journal.Path},
		{"daemon.preseed", &c.Daemon.Preseed},
	}
	for _, field := range fields {
		trimmed := strings.TrimSpace(*field.value)
		expanded, err := expandPath(trimmed)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeDaemon() error {
	c.Daemon.Backend = strings.ToLower(strings.TrimSpace(c.Daemon.Backend))
	if c.Daemon.Backend == "" {
		c.Daemon.Backend = defaultBackend
	}
	c.Daemon.Instance = strings.ToLower(strings.TrimSpace(c.Daemon.Instance))

	mode := strings.TrimSpace(c.Daemon.DefaultMode)
	c.Daemon.DefaultMode = mode
	if mode == "" {
		c.Daemon.DefaultPerm = 0
		return nil
	}
	parsed, err := ParseMode(mode)
	if err != nil {
		return fmt.Errorf("daemon.default_mode: %w", err)
	}
	c.Daemon.DefaultPerm = parsed
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeMQTT() {
	c.MQTT.Broker = strings.TrimSpace(c.MQTT.Broker)
	c.MQTT.ClientID = strings.TrimSpace(c.MQTT.ClientID)
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = defaultMQTTClientID
	}
	c.MQTT.TopicPrefix = strings.Trim(strings.TrimSpace(c.MQTT.TopicPrefix), "/")
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = defaultMQTTTopicPrefix
	}
	if c.MQTT.TimeoutSeconds <= 0 {
		c.MQTT.TimeoutSeconds = defaultMQTTTimeout
	}
}

// ParseMode parses an octal permission string such as "0660".
func ParseMode(value string) (fs.FileMode, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q", value)
	}
	if parsed > 0o7777 {
		return 0, fmt.Errorf("mode %q out of range", value)
	}
	perm := fs.FileMode(parsed & 0o777)
	if parsed&0o4000 != 0 {
		perm |= fs.ModeSetuid
	}
	if parsed&0o2000 != 0 {
		perm |= fs.ModeSetgid
	}
	if parsed&0o1000 != 0 {
		perm |= fs.ModeSticky
	}
	return perm, nil
}
