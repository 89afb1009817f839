package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"vdev/internal/device"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateJournal(); err != nil {
		return err
	}
	return c.validateMQTT()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.Mountpoint) == "" {
		return errors.New("paths.mountpoint must be set")
	}
	if c.Paths.Mountpoint == "/" {
		return errors.New("paths.mountpoint must not be the filesystem root")
	}
	if strings.TrimSpace(c.Paths.ActionsDir) == "" {
		return errors.New("paths.actions_dir must be set")
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		return errors.New("paths.state_dir must be set")
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if !slices.Contains(Backends, c.Daemon.Backend) {
		return fmt.Errorf("daemon.backend must be one of %s, got %q", strings.Join(Backends, ", "), c.Daemon.Backend)
	}
	if c.Daemon.Instance != "" {
		if err := device.ValidateNonce(c.Daemon.Instance); err != nil {
			return fmt.Errorf("daemon.instance: %w", err)
		}
	}
	if c.Daemon.QueueLimit < 0 {
		return errors.New("daemon.queue_limit must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateJournal() error {
	if c.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}

func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled {
		return nil
	}
	if c.MQTT.Broker == "" {
		return errors.New("mqtt.broker must be set when mqtt.enabled is true")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.New("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
