package config

const (
	defaultConfigPath       = "/etc/vdev/vdevd.toml"
	defaultMountpoint       = "/dev"
	defaultActionsDir       = "/etc/vdev/actions"
	defaultHelpersDir       = "/lib/vdev"
	defaultFirmwareDir      = "/lib/firmware"
	defaultStateDir         = "/var/lib/vdev"
	defaultPIDFile          = "/run/vdevd.pid"
	defaultLockFile         = "/run/vdevd.lock"
	defaultBackend          = "netlink"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultJournalRetention = 30
	defaultMQTTBroker       = "tcp://127.0.0.1:1883"
	defaultMQTTClientID     = "vdevd"
	defaultMQTTTopicPrefix  = "vdev/device"
	defaultMQTTQoS          = 1
	defaultMQTTTimeout      = 5
)

// MetadataPrefix is the metadata tree location relative to the mountpoint.
const MetadataPrefix = "metadata/dev"

// Backends lists the accepted daemon.backend values.
var Backends = []string{"netlink", "devfs"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			Mountpoint:  defaultMountpoint,
			ActionsDir:  defaultActionsDir,
			HelpersDir:  defaultHelpersDir,
			FirmwareDir: defaultFirmwareDir,
			StateDir:    defaultStateDir,
			PIDFile:     defaultPIDFile,
			LockFile:    defaultLockFile,
		},
		Daemon: Daemon{
			Backend:     defaultBackend,
			Foreground:  true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Journal: Journal{
			Enabled:       true,
			RetentionDays: defaultJournalRetention,
		},
		MQTT: MQTT{
			Broker:         defaultMQTTBroker,
			ClientID:       defaultMQTTClientID,
			TopicPrefix:    defaultMQTTTopicPrefix,
			QoS:            defaultMQTTQoS,
			TimeoutSeconds: defaultMQTTTimeout,
		},
	}
}
