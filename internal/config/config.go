package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix is prepended to environment overrides, e.g. PROVISION_DB_PATH.
const envPrefix = "PROVISION"

// Config is the full service configuration.
type Config struct {
	Port         string             `mapstructure:"port"`
	LogLevel     string             `mapstructure:"log_level"`
	DB           DBConfig           `mapstructure:"db"`
	Auth         AuthConfig         `mapstructure:"auth"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Toolchain    ToolchainConfig    `mapstructure:"toolchain"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Device       DeviceConfig       `mapstructure:"device"`
	MQTT         MQTTConfig         `mapstructure:"mqtt"`
	InfluxDB     InfluxDBConfig     `mapstructure:"influxdb"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// ProvisioningConfig tunes the queue worker and statistics.
type ProvisioningConfig struct {
	HistoryCapacity int           `mapstructure:"history_capacity"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	WaitInterval    time.Duration `mapstructure:"wait_interval"`
	SkipClean       bool          `mapstructure:"skip_clean"`
}

// ToolchainConfig locates the vendor tools used by the phase functions.
type ToolchainConfig struct {
	IDFPath         string        `mapstructure:"idf_path"`
	Python          string        `mapstructure:"python"`
	EsptoolPath     string        `mapstructure:"esptool_path"`
	RegistrationURL string        `mapstructure:"registration_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// WorkspaceConfig locates the per-device build directories. ProjectPath,
// when set, seeds the project template on startup; workspaces older than
// MaxAge are removed on startup when MaxAge > 0.
type WorkspaceConfig struct {
	BasePath        string        `mapstructure:"base_path"`
	ProjectPath     string        `mapstructure:"project_path"`
	CleanupOnRemove bool          `mapstructure:"cleanup_on_remove"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type DeviceConfig struct {
	ClientType    string `mapstructure:"client_type"`
	DeviceVersion string `mapstructure:"device_version"`
	NamePrefix    string `mapstructure:"name_prefix"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
}

type InfluxDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// Load reads config.yml from the given search paths (configs/ and . when
// none are given), applies defaults and PROVISION_* environment overrides.
// A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if len(paths) == 0 {
		paths = []string{"configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Provisioning.HistoryCapacity <= 0 {
		return fmt.Errorf("provisioning.history_capacity must be > 0, got %d", c.Provisioning.HistoryCapacity)
	}
	if c.Provisioning.PollInterval <= 0 {
		return errors.New("provisioning.poll_interval must be > 0")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return errors.New("influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("db.path", "provisioning.db")

	v.SetDefault("auth.signing_key", "change-me")
	v.SetDefault("auth.token_ttl", time.Hour)

	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 0)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("provisioning.history_capacity", 1000)
	v.SetDefault("provisioning.poll_interval", time.Second)
	v.SetDefault("provisioning.stop_timeout", 5*time.Second)
	v.SetDefault("provisioning.wait_interval", 500*time.Millisecond)
	v.SetDefault("provisioning.skip_clean", true)

	v.SetDefault("toolchain.python", "python3")
	v.SetDefault("toolchain.esptool_path", "esptool.py")
	v.SetDefault("toolchain.request_timeout", 30*time.Second)

	v.SetDefault("workspace.base_path", ".")
	v.SetDefault("workspace.cleanup_on_remove", true)
	v.SetDefault("workspace.max_age", 24*time.Hour)

	v.SetDefault("device.client_type", "esp32")
	v.SetDefault("device.device_version", "1.0.0")
	v.SetDefault("device.name_prefix", "device")

	v.SetDefault("mqtt.client_id", "device-provisioner")
	v.SetDefault("mqtt.topic_prefix", "provisioning")
	v.SetDefault("mqtt.qos", 1)
}
