package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Poll interval bounds (seconds). The vendor throttles accounts that poll
// faster than once a minute.
const (
	MinPollInterval     = 60
	MaxPollInterval     = 600
	DefaultPollInterval = 60
)

// DefaultAppVersion is the X-APP-VERSION sent until the vendor asks for a newer one.
const DefaultAppVersion = "1.7.0"

// Config is the root configuration structure for the Comfort Cloud bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge       BridgeConfig       `yaml:"bridge"`
	ComfortCloud ComfortCloudConfig `yaml:"comfort_cloud"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Security     SecurityConfig     `yaml:"security"`
}

// BridgeConfig contains bridge identity and health reporting settings.
type BridgeConfig struct {
	// ID identifies this bridge instance in MQTT topics and health messages.
	ID string `yaml:"id"`

	// DeviceID is the identifier the appliance is published under.
	// Default: "heatpump"
	DeviceID string `yaml:"device_id"`

	// HealthInterval is how often to publish health status (seconds).
	HealthInterval int `yaml:"health_interval"`
}

// ComfortCloudConfig contains the vendor account and polling settings.
type ComfortCloudConfig struct {
	// Email is the Comfort Cloud login.
	Email string `yaml:"email"`

	// Password for the Comfort Cloud account.
	// WARNING: Never log this value. Use String() method for safe logging.
	Password string `yaml:"password"`

	// GroupIndex selects the group in the account listing (1-based).
	GroupIndex int `yaml:"group_index"`

	// DeviceIndex selects the device within the group (1-based).
	DeviceIndex int `yaml:"device_index"`

	// PollInterval is the telemetry polling interval (seconds, 60-600).
	PollInterval int `yaml:"poll_interval"`

	// Debug enables verbose logging of the session and sync cycle.
	Debug bool `yaml:"debug"`

	// BaseURL is the vendor API root. Only changed for testing.
	BaseURL string `yaml:"base_url"`

	// VersionLookupURL returns the current mobile app version.
	VersionLookupURL string `yaml:"version_lookup_url"`

	// AppVersion seeds the X-APP-VERSION header.
	AppVersion string `yaml:"app_version"`

	// RequestTimeout bounds each vendor HTTP call (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// DryFanAction is the action reported in dry and fan modes:
	// "idle", "cooling" or "heating". Default: "idle"
	DryFanAction string `yaml:"dry_fan_action"`
}

// String returns a string representation with password masked.
func (c ComfortCloudConfig) String() string {
	password := ""
	if c.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("ComfortCloudConfig{Email:%q, Password:%s, GroupIndex:%d, DeviceIndex:%d, PollInterval:%d}",
		c.Email, password, c.GroupIndex, c.DeviceIndex, c.PollInterval)
}

// MarshalJSON implements json.Marshaler to redact the password in JSON output.
func (c ComfortCloudConfig) MarshalJSON() ([]byte, error) {
	type redacted ComfortCloudConfig
	safe := redacted(c)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket notification stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter selects where spans go: "stdout" or "none".
	Exporter string `yaml:"exporter"`

	// SamplingRate is the fraction of root spans kept (0.0-1.0).
	SamplingRate float64 `yaml:"sampling_rate"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: COMFORTCLOUD_SECTION_KEY
// For example: COMFORTCLOUD_PASSWORD, COMFORTCLOUD_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "comfortcloud-01",
			DeviceID:       "heatpump",
			HealthInterval: 30,
		},
		ComfortCloud: ComfortCloudConfig{
			GroupIndex:       1,
			DeviceIndex:      1,
			PollInterval:     DefaultPollInterval,
			BaseURL:          "https://accsmart.panasonic.com",
			VersionLookupURL: "https://itunes.apple.com/lookup?id=1348640525",
			AppVersion:       DefaultAppVersion,
			RequestTimeout:   15,
			DryFanAction:     "idle",
		},
		Database: DatabaseConfig{
			Path:        "./data/comfortcloud.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "comfortcloud-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60 * 24 * 30,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: COMFORTCLOUD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Account
	if v := os.Getenv("COMFORTCLOUD_EMAIL"); v != "" {
		cfg.ComfortCloud.Email = v
	}
	if v := os.Getenv("COMFORTCLOUD_PASSWORD"); v != "" {
		cfg.ComfortCloud.Password = v
	}
	if v, ok := envInt("COMFORTCLOUD_GROUP_INDEX"); ok {
		cfg.ComfortCloud.GroupIndex = v
	}
	if v, ok := envInt("COMFORTCLOUD_DEVICE_INDEX"); ok {
		cfg.ComfortCloud.DeviceIndex = v
	}
	if v, ok := envInt("COMFORTCLOUD_POLL_INTERVAL"); ok {
		cfg.ComfortCloud.PollInterval = v
	}
	if v := os.Getenv("COMFORTCLOUD_DEBUG"); v != "" {
		cfg.ComfortCloud.Debug = v == "1" || strings.EqualFold(v, "true")
	}

	// Database
	if v := os.Getenv("COMFORTCLOUD_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("COMFORTCLOUD_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("COMFORTCLOUD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("COMFORTCLOUD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("COMFORTCLOUD_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("COMFORTCLOUD_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Tracing
	if v := os.Getenv("COMFORTCLOUD_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = v == "1" || strings.EqualFold(v, "true")
	}

	// Security
	if v := os.Getenv("COMFORTCLOUD_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// envInt reads an integer environment variable. Unparseable values are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.DeviceID == "" {
		errs = append(errs, "bridge.device_id is required")
	}

	// Account validation
	if c.ComfortCloud.Email == "" {
		errs = append(errs, "comfort_cloud.email is required (or set COMFORTCLOUD_EMAIL)")
	}
	if c.ComfortCloud.Password == "" {
		errs = append(errs, "comfort_cloud.password is required (or set COMFORTCLOUD_PASSWORD)")
	}
	if c.ComfortCloud.GroupIndex < 1 {
		errs = append(errs, "comfort_cloud.group_index must be 1 or greater")
	}
	if c.ComfortCloud.DeviceIndex < 1 {
		errs = append(errs, "comfort_cloud.device_index must be 1 or greater")
	}
	if c.ComfortCloud.PollInterval < MinPollInterval || c.ComfortCloud.PollInterval > MaxPollInterval {
		errs = append(errs, fmt.Sprintf("comfort_cloud.poll_interval must be between %d and %d seconds",
			MinPollInterval, MaxPollInterval))
	}
	switch c.ComfortCloud.DryFanAction {
	case "", "idle", "cooling", "heating":
	default:
		errs = append(errs, "comfort_cloud.dry_fan_action must be idle, cooling or heating")
	}
	if c.ComfortCloud.BaseURL == "" {
		errs = append(errs, "comfort_cloud.base_url is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "none":
		default:
			errs = append(errs, "tracing.exporter must be stdout or none")
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			errs = append(errs, "tracing.sampling_rate must be between 0 and 1")
		}
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// The API can switch the appliance, so it never runs unauthenticated.
		const minJWTSecretLength = 32
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required when the API is enabled (set COMFORTCLOUD_JWT_SECRET)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetPollInterval returns the telemetry poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.ComfortCloud.PollInterval) * time.Second
}

// GetRequestTimeout returns the vendor request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.ComfortCloud.RequestTimeout) * time.Second
}

// GetHealthInterval returns the health publish interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
