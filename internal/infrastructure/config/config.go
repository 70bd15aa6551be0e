package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-lcn/internal/bridges/lcn/pck"
)

// Config is the root configuration structure for the LCN bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Protocols ProtocolsConfig `yaml:"protocols"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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
	MaxAttempts  int `yaml:"max_attempts"`
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
	Format string `yaml:"format"` // json, text or console
	Output string `yaml:"output"` // stdout or stderr
}

// ProtocolsConfig contains protocol bridge settings.
type ProtocolsConfig struct {
	LCN LCNConfig `yaml:"lcn"`
}

// LCNConfig contains the LCN bridge settings.
type LCNConfig struct {
	Enabled bool `yaml:"enabled"`

	// TickIntervalMS is how often module schedulers may transmit.
	// Default: 250
	TickIntervalMS int `yaml:"tick_interval_ms"`

	// HealthInterval is the health publishing period in seconds.
	// Default: 30
	HealthInterval int `yaml:"health_interval"`

	Gateways []LCNGatewayConfig `yaml:"gateways"`
}

// LCNGatewayConfig describes one PCK gateway. Zero timing values use the
// bridge defaults.
type LCNGatewayConfig struct {
	ID string `yaml:"id"`

	// Connection is "tcp://host:port" or "serial:///dev/ttyUSB0?baud=9600".
	Connection string `yaml:"connection"`

	// Username and Password answer the PCHK login. Leave Username empty for
	// couplers without a login.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ConnectionTimeoutMS int `yaml:"connection_timeout_ms"`
	RequestTimeoutMS    int `yaml:"request_timeout_ms"`
	MaxRetries          int `yaml:"max_retries"`
	PollIntervalFastMS  int `yaml:"poll_interval_fast_ms"`
	PollIntervalSlowMS  int `yaml:"poll_interval_slow_ms"`
	ReconnectIntervalMS int `yaml:"reconnect_interval_ms"`

	// Modules lists the module addresses to poll, e.g. "S000M005".
	Modules []string `yaml:"modules"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_MQTT_HOST
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
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/lcnbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-lcn",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Protocols: ProtocolsConfig{
			LCN: LCNConfig{
				Enabled:        true,
				TickIntervalMS: 250,
				HealthInterval: 30,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GRAYLOGIC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// LCN - the shared PCHK password fills gateways that leave it blank
	if v := os.Getenv("GRAYLOGIC_LCN_PASSWORD"); v != "" {
		for i := range cfg.Protocols.LCN.Gateways {
			if cfg.Protocols.LCN.Gateways[i].Password == "" {
				cfg.Protocols.LCN.Gateways[i].Password = v
			}
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, "logging.format must be json, text or console")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.Protocols.LCN.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (l LCNConfig) validate() []string {
	if !l.Enabled {
		return nil
	}
	var errs []string
	if len(l.Gateways) == 0 {
		errs = append(errs, "protocols.lcn.gateways must list at least one gateway")
	}
	if l.TickIntervalMS < 0 || l.HealthInterval < 0 {
		errs = append(errs, "protocols.lcn intervals must not be negative")
	}

	seen := make(map[string]bool, len(l.Gateways))
	for i, gw := range l.Gateways {
		prefix := fmt.Sprintf("protocols.lcn.gateways[%d]", i)
		switch {
		case gw.ID == "":
			errs = append(errs, prefix+".id is required")
		case strings.ContainsAny(gw.ID, "/+#"):
			errs = append(errs, prefix+".id must not contain MQTT topic characters")
		case seen[gw.ID]:
			errs = append(errs, prefix+": duplicate id "+gw.ID)
		}
		seen[gw.ID] = true

		if gw.Connection == "" {
			errs = append(errs, prefix+".connection is required")
		}
		if gw.ConnectionTimeoutMS < 0 || gw.RequestTimeoutMS < 0 || gw.MaxRetries < 0 ||
			gw.PollIntervalFastMS < 0 || gw.PollIntervalSlowMS < 0 || gw.ReconnectIntervalMS < 0 {
			errs = append(errs, prefix+": timing values must not be negative")
		}

		modules := make(map[pck.ModuleAddress]bool, len(gw.Modules))
		for _, m := range gw.Modules {
			addr, err := pck.ParseModuleAddress(m)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s.modules: %v", prefix, err))
				continue
			}
			if modules[addr] {
				errs = append(errs, fmt.Sprintf("%s.modules: duplicate %s", prefix, addr))
			}
			modules[addr] = true
		}
	}
	return errs
}

// TickInterval returns the scheduler tick as a Duration.
func (l LCNConfig) TickInterval() time.Duration {
	return time.Duration(l.TickIntervalMS) * time.Millisecond
}

// HealthPeriod returns the health publishing period as a Duration.
func (l LCNConfig) HealthPeriod() time.Duration {
	return time.Duration(l.HealthInterval) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ConnectionTimeout returns the handshake step and bus wait timeout.
func (g LCNGatewayConfig) ConnectionTimeout() time.Duration { return millis(g.ConnectionTimeoutMS) }

// RequestTimeout returns how long a status request may go unanswered.
func (g LCNGatewayConfig) RequestTimeout() time.Duration { return millis(g.RequestTimeoutMS) }

// PollIntervalFast returns the polling period of non-event categories.
func (g LCNGatewayConfig) PollIntervalFast() time.Duration { return millis(g.PollIntervalFastMS) }

// PollIntervalSlow returns the polling period of event-based variables.
func (g LCNGatewayConfig) PollIntervalSlow() time.Duration { return millis(g.PollIntervalSlowMS) }

// ReconnectInterval returns the first delay between connection attempts.
func (g LCNGatewayConfig) ReconnectInterval() time.Duration { return millis(g.ReconnectIntervalMS) }
