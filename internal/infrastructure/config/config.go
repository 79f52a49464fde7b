package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by the bus, affinity and ingest sections.
const (
	BusLocal = "local"
	BusNATS  = "nats"
	BusMQTT  = "mqtt"

	AffinityMemory = "memory"
	AffinityRedis  = "redis"

	IngestInfluxDB = "influxdb"
	IngestSQLite   = "sqlite"
)

// Config is the root configuration structure for devicebus.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Bus       BusConfig       `yaml:"bus"`
	Affinity  AffinityConfig  `yaml:"affinity"`
	Ingest    IngestConfig    `yaml:"ingest"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig identifies this process within the gateway fleet.
type NodeConfig struct {
	// ID is the server id recorded in gateway affinity entries and used to
	// build this node's gateway-specific downstream topic.
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
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// UplinkFilter is the device-facing subscription fed into the upstream
	// pipeline, e.g. "/iot/+/+/#".
	UplinkFilter string `yaml:"uplink_filter"`

	// UplinkGroup, when set, turns the uplink subscription into a shared
	// subscription so each device message reaches one devicebus node.
	UplinkGroup string `yaml:"uplink_group"`

	// BusPrefix is the topic root used when MQTT backs the cluster bus.
	BusPrefix string `yaml:"bus_prefix"`
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

// NATSConfig contains NATS connection settings for the cluster bus.
type NATSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// RedisConfig contains Redis settings for the distributed affinity store.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Org          string        `yaml:"org"`
	Bucket       string        `yaml:"bucket"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BusConfig selects and tunes the message bus.
type BusConfig struct {
	Backend     string        `yaml:"backend"`
	QueueSize   int           `yaml:"queue_size"`
	PostTimeout time.Duration `yaml:"post_timeout"`

	// LocalShortcut delivers downstream messages in-process when the
	// resolved gateway is this node. The bus remains authoritative otherwise.
	LocalShortcut bool `yaml:"local_shortcut"`
}

// AffinityConfig tunes the gateway affinity store.
type AffinityConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// IngestConfig configures the time-series write path.
type IngestConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Backend      string        `yaml:"backend"`
	Group        string        `yaml:"group"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains settings for the bus tap WebSocket.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: DEVICEBUS_SECTION_KEY
// For example: DEVICEBUS_NODE_ID, DEVICEBUS_REDIS_ADDR
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config with sensible defaults: single node, in-process
// bus, in-memory affinity and SQLite ingest.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" || strings.ContainsAny(host, "/.") {
		host = "node-1"
	}

	return &Config{
		Node: NodeConfig{
			ID:   host,
			Name: "devicebus",
		},
		Database: DatabaseConfig{
			Path:        "./data/devicebus.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devicebus-" + host,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			UplinkFilter: "/iot/+/+/#",
			UplinkGroup:  "devicebus-uplink",
			BusPrefix:    "devicebus",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "devicebus",
			SubjectPrefix:  "devicebus",
			ConnectTimeout: 5 * time.Second,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			DrainTimeout:   10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		InfluxDB: InfluxDBConfig{
			URL:          "http://localhost:8086",
			Bucket:       "devicebus",
			WriteTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			Backend:     BusLocal,
			QueueSize:   256,
			PostTimeout: 2 * time.Second,
		},
		Affinity: AffinityConfig{
			Backend:       AffinityMemory,
			TTL:           90 * time.Second,
			LookupTimeout: 500 * time.Millisecond,
			SweepInterval: 30 * time.Second,
			KeyPrefix:     "devicebus:affinity:",
		},
		Ingest: IngestConfig{
			Enabled:      true,
			Backend:      IngestSQLite,
			Group:        "ingest",
			WriteTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: DEVICEBUS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Node
	if v := os.Getenv("DEVICEBUS_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}

	// Database
	if v := os.Getenv("DEVICEBUS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("DEVICEBUS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVICEBUS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVICEBUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// NATS
	if v := os.Getenv("DEVICEBUS_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("DEVICEBUS_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}

	// Redis
	if v := os.Getenv("DEVICEBUS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DEVICEBUS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DEVICEBUS_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	// InfluxDB
	if v := os.Getenv("DEVICEBUS_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("DEVICEBUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Backends
	if v := os.Getenv("DEVICEBUS_BUS_BACKEND"); v != "" {
		cfg.Bus.Backend = v
	}
	if v := os.Getenv("DEVICEBUS_AFFINITY_BACKEND"); v != "" {
		cfg.Affinity.Backend = v
	}
	if v := os.Getenv("DEVICEBUS_INGEST_BACKEND"); v != "" {
		cfg.Ingest.Backend = v
	}

	// API
	if v := os.Getenv("DEVICEBUS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DEVICEBUS_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}

	// Logging
	if v := os.Getenv("DEVICEBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Node validation - the id becomes a topic segment and a NATS token
	if c.Node.ID == "" {
		errs = append(errs, "node.id is required")
	} else if strings.ContainsAny(c.Node.ID, "/.*>+# ${}") {
		errs = append(errs, "node.id must be a single topic segment (no '/', '.', wildcards, placeholders or spaces)")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.Bus.Backend {
	case BusLocal:
	case BusNATS:
		if !c.NATS.Enabled {
			errs = append(errs, "bus.backend nats requires nats.enabled")
		}
	case BusMQTT:
		if !c.MQTT.Enabled {
			errs = append(errs, "bus.backend mqtt requires mqtt.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("bus.backend must be one of local, nats, mqtt (got %q)", c.Bus.Backend))
	}
	if c.Bus.QueueSize <= 0 {
		errs = append(errs, "bus.queue_size must be positive")
	}
	if c.Bus.PostTimeout <= 0 {
		errs = append(errs, "bus.post_timeout must be positive")
	}

	switch c.Affinity.Backend {
	case AffinityMemory:
	case AffinityRedis:
		if !c.Redis.Enabled {
			errs = append(errs, "affinity.backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("affinity.backend must be one of memory, redis (got %q)", c.Affinity.Backend))
	}
	// A memory store is private to one process, so other nodes on a shared
	// bus could never resolve this node's devices.
	if c.Bus.Backend != BusLocal && c.Affinity.Backend == AffinityMemory {
		errs = append(errs, fmt.Sprintf("bus.backend %s requires affinity.backend redis", c.Bus.Backend))
	}
	if c.Affinity.TTL <= 0 {
		errs = append(errs, "affinity.ttl must be positive")
	}
	if c.Affinity.LookupTimeout <= 0 {
		errs = append(errs, "affinity.lookup_timeout must be positive")
	}

	if c.Ingest.Enabled {
		switch c.Ingest.Backend {
		case IngestSQLite:
		case IngestInfluxDB:
			if !c.InfluxDB.Enabled {
				errs = append(errs, "ingest.backend influxdb requires influxdb.enabled")
			}
		default:
			errs = append(errs, fmt.Sprintf("ingest.backend must be one of influxdb, sqlite (got %q)", c.Ingest.Backend))
		}
		if c.Ingest.WriteTimeout <= 0 {
			errs = append(errs, "ingest.write_timeout must be positive")
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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
