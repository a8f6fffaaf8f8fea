// Package config loads the settings of a huddle node from a YAML file and
// HUDDLE_* environment variables, environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirkobrombin/go-huddle/v1/coord"
	"github.com/mirkobrombin/go-huddle/v1/logger"
)

// Supported bus backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
	BackendMesh   = "mesh"
)

// ErrUnknownBackend is returned for a backend name that is not supported.
var ErrUnknownBackend = errors.New("config: unknown backend")

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

type MeshConfig struct {
	Port      int      `yaml:"port"`
	Group     string   `yaml:"group"`
	Interface string   `yaml:"interface"`
	Peers     []string `yaml:"peers"`
}

// BreakerConfig wraps the bus in a circuit breaker when Threshold is positive.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full configuration of a huddle node.
type Config struct {
	Backend           string        `yaml:"backend"`
	Channel           string        `yaml:"channel"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	InstanceTimeout   time.Duration `yaml:"instance_timeout"`
	MaxInstances      int           `yaml:"max_instances"`
	DefaultLease      time.Duration `yaml:"default_lease"`
	Foreground        bool          `yaml:"foreground"`
	Trace             bool          `yaml:"trace"`

	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Mesh    MeshConfig    `yaml:"mesh"`
	Breaker BreakerConfig `yaml:"breaker"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     logger.Config `yaml:"log"`
}

// Default returns a configuration for a standalone in-memory node.
func Default() Config {
	cc := coord.DefaultConfig()
	return Config{
		Backend:           BackendMemory,
		Channel:           cc.Channel,
		HeartbeatInterval: cc.HeartbeatInterval,
		InstanceTimeout:   cc.InstanceTimeout,
		MaxInstances:      cc.MaxInstances,
		DefaultLease:      cc.DefaultLease,
		Foreground:        cc.Foreground,
		Redis:             RedisConfig{Addr: "localhost:6379"},
		NATS:              NATSConfig{URL: "nats://127.0.0.1:4222"},
		Kafka:             KafkaConfig{Brokers: []string{"localhost:9092"}},
		Mesh:              MeshConfig{Port: 7946, Group: "239.0.0.1"},
		Breaker:           BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
		HTTP:              HTTPConfig{Addr: ":8080"},
		Log:               logger.DefaultConfig("huddle"),
	}
}

// Load reads path (if not empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the backend name and the coordinator settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendNATS, BackendKafka, BackendMesh:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	return c.Coord().Validate()
}

// Coord returns the coordinator part of the configuration.
func (c Config) Coord() coord.Config {
	return coord.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		InstanceTimeout:   c.InstanceTimeout,
		MaxInstances:      c.MaxInstances,
		DefaultLease:      c.DefaultLease,
		Channel:           c.Channel,
		Foreground:        c.Foreground,
	}
}

func (c *Config) applyEnv() error {
	c.Backend = getEnv("HUDDLE_BACKEND", c.Backend)
	c.Channel = getEnv("HUDDLE_CHANNEL", c.Channel)
	c.MaxInstances = getEnvAsInt("HUDDLE_MAX_INSTANCES", c.MaxInstances)
	c.Foreground = getEnvAsBool("HUDDLE_FOREGROUND", c.Foreground)
	c.Trace = getEnvAsBool("HUDDLE_TRACE", c.Trace)

	var err error
	if c.HeartbeatInterval, err = getEnvAsDuration("HUDDLE_HEARTBEAT_INTERVAL", c.HeartbeatInterval); err != nil {
		return err
	}
	if c.InstanceTimeout, err = getEnvAsDuration("HUDDLE_INSTANCE_TIMEOUT", c.InstanceTimeout); err != nil {
		return err
	}
	if c.DefaultLease, err = getEnvAsDuration("HUDDLE_DEFAULT_LEASE", c.DefaultLease); err != nil {
		return err
	}
	if c.Breaker.Cooldown, err = getEnvAsDuration("HUDDLE_BREAKER_COOLDOWN", c.Breaker.Cooldown); err != nil {
		return err
	}
	c.Breaker.Threshold = getEnvAsInt("HUDDLE_BREAKER_THRESHOLD", c.Breaker.Threshold)

	c.Redis.Addr = getEnv("HUDDLE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("HUDDLE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("HUDDLE_REDIS_DB", c.Redis.DB)
	c.NATS.URL = getEnv("HUDDLE_NATS_URL", c.NATS.URL)
	c.Kafka.Brokers = getEnvAsList("HUDDLE_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Mesh.Port = getEnvAsInt("HUDDLE_MESH_PORT", c.Mesh.Port)
	c.Mesh.Group = getEnv("HUDDLE_MESH_GROUP", c.Mesh.Group)
	c.Mesh.Interface = getEnv("HUDDLE_MESH_INTERFACE", c.Mesh.Interface)
	c.Mesh.Peers = getEnvAsList("HUDDLE_MESH_PEERS", c.Mesh.Peers)
	c.HTTP.Addr = getEnv("HUDDLE_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("HUDDLE_LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnv("HUDDLE_LOG_ENCODING", c.Log.Encoding)
	c.Log.OutputPath = getEnv("HUDDLE_LOG_OUTPUT", c.Log.OutputPath)
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	valueStr, ok := os.LookupEnv(key)
	if !ok || valueStr == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
