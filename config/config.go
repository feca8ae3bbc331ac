package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

const (
	StoreMemory  = "memory"
	StoreLevelDB = "leveldb"
	StoreRedis   = "redis"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the configuration shared by the registry and peer subcommands
type Config struct {
	// Default config file location
	configFile string

	// Registry settings are used by the "registry" subcommand
	Registry struct {
		Listen string `json:"listen"`
		Store  string `json:"store"` // memory, leveldb or redis

		LevelDB struct {
			Path string `json:"path"`
		} `json:"leveldb"`

		Redis struct {
			Addr        string   `json:"addr"`
			DB          int      `json:"db"`
			DialTimeout Duration `json:"dial_timeout"`
		} `json:"redis"`

		LivenessWindow Duration `json:"liveness_window"`
		Retention      Duration `json:"retention"`
		MetricsEnabled bool     `json:"metrics"`
	} `json:"registry"`

	// Peer settings are used by the "peer" subcommand
	Peer struct {
		Server           string   `json:"server"`
		Username         string   `json:"username"`
		Port             int      `json:"port"`
		AdvertiseIP      string   `json:"advertise_ip"` // Detected from the interfaces when empty
		Heartbeat        Duration `json:"heartbeat"`    // Re-registration period, 0 disables it
		RegisterAttempts int      `json:"register_attempts"`
		RegisterBackoff  Duration `json:"register_backoff"`
		MetricsListen    string   `json:"metrics_listen"`
	} `json:"peer"`

	// Session settings tune the direct TCP sessions between peers
	Session struct {
		PollInterval     Duration `json:"poll_interval"`
		DialTimeout      Duration `json:"dial_timeout"`
		HandshakeTimeout Duration `json:"handshake_timeout"`
	} `json:"session"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Registry.Listen = ":5000"
	cfg.Registry.Store = StoreRedis
	cfg.Registry.LevelDB.Path = "/tmp/peerlink/registry"
	cfg.Registry.Redis.Addr = "redis:6379"
	cfg.Registry.Redis.DB = 0
	cfg.Registry.Redis.DialTimeout = Duration(3 * time.Second)
	cfg.Registry.LivenessWindow = Duration(300 * time.Second)
	cfg.Registry.Retention = Duration(time.Hour)
	cfg.Registry.MetricsEnabled = true

	cfg.Peer.Server = "http://stun-server:5000"
	cfg.Peer.Port = 5001
	cfg.Peer.RegisterAttempts = 10
	cfg.Peer.RegisterBackoff = Duration(2 * time.Second)

	cfg.Session.PollInterval = Duration(time.Second)
	cfg.Session.DialTimeout = Duration(10 * time.Second)
	cfg.Session.HandshakeTimeout = Duration(5 * time.Second)

	return cfg
}

// NewConfigFromFile loads configFile over the defaults. An empty path yields the defaults.
// Environment overrides are applied on top in both cases.
func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if configFile != "" {
		if err := cfg.Load(); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// ApplyEnv overrides settings from REDIS_HOST, REDIS_PORT, REDIS_DB and STUN_SERVER.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	host, port, err := net.SplitHostPort(c.Registry.Redis.Addr)
	if err != nil {
		host, port = c.Registry.Redis.Addr, "6379"
	}

	if v, ok := lookup("REDIS_HOST"); ok && v != "" {
		host = v
	}
	if v, ok := lookup("REDIS_PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("%w: REDIS_PORT=%q", ErrInvalidConfig, v)
		}
		port = v
	}
	c.Registry.Redis.Addr = net.JoinHostPort(host, port)

	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: REDIS_DB=%q", ErrInvalidConfig, v)
		}
		c.Registry.Redis.DB = db
	}

	if v, ok := lookup("STUN_SERVER"); ok && v != "" {
		c.Peer.Server = v
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.Registry.Store {
	case StoreMemory, StoreLevelDB, StoreRedis:
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Registry.Store)
	}
	if c.Registry.Store == StoreLevelDB && c.Registry.LevelDB.Path == "" {
		return fmt.Errorf("%w: leveldb store needs a path", ErrInvalidConfig)
	}
	if c.Peer.Port < 0 || c.Peer.Port > 65535 {
		return fmt.Errorf("%w: peer port %d out of range", ErrInvalidConfig, c.Peer.Port)
	}
	if c.Peer.RegisterAttempts < 1 {
		return fmt.Errorf("%w: register_attempts must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.configFile, err)
	}

	return nil
}
