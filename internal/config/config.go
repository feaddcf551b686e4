// Package config loads relay and agent settings from an optional YAML file
// and the environment. Environment variables win over the file; command-line
// flags are applied on top by the binaries.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	Relay    Relay  `yaml:"relay"`
	Agent    Agent  `yaml:"agent"`
}

// Relay configures the relay server. Empty backend settings select the
// in-process implementations.
type Relay struct {
	ListenAddr     string `yaml:"listen_addr"`
	RedisAddr      string `yaml:"redis_addr"`
	DatabaseURL    string `yaml:"database_url"`
	MaxConnections int    `yaml:"max_connections"`
	Advertise      bool   `yaml:"advertise"`
	Instance       string `yaml:"instance"`
	S3             S3     `yaml:"s3"`
}

// S3 configures canvas snapshot storage.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type Agent struct {
	RelayURL    string `yaml:"relay_url"`
	UserID      string `yaml:"user_id"`
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name"`
	DataDir     string `yaml:"data_dir"`
}

// Default returns the built-in settings.
func Default() Config {
	dataDir := ".storysync"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".storysync")
	}
	return Config{
		LogLevel: "info",
		Relay: Relay{
			ListenAddr:     ":8081",
			MaxConnections: 10,
			S3:             S3{Prefix: "canvas/"},
		},
		Agent: Agent{
			RelayURL: "http://localhost:8081",
			DataDir:  dataDir,
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)

	str("LISTEN_ADDR", &c.Relay.ListenAddr)
	str("REDIS_ADDR", &c.Relay.RedisAddr)
	str("DATABASE_URL", &c.Relay.DatabaseURL)
	str("S3_BUCKET", &c.Relay.S3.Bucket)
	str("S3_PREFIX", &c.Relay.S3.Prefix)
	str("S3_REGION", &c.Relay.S3.Region)
	str("S3_ENDPOINT", &c.Relay.S3.Endpoint)
	str("AWS_ACCESS_KEY_ID", &c.Relay.S3.AccessKey)
	str("AWS_SECRET_ACCESS_KEY", &c.Relay.S3.SecretKey)
	if v, ok := lookup("MAX_CONNECTIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("MAX_CONNECTIONS: want a positive integer, got %q", v)
		}
		c.Relay.MaxConnections = n
	}
	if v, ok := lookup("MDNS_ADVERTISE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MDNS_ADVERTISE: %w", err)
		}
		c.Relay.Advertise = b
	}

	str("RELAY_URL", &c.Agent.RelayURL)
	str("STORYSYNC_USER_ID", &c.Agent.UserID)
	str("STORYSYNC_USERNAME", &c.Agent.Username)
	str("STORYSYNC_DISPLAY_NAME", &c.Agent.DisplayName)
	str("STORYSYNC_DATA_DIR", &c.Agent.DataDir)
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// Logger builds the process logger writing text records to stderr.
func (c Config) Logger() (*slog.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// WebsocketURL converts an http(s) relay root into its ws(s) form.
func WebsocketURL(relay string) (string, error) {
	switch {
	case strings.HasPrefix(relay, "https://"):
		return "wss://" + strings.TrimPrefix(relay, "https://"), nil
	case strings.HasPrefix(relay, "http://"):
		return "ws://" + strings.TrimPrefix(relay, "http://"), nil
	case strings.HasPrefix(relay, "ws://"), strings.HasPrefix(relay, "wss://"):
		return relay, nil
	}
	return "", errors.New("relay url must start with http://, https://, ws:// or wss://")
}
