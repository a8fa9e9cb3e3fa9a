// Package config loads the server configuration from a yaml file with
// environment overrides for deployment targets that only speak env vars.
package config

import (
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Hub      HubConfig      `yaml:"hub"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty: in-memory store (dev only)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty: no Redis bus
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PubSubConfig selects the GCP Pub/Sub bus instead of Redis when ProjectID
// is set. Redis wins when both are configured.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type HubConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// Load reads the yaml file at path (a missing file is fine, defaults apply)
// and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.PubSub.Topic = "acrosshouse-events"

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		cfg.PubSub.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		cfg.PubSub.Topic = v
	}
	if v := os.Getenv("HUB_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Hub.QueueSize = n
		}
	}
}
