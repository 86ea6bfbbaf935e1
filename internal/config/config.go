package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location for chatd.
const ConfigPath = "config.yaml"

// Directory backend names accepted in config.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port             string `yaml:"port"`
	LogLevel         string `yaml:"logLevel"`
	CooldownMillis   int    `yaml:"cooldownMillis"`
	Backlog          int    `yaml:"backlog"`
	DirectoryBackend string `yaml:"directoryBackend"`
	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	DatabaseURL      string `yaml:"databaseURL"`
	SessionSecret    string `yaml:"sessionSecret"`
	SessionTTLHours  int    `yaml:"sessionTtlHours"`
	MinioEndpoint    string `yaml:"minioEndpoint"`
	MinioAccessKey   string `yaml:"minioAccessKey"`
	MinioSecretKey   string `yaml:"minioSecretKey"`
	MinioBucket      string `yaml:"minioBucket"`
	MinioUseSSL      bool   `yaml:"minioUseSSL"`
	RatePerMinute    int    `yaml:"ratePerMinute"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.CooldownMillis == 0 {
		cfg.CooldownMillis = 3000
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = 50
	}
	if cfg.DirectoryBackend == "" {
		cfg.DirectoryBackend = BackendMemory
	}
	if cfg.SessionTTLHours == 0 {
		cfg.SessionTTLHours = 24
	}
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = 60
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.CooldownMillis < 500 || cfg.CooldownMillis > 3000 {
		return errors.New("config: cooldownMillis must be between 500 and 3000")
	}
	if cfg.Backlog < 0 {
		return errors.New("config: backlog must not be negative")
	}
	switch cfg.DirectoryBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis backend (set in config.yaml or REDIS_ADDR)")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres backend (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown directoryBackend %q", cfg.DirectoryBackend)
	}
	if cfg.SessionSecret == "" {
		return errors.New("config: sessionSecret is required (set in config.yaml or SESSION_SECRET)")
	}
	if cfg.MinioEndpoint != "" && (cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "") {
		return errors.New("config: minio access key, secret key and bucket are required when minioEndpoint is set")
	}
	return nil
}

// Cooldown returns the send cooldown as a duration.
func (c FileConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMillis) * time.Millisecond
}

// SessionTTL returns the session token lifetime.
func (c FileConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}
