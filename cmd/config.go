package cmd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Organization OrganizationConfig `mapstructure:"organization"`
	KPI          KPIConfig          `mapstructure:"kpi"`
	Generation   GenerationConfig   `mapstructure:"generation"`
	AI           AIConfig           `mapstructure:"ai"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Client       ClientConfig       `mapstructure:"client"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type OrganizationConfig struct {
	SourceFile string        `mapstructure:"source-file"`
	TTL        time.Duration `mapstructure:"ttl"`
}

type KPIConfig struct {
	Dir            string              `mapstructure:"dir"`
	DefaultDataset string              `mapstructure:"default-dataset"`
	Aliases        map[string][]string `mapstructure:"aliases"`
}

type GenerationConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxAttempts        int           `mapstructure:"max-attempts"`
	RetryDelay         time.Duration `mapstructure:"retry-delay"`
	EstimatedDuration  time.Duration `mapstructure:"estimated-duration"`
	DefaultConcurrency int           `mapstructure:"default-concurrency"`
	MaxConcurrency     int           `mapstructure:"max-concurrency"`
	// Retention drops finished tasks and batches after this long. Zero keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
}

type AIConfig struct {
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
	OpenAI   *OpenAIConfig `mapstructure:"openai"`
}

type GeminiConfig struct {
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

type OpenAIConfig struct {
	APIKeyFile   string  `mapstructure:"api-key-file"`
	Model        string  `mapstructure:"model"`
	BaseURL      string  `mapstructure:"base-url"`
	Temperature  float32 `mapstructure:"temperature"`
	MaxLogLength int     `mapstructure:"max-log-length"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	Mongo  MongoConfig  `mapstructure:"mongo"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type ClientConfig struct {
	Server          string        `mapstructure:"server"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	PollMaxInterval time.Duration `mapstructure:"poll-max-interval"`
}

// setDefaults registers every key so env-only configuration is picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("organization.source-file", "")
	v.SetDefault("organization.ttl", 24*time.Hour)

	v.SetDefault("kpi.dir", "")
	v.SetDefault("kpi.default-dataset", "")
	v.SetDefault("kpi.aliases", map[string][]string{})

	v.SetDefault("generation.timeout", 120*time.Second)
	v.SetDefault("generation.max-attempts", 2)
	v.SetDefault("generation.retry-delay", 2*time.Second)
	v.SetDefault("generation.estimated-duration", 60*time.Second)
	v.SetDefault("generation.default-concurrency", 3)
	v.SetDefault("generation.max-concurrency", 10)
	v.SetDefault("generation.retention", 24*time.Hour)

	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.gemini.api-key-file", "")
	v.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	v.SetDefault("ai.gemini.max-log-length", 2000)
	v.SetDefault("ai.openai.api-key-file", "")
	v.SetDefault("ai.openai.model", "")
	v.SetDefault("ai.openai.base-url", "")
	v.SetDefault("ai.openai.temperature", 0.2)
	v.SetDefault("ai.openai.max-log-length", 2000)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.mongo.uri", "")
	v.SetDefault("storage.mongo.database", "profilegen")
	v.SetDefault("storage.mongo.collection", "profiles")
	v.SetDefault("storage.sqlite.path", "data/profilegen.db")

	v.SetDefault("client.server", "http://127.0.0.1:8080")
	v.SetDefault("client.poll-interval", 3*time.Second)
	v.SetDefault("client.poll-max-interval", 30*time.Second)
}

func getConfig() (*Config, error) {
	return loadConfig(viper.GetViper())
}

func loadConfig(v *viper.Viper) (*Config, error) {
	var config *Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	config.AI.Provider = strings.ToLower(strings.TrimSpace(config.AI.Provider))
	config.Storage.Driver = strings.ToLower(strings.TrimSpace(config.Storage.Driver))

	return config, nil
}
