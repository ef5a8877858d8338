package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources    []SourceSeed `yaml:"sources"`
	Enrichment Enrichment   `yaml:"enrichment"`
	Shopify    Shopify      `yaml:"shopify"`
	Scheduler  Scheduler    `yaml:"scheduler"`
	Output     Output       `yaml:"output"`
	Server     Server       `yaml:"server"`
	Logging    Logging      `yaml:"logging"`
}

// SourceSeed declares a source descriptor to ensure in the database at
// startup. Operators may add further sources at runtime.
type SourceSeed struct {
	Name     string `yaml:"name"`
	Adapter  string `yaml:"adapter"`
	URL      string `yaml:"url"`
	Schedule string `yaml:"schedule"`
}

type Enrichment struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	OllamaURL   string `yaml:"ollama_url"`
	OpenAIModel string `yaml:"openai_model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	MaxTokens   int    `yaml:"max_tokens"`
}

type Shopify struct {
	APIURL          string  `yaml:"api_url"`
	AccessTokenEnv  string  `yaml:"access_token_env"`
	MetaobjectType  string  `yaml:"metaobject_type"`
	BrandSuffix     string  `yaml:"brand_suffix"`
	DefaultCategory string  `yaml:"default_category"`
	RequestsPerSec  float64 `yaml:"requests_per_sec"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
}

type Scheduler struct {
	DefaultInterval string `yaml:"default_interval"`
	PublishInterval string `yaml:"publish_interval"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for beansd.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "beansd")
}

// DataDir returns the XDG data directory for beansd.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "beansd")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/beansd/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'beansd init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses, and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a Config, applying defaults and validating.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Enrichment: Enrichment{
			Provider:    "openai",
			Model:       "qwen2.5:7b",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o-2024-08-06",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   512,
		},
		Shopify: Shopify{
			AccessTokenEnv:  "SHOPIFY_ACCESS_TOKEN",
			MetaobjectType:  "news_articles",
			BrandSuffix:     "BEANS News",
			DefaultCategory: "Market",
			RequestsPerSec:  2,
			TimeoutSeconds:  30,
		},
		Scheduler: Scheduler{
			DefaultInterval: "1h",
			PublishInterval: "24h",
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Enrichment.Provider {
	case "ollama", "openai":
	default:
		return fmt.Errorf("enrichment.provider: unsupported value %q (expected ollama or openai)", c.Enrichment.Provider)
	}

	if _, err := time.ParseDuration(c.Scheduler.DefaultInterval); err != nil {
		return fmt.Errorf("scheduler.default_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Scheduler.PublishInterval); err != nil {
		return fmt.Errorf("scheduler.publish_interval: %w", err)
	}

	for _, s := range c.Sources {
		if s.Name == "" || s.Adapter == "" || s.URL == "" {
			return fmt.Errorf("sources: name, adapter, and url are all required (got %+v)", s)
		}
		if s.Schedule != "" {
			if _, err := time.ParseDuration(s.Schedule); err != nil {
				return fmt.Errorf("sources[%s].schedule: %w", s.Name, err)
			}
		}
	}

	if c.Shopify.RequestsPerSec <= 0 {
		return fmt.Errorf("shopify.requests_per_sec must be positive")
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DefaultSourceInterval returns the parsed default scrape interval.
func (c *Config) DefaultSourceInterval() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.DefaultInterval)
	return d
}

// PublishInterval returns the parsed global publish interval.
func (c *Config) PublishInterval() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.PublishInterval)
	return d
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
