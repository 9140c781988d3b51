package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv      = "AUTOPRESS_CONFIG"
	baseURLEnv         = "AUTOPRESS_BASE_URL"
	badgerPathEnv      = "AUTOPRESS_BADGER_PATH"
	redisAddrEnv       = "AUTOPRESS_REDIS_ADDR"
	publicDirEnv       = "AUTOPRESS_PUBLIC_DIR"
	serverAddrEnv      = "AUTOPRESS_ADDR"
	providerEnv        = "GENERATION_PROVIDER"
	apiKeyEnv          = "GENERATION_API_KEY"
	modelEnv           = "GENERATION_MODEL"
	maxArticlesEnv     = "GENERATION_MAX_ARTICLES"
	indexingCredsEnv   = "INDEXING_CREDENTIALS_FILE"
	trendsCountryEnv   = "TRENDS_COUNTRY"
	logLevelEnv        = "LOG_LEVEL"
	defaultDotEnvFile  = ".env"
	defaultPublicDir   = "./public"
	defaultUploadsPath = "/uploads"
)

// Config holds every setting of the service.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Public     PublicConfig     `yaml:"public"`
	Trends     TrendsConfig     `yaml:"trends"`
	Generation GenerationConfig `yaml:"generation"`
	Images     ImagesConfig     `yaml:"images"`
	Categories CategoriesConfig `yaml:"categories"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SiteConfig describes the public site articles are published under.
type SiteConfig struct {
	BaseURL     string `yaml:"baseUrl"`
	Name        string `yaml:"name"`
	Language    string `yaml:"language"`
	Description string `yaml:"description"`
}

type StorageConfig struct {
	BadgerPath string `yaml:"badgerPath"`
	// RedisAddr is optional; without it runs are serialized in-process only
	// and the job queue is unavailable.
	RedisAddr string        `yaml:"redisAddr"`
	LockTTL   time.Duration `yaml:"lockTtl"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PublicConfig is where derived files are written and served from.
type PublicConfig struct {
	Dir         string `yaml:"dir"`
	UploadsPath string `yaml:"uploadsPath"`
}

type TrendsConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Country    string        `yaml:"country"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	Timeout    time.Duration `yaml:"timeout"`
}

type GenerationConfig struct {
	// Provider is one of openai, anthropic, gemini.
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"apiKey"`
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxArticlesPerRun int           `yaml:"maxArticlesPerRun"`
	DefaultCategories []string      `yaml:"defaultCategories"`
}

type ImagesConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SearchEndpoint string        `yaml:"searchEndpoint"`
	ExcludeHost    string        `yaml:"excludeHost"`
	MaxBytes       int64         `yaml:"maxBytes"`
	Timeout        time.Duration `yaml:"timeout"`
}

type CategoriesConfig struct {
	MatchThreshold float64 `yaml:"matchThreshold"`
}

type IndexingConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	CredentialsFile string        `yaml:"credentialsFile"`
	Timeout         time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(defaultDotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", defaultDotEnvFile, err)
	}

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		// Unmarshalling over the defaults keeps every field the file omits.
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Site.BaseURL) == "" {
		return errors.New("config: site.baseUrl is required")
	}
	if c.Generation.MaxArticlesPerRun <= 0 {
		return errors.New("config: generation.maxArticlesPerRun must be positive")
	}
	if c.Categories.MatchThreshold < 0 || c.Categories.MatchThreshold > 1 {
		return errors.New("config: categories.matchThreshold must be within [0,1]")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(baseURLEnv); v != "" {
		c.Site.BaseURL = v
	}
	if v := os.Getenv(badgerPathEnv); v != "" {
		c.Storage.BadgerPath = v
	}
	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv(publicDirEnv); v != "" {
		c.Public.Dir = v
	}
	if v := os.Getenv(serverAddrEnv); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(providerEnv); v != "" {
		c.Generation.Provider = v
	}
	if v := os.Getenv(apiKeyEnv); v != "" {
		c.Generation.APIKey = v
	}
	if v := os.Getenv(modelEnv); v != "" {
		c.Generation.Model = v
	}
	if v := os.Getenv(maxArticlesEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Generation.MaxArticlesPerRun = n
		}
	}
	if v := os.Getenv(indexingCredsEnv); v != "" {
		c.Indexing.CredentialsFile = v
	}
	if v := os.Getenv(trendsCountryEnv); v != "" {
		c.Trends.Country = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

// Default returns a configuration that runs locally without external files.
func Default() Config {
	return Config{
		Site: SiteConfig{
			BaseURL:     "http://localhost:8080",
			Name:        "Autopress",
			Language:    "ro",
			Description: "Articole generate automat din subiectele zilei",
		},
		Storage: StorageConfig{
			BadgerPath: "./badger-data",
			LockTTL:    30 * time.Minute,
		},
		Server: ServerConfig{Addr: ":8080"},
		Public: PublicConfig{
			Dir:         defaultPublicDir,
			UploadsPath: defaultUploadsPath,
		},
		Trends: TrendsConfig{
			Endpoint:   "https://trends.google.com/_/TrendsUi/data/batchexecute",
			Country:    "RO",
			Retries:    3,
			RetryDelay: 2 * time.Second,
			Timeout:    15 * time.Second,
		},
		Generation: GenerationConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Timeout:           60 * time.Second,
			MaxArticlesPerRun: 5,
			DefaultCategories: []string{"Actualitate", "Politică", "Economie", "Sport", "Tehnologie", "Divertisment"},
		},
		Images: ImagesConfig{
			Enabled:        true,
			SearchEndpoint: "https://www.bing.com/images/search",
			ExcludeHost:    "mm.bing.net",
			MaxBytes:       10 << 20,
			Timeout:        15 * time.Second,
		},
		Categories: CategoriesConfig{MatchThreshold: 0.4},
		Indexing: IndexingConfig{
			Endpoint: "https://indexing.googleapis.com/v3/urlNotifications:publish",
			Timeout:  15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
