package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. INVOICEDESK_ANALYSIS_BASE_URL.
const EnvPrefix = "INVOICEDESK_"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
	// RateLimit is the number of requests per minute allowed per client IP.
	// 0 falls back to the default; a negative value disables limiting.
	RateLimit int `yaml:"rate_limit"`
}

// AnalysisConfig points at the remote analysis service.
type AnalysisConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ArchiveConfig configures the optional MinIO copy of downloaded artifacts.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
	// ExpireDays is the lifetime of the presigned link returned for an archived
	// artifact, at most 7. A negative value returns plain bucket URLs instead.
	ExpireDays int `yaml:"expire_days"`
}

type StoreConfig struct {
	// MaxDocuments caps the upload history. 0 falls back to the default; a
	// negative value keeps every record.
	MaxDocuments int `yaml:"max_documents"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path, applies INVOICEDESK_* environment
// overrides and fills in defaults. A missing file is not an error when the
// environment provides the analysis base URL.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && os.Getenv(EnvPrefix+"ANALYSIS_BASE_URL") != "":
	default:
		return nil, err
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given) into the process environment. Variables that are already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func (c *Config) Validate() error {
	if c.Analysis.BaseURL == "" {
		return errors.New("analysis.base_url is required")
	}
	if !strings.HasPrefix(c.Analysis.BaseURL, "http://") && !strings.HasPrefix(c.Analysis.BaseURL, "https://") {
		return fmt.Errorf("analysis.base_url must be an http(s) URL, got %q", c.Analysis.BaseURL)
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return errors.New("archive.endpoint and archive.bucket are required when archive is enabled")
	}
	if c.Archive.ExpireDays > 7 {
		return fmt.Errorf("archive.expire_days must be at most 7, got %d", c.Archive.ExpireDays)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = "./web"
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 100
	}
	if cfg.Analysis.TimeoutSeconds == 0 {
		cfg.Analysis.TimeoutSeconds = 60
	}
	cfg.Analysis.BaseURL = strings.TrimRight(cfg.Analysis.BaseURL, "/")
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
	if cfg.Archive.ExpireDays == 0 {
		cfg.Archive.ExpireDays = 7
	}
	if cfg.Store.MaxDocuments == 0 {
		cfg.Store.MaxDocuments = 100
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ANALYSIS_BASE_URL":  &cfg.Analysis.BaseURL,
		"ANALYSIS_API_TOKEN": &cfg.Analysis.APIToken,
		"SERVER_STATIC_DIR":  &cfg.Server.StaticDir,
		"ARCHIVE_ENDPOINT":   &cfg.Archive.Endpoint,
		"ARCHIVE_ACCESS_KEY": &cfg.Archive.AccessKey,
		"ARCHIVE_SECRET_KEY": &cfg.Archive.SecretKey,
		"ARCHIVE_BUCKET":     &cfg.Archive.Bucket,
		"ARCHIVE_REGION":     &cfg.Archive.Region,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FORMAT":         &cfg.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SERVER_PORT":              &cfg.Server.Port,
		"SERVER_RATE_LIMIT":        &cfg.Server.RateLimit,
		"ANALYSIS_TIMEOUT_SECONDS": &cfg.Analysis.TimeoutSeconds,
		"ARCHIVE_EXPIRE_DAYS":      &cfg.Archive.ExpireDays,
		"STORE_MAX_DOCUMENTS":      &cfg.Store.MaxDocuments,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = i
		}
	}

	bools := map[string]*bool{
		"ARCHIVE_ENABLED": &cfg.Archive.Enabled,
		"ARCHIVE_USE_SSL": &cfg.Archive.UseSSL,
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
	}
	return nil
}
