package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/atomicdeploy/airexport/pkg/airtable"
)

// Environment variables read by applyEnvOverrides
const (
	EnvAPIKey  = "AIRTABLE_API_KEY"
	EnvBaseID  = "AIRTABLE_BASE_ID"
	EnvTable   = "AIRTABLE_TABLE"
	EnvAPIURL  = "AIRTABLE_API_URL"
	EnvMetaURL = "AIRTABLE_META_URL"

	EnvCacheMetadata = "AIRTABLE_CACHE_METADATA"
)

// DefaultFile is read when no --config path is given and the file exists
const DefaultFile = "airexport.yaml"

// Config holds all airexport configuration.
type Config struct {
	Airtable AirtableConfig `yaml:"airtable"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AirtableConfig configures the remote base.
type AirtableConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseID        string `yaml:"base_id"`
	Table         string `yaml:"table"`
	APIURL        string `yaml:"api_url"`
	MetaURL       string `yaml:"meta_url"`
	Timeout       string `yaml:"timeout"`
	CacheMetadata bool   `yaml:"cache_metadata"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Overrides carries command-line values; empty fields are ignored.
type Overrides struct {
	APIKey string
	BaseID string
	Table  string
	APIURL string
}

// Options controls where Load looks.
type Options struct {
	// File is an explicit config path; it must exist when set.
	File string
	// EnvFile is a dotenv file; a missing file is ignored.
	EnvFile string
}

// DefaultConfig returns a configuration with defaults set.
func DefaultConfig() *Config {
	return &Config{
		Airtable: AirtableConfig{
			APIURL:  airtable.DefaultBaseURL,
			MetaURL: airtable.DefaultMetaURL,
			Timeout: "30s",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load layers the dotenv file, the YAML file and the environment, in increasing
// precedence. The dotenv file is read into a map and never touches the process
// environment. Credentials are not checked here; call Validate once flags are applied.
func Load(opts Options) (*Config, error) {
	cfg := DefaultConfig()

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg.applyEnvOverrides(func(key string) string { return dotenv[key] })

	path := opts.File
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// no default file, keep what we have
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides(os.Getenv)
	return cfg, nil
}

// applyEnvOverrides applies the non-empty variables returned by getenv
func (c *Config) applyEnvOverrides(getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		c.Airtable.APIKey = v
	}
	if v := getenv(EnvBaseID); v != "" {
		c.Airtable.BaseID = v
	}
	if v := getenv(EnvTable); v != "" {
		c.Airtable.Table = v
	}
	if v := getenv(EnvAPIURL); v != "" {
		c.Airtable.APIURL = v
	}
	if v := getenv(EnvMetaURL); v != "" {
		c.Airtable.MetaURL = v
	}
	if v := getenv(EnvCacheMetadata); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Airtable.CacheMetadata = b
		}
	}
}

// Apply overlays command-line values
func (c *Config) Apply(o Overrides) {
	if o.APIKey != "" {
		c.Airtable.APIKey = o.APIKey
	}
	if o.BaseID != "" {
		c.Airtable.BaseID = o.BaseID
	}
	if o.Table != "" {
		c.Airtable.Table = o.Table
	}
	if o.APIURL != "" {
		c.Airtable.APIURL = o.APIURL
		// keep the metadata endpoint next to a custom API root
		if c.Airtable.MetaURL == airtable.DefaultMetaURL {
			c.Airtable.MetaURL = strings.TrimRight(o.APIURL, "/") + "/meta"
		}
	}
}

// Validate reports missing credentials as *airtable.ConfigurationError
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Airtable.APIKey) == "" {
		missing = append(missing, EnvAPIKey)
	}
	if strings.TrimSpace(c.Airtable.BaseID) == "" {
		missing = append(missing, EnvBaseID)
	}
	if len(missing) > 0 {
		return &airtable.ConfigurationError{
			Missing: missing,
			Reason:  "set them in the environment, a .env file, the config file or with flags",
		}
	}
	if _, err := c.timeout(); err != nil {
		return &airtable.ConfigurationError{Reason: err.Error()}
	}
	return nil
}

func (c *Config) timeout() (time.Duration, error) {
	if c.Airtable.Timeout == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Airtable.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Airtable.Timeout, err)
	}
	return d, nil
}

// ClientConfig converts the loaded settings into an airtable.Config
func (c *Config) ClientConfig(logger *zap.Logger) (airtable.Config, error) {
	if err := c.Validate(); err != nil {
		return airtable.Config{}, err
	}
	timeout, _ := c.timeout()

	return airtable.Config{
		APIKey:        c.Airtable.APIKey,
		BaseID:        c.Airtable.BaseID,
		Table:         c.Airtable.Table,
		BaseURL:       c.Airtable.APIURL,
		MetaURL:       c.Airtable.MetaURL,
		HTTPClient:    newHTTPClient(timeout),
		Logger:        logger,
		UserAgent:     "airexport",
		CacheMetadata: c.Airtable.CacheMetadata,
	}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
