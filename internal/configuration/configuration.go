// Package configuration loads the settings of the govol tools. Values are
// layered: built-in defaults, then an optional YAML file, then .env files,
// then the process environment (GOVOL_*), later layers winning.
package configuration

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/desertwitch/govol/internal/device"
	"github.com/desertwitch/govol/internal/profile"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of all environment variables.
const EnvPrefix = "GOVOL"

// DefaultCacheBytes is the block cache budget used when none is configured.
const DefaultCacheBytes = 1 << 20

// ErrInvalidConfig is returned when a configuration value cannot be used.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the settings of the govol tools.
type Config struct {
	Device     string `envconfig:"DEVICE"      yaml:"device"`
	Profile    string `envconfig:"PROFILE"     yaml:"profile"`
	Label      string `envconfig:"LABEL"       yaml:"label"`
	CacheBytes uint64 `envconfig:"CACHE_BYTES" yaml:"cacheBytes"`
	LogLevel   string `envconfig:"LOG_LEVEL"   yaml:"logLevel"`
	S3Bucket   string `envconfig:"S3_BUCKET"   yaml:"s3Bucket"`
	S3Prefix   string `envconfig:"S3_PREFIX"   yaml:"s3Prefix"`
	S3Region   string `envconfig:"S3_REGION"   yaml:"s3Region"`
	S3Endpoint string `envconfig:"S3_ENDPOINT" yaml:"s3Endpoint"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Profile:    profile.Embedded.String(),
		CacheBytes: DefaultCacheBytes,
		LogLevel:   "info",
	}
}

type genericConfigProvider interface {
	Read(filenames ...string) (envMap map[string]string, err error)
}

// ConfigProviderImpl reads configuration files through a generic provider.
type ConfigProviderImpl struct {
	GenericConfigReader genericConfigProvider
}

// NewConfigProvider returns a pointer to a [ConfigProviderImpl] reading .env
// files with godotenv.
func NewConfigProvider() *ConfigProviderImpl {
	return &ConfigProviderImpl{GenericConfigReader: &GodotenvProvider{}}
}

func (c *ConfigProviderImpl) ReadGeneric(filenames ...string) (envMap map[string]string, err error) {
	return c.GenericConfigReader.Read(filenames...)
}

func (c *ConfigProviderImpl) MapKeyToString(envMap map[string]string, key string) string {
	if value, exists := envMap[key]; exists {
		return value
	}
	return ""
}

func (c *ConfigProviderImpl) MapKeyToUint64(envMap map[string]string, key string) (uint64, bool, error) {
	value := c.MapKeyToString(envMap, key)
	if value == "" {
		return 0, false, nil
	}
	uintValue, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("(config-map) %w: %s=%q", ErrInvalidConfig, key, value)
	}
	return uintValue, true, nil
}

// Load layers the YAML file (if not empty) and the .env files over the
// defaults, then applies the process environment.
func (c *ConfigProviderImpl) Load(yamlFile string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if yamlFile != "" {
		data, err := os.ReadFile(yamlFile)
		if err != nil {
			return nil, fmt.Errorf("(config-load) %w", err)
		}

		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("(config-load) %w: %s: %w", ErrInvalidConfig, yamlFile, err)
		}
	}

	if len(envFiles) > 0 {
		envMap, err := c.ReadGeneric(envFiles...)
		if err != nil {
			return nil, fmt.Errorf("(config-load) %w", err)
		}

		if err := c.apply(&cfg, envMap); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("(config-load) %w: %w", ErrInvalidConfig, err)
	}

	return &cfg, nil
}

func (c *ConfigProviderImpl) apply(cfg *Config, envMap map[string]string) error {
	strs := map[string]*string{
		"DEVICE":      &cfg.Device,
		"PROFILE":     &cfg.Profile,
		"LABEL":       &cfg.Label,
		"LOG_LEVEL":   &cfg.LogLevel,
		"S3_BUCKET":   &cfg.S3Bucket,
		"S3_PREFIX":   &cfg.S3Prefix,
		"S3_REGION":   &cfg.S3Region,
		"S3_ENDPOINT": &cfg.S3Endpoint,
	}

	for key, field := range strs {
		if value := c.MapKeyToString(envMap, EnvPrefix+"_"+key); value != "" {
			*field = value
		}
	}

	cacheBytes, ok, err := c.MapKeyToUint64(envMap, EnvPrefix+"_CACHE_BYTES")
	if err != nil {
		return err
	}
	if ok {
		cfg.CacheBytes = cacheBytes
	}

	return nil
}

// Validate checks the values that have a closed set of options.
func (c *Config) Validate() error {
	if _, err := profile.Parse(c.Profile); err != nil {
		return fmt.Errorf("(config-validate) %w: %w", ErrInvalidConfig, err)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("(config-level) %w: log level %q", ErrInvalidConfig, c.LogLevel)
	}

	return level, nil
}

// UsesS3 reports if the device is an S3 bucket rather than an image file.
func (c *Config) UsesS3() bool {
	return c.S3Bucket != ""
}

// S3 returns the S3 device settings.
func (c *Config) S3() device.S3Config {
	return device.S3Config{
		Bucket:   c.S3Bucket,
		Prefix:   c.S3Prefix,
		Region:   c.S3Region,
		Endpoint: c.S3Endpoint,
	}
}
