// Package config is for app wide settings that are unmarshalled from Viper:
// defaults, an optional settings file, a .env file and DONORBASE_* variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"donorbase/internal/blob"
	"donorbase/internal/record"
	"donorbase/internal/registry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DONORBASE"

// dotenvFiles are loaded into the process environment before viper reads it.
// Missing files are ignored.
var dotenvFiles = []string{".env"}

// LogConfig controls the zerolog output.
type LogConfig struct {
	// zerolog level name
	Level string `mapstructure:"level"`
	// "console" or "json"
	Format string `mapstructure:"format"`
}

// MetricsConfig controls metric export.
type MetricsConfig struct {
	// node-exporter textfile written after each command; empty disables it
	Textfile string `mapstructure:"textfile"`
}

// NotifyConfig controls run event publishing.
type NotifyConfig struct {
	// empty disables publishing
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// Config is the root-level settings struct.
type Config struct {
	Blob     blob.Config     `mapstructure:"blob"`
	Registry registry.Config `mapstructure:"registry"`
	Log      LogConfig       `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Notify   NotifyConfig    `mapstructure:"notify"`
	// database layout, "uniform" or "legacy"
	Layout string `mapstructure:"layout"`
}

var defaults = map[string]any{
	"blob.driver":               "fs",
	"blob.fs_root":              ".",
	"blob.s3.bucket":            "",
	"blob.s3.region":            "us-east-1",
	"blob.s3.endpoint":          "",
	"blob.s3.path_style":        false,
	"blob.s3.access_key_id":     "",
	"blob.s3.secret_access_key": "",
	"blob.s3.session_token":     "",
	"registry.driver":           "sqlite",
	"registry.sqlite_path":      "donorbase.db",
	"registry.postgres_dsn":     "postgres://localhost/donorbase?sslmode=disable",
	"log.level":                 "info",
	"log.format":                "console",
	"metrics.textfile":          "",
	"notify.amqp_url":           "",
	"notify.exchange":           "donorbase",
	"notify.routing_key":        "unify.completed",
	"layout":                    "uniform",
}

// New returns a viper instance carrying the defaults and environment binding.
// Callers may bind command line flags to it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env, then the optional settings file at path, and returns the
// validated Config.
func Load(path string) (Config, error) {
	return Read(New(), path)
}

// Read is Load over a caller supplied viper instance, typically one with
// command line flags bound to it.
func Read(v *viper.Viper, path string) (Config, error) {
	if err := loadDotenv(); err != nil {
		return Config{}, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadDotenv() error {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate rejects unknown drivers, layouts and log settings.
func (c Config) Validate() error {
	var errs []error
	switch blob.Driver(c.Blob.Driver) {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket required for s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	switch registry.Driver(c.Registry.Driver) {
	case "", registry.DriverNone, registry.DriverMemory, registry.DriverSQLite, registry.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown registry driver %q", c.Registry.Driver))
	}
	if _, err := record.ParseLayout(c.Layout); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
			errs = append(errs, fmt.Errorf("log.level: %w", err))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RecordLayout returns the parsed database layout.
func (c Config) RecordLayout() record.Layout {
	l, err := record.ParseLayout(c.Layout)
	if err != nil {
		return record.LayoutUniform
	}
	return l
}
