// Package config loads server settings from defaults, an optional YAML file,
// RECEIPTLOG_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"receiptlog/internal/storage"
)

const (
	EnvPrefix = "RECEIPTLOG"
	// ConfigFlag names the flag holding the optional YAML file path.
	ConfigFlag = "config"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	HTTPAddr  string `mapstructure:"http-addr" default:"127.0.0.1:8080" description:"address the HTTP API listens on"`
	RESPAddr  string `mapstructure:"resp-addr" default:"127.0.0.1:6380" description:"address the Redis protocol API listens on, empty disables it"`
	DataDir   string `mapstructure:"data-dir" default:"data" description:"directory holding the commit log"`
	LogLevel  string `mapstructure:"log-level" default:"info" description:"the log level, values: debug, info, warn, error"`
	LogFormat string `mapstructure:"log-format" default:"console" description:"log output format, values: console, json"`

	Compression          string `mapstructure:"compression" default:"snappy" description:"blob compression, values: none, snappy, lz4, zstd"`
	FlushIntervalMillis  int    `mapstructure:"flush-interval-ms" default:"200" description:"interval (in milliseconds) at which the commit log buffer is flushed"`
	EnqueueTimeoutMillis int    `mapstructure:"enqueue-timeout-ms" default:"500" description:"how long (in milliseconds) a write waits for room in the commit log queue"`
	MaxEnqueued          int    `mapstructure:"max-enqueued" default:"1024" description:"capacity of the commit log write queue"`
	BufferBytes          int    `mapstructure:"buffer-bytes" default:"4194304" description:"commit log buffer size that triggers a flush"`

	PartitionCacheSize int    `mapstructure:"partition-cache-size" default:"1024" description:"number of decoded partitions kept in memory"`
	MetricsIntervalSec int    `mapstructure:"metrics-interval-sec" default:"10" description:"aggregation interval (in seconds) of served metrics"`
	Admin              string `mapstructure:"admin" default:"" description:"admin identity to initialize the log with on first start"`
}

// RegisterFlags adds one flag per Config field, named after its mapstructure
// tag, plus --config.
func RegisterFlags(flags *pflag.FlagSet) {
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		usage := field.Tag.Get("description")
		def := field.Tag.Get("default")

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(name, def, usage)
		case reflect.Int:
			val, _ := strconv.Atoi(def)
			flags.Int(name, val, usage)
		case reflect.Bool:
			val, _ := strconv.ParseBool(def)
			flags.Bool(name, val, usage)
		}
	}
	flags.String(ConfigFlag, "", "optional YAML config file")
}

// Load resolves the configuration for flags, which must have been set up
// with RegisterFlags and parsed.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	if path := v.GetString(ConfigFlag); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := storage.ParseCodec(c.Compression); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	positive := map[string]int{
		"flush-interval-ms":    c.FlushIntervalMillis,
		"enqueue-timeout-ms":   c.EnqueueTimeoutMillis,
		"max-enqueued":         c.MaxEnqueued,
		"buffer-bytes":         c.BufferBytes,
		"partition-cache-size": c.PartitionCacheSize,
		"metrics-interval-sec": c.MetricsIntervalSec,
	}
	for name, val := range positive {
		if val <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, name, val)
		}
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: http-addr is required", ErrInvalid)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data-dir is required", ErrInvalid)
	}
	return nil
}

func (c *Config) Codec() storage.Codec {
	codec, _ := storage.ParseCodec(c.Compression)
	return codec
}

func (c *Config) CommitLogPath() string {
	return filepath.Join(c.DataDir, "receipts.log")
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMillis) * time.Millisecond
}

func (c *Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.EnqueueTimeoutMillis) * time.Millisecond
}

func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSec) * time.Second
}
