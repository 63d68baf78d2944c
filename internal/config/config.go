package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/falk/nxcodec/pkg/nca"
	"github.com/falk/nxcodec/pkg/nsz"
)

const (
	// AppName is the application name used for config files and directories
	AppName = "nxcodec"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "NXCODEC"
)

// AppConfig holds the application configuration
type AppConfig struct {
	// Core settings
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	// KeysFile is the prod.keys path; empty searches the usual locations.
	KeysFile string `mapstructure:"keys_file"`

	Verify struct {
		SkipSignature       bool `mapstructure:"skip_signature"`
		AllowUnsignedStream bool `mapstructure:"allow_unsigned_stream"`
	} `mapstructure:"verify"`

	Compression struct {
		Level         int  `mapstructure:"level"`
		Threads       int  `mapstructure:"threads"`
		LongDistance  bool `mapstructure:"long_distance"`
		Block         bool `mapstructure:"block"`
		BlockExponent int  `mapstructure:"block_exponent"`
	} `mapstructure:"compression"`

	Cache struct {
		BlockBytes int64 `mapstructure:"block_bytes"`
	} `mapstructure:"cache"`
}

// Global variables
var (
	// Global configuration instance
	Instance AppConfig

	// Status indicators
	ConfigLoaded bool
	ConfigFile   string

	initOnce sync.Once
)

// Initialize loads the configuration into Instance once. flags maps viper
// keys to command line flags that override the file and environment.
func Initialize(cfgFile string, flags map[string]*pflag.Flag) error {
	var err error
	initOnce.Do(func() {
		var cfg *AppConfig
		var used string
		cfg, used, err = Load(cfgFile, flags)
		if err != nil {
			return
		}
		Instance = *cfg
		ConfigFile = used
		ConfigLoaded = used != ""
	})
	return err
}

// Load reads the configuration from cfgFile, or from nxcodec.yaml in the
// search paths when cfgFile is empty, then applies NXCODEC_* environment
// variables and the given flags. It returns the config file used, if any.
func Load(cfgFile string, flags map[string]*pflag.Flag) (*AppConfig, string, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		addSearchPaths(v)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	used := ""
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, "", fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		used = v.ConfigFileUsed()
	}

	cfg := new(AppConfig)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, used, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("log_file", "")
	v.SetDefault("keys_file", "")

	v.SetDefault("verify.skip_signature", false)
	v.SetDefault("verify.allow_unsigned_stream", false)

	v.SetDefault("compression.level", nsz.DefaultCompressionLevel)
	v.SetDefault("compression.threads", 0)
	v.SetDefault("compression.long_distance", false)
	v.SetDefault("compression.block", false)
	v.SetDefault("compression.block_exponent", nsz.DefaultBlockExponent)

	v.SetDefault("cache.block_bytes", nsz.DefaultCacheBytes)
}

// addSearchPaths adds config search paths
func addSearchPaths(v *viper.Viper) {
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".switch"))
	}
}

// Validate rejects values the codec cannot use.
func (c *AppConfig) Validate() error {
	switch c.LogFormat {
	case "json", "human":
	default:
		return fmt.Errorf("log_format must be json or human, got %q", c.LogFormat)
	}
	if c.Compression.Level < 1 || c.Compression.Level > 22 {
		return fmt.Errorf("compression.level must be in [1, 22], got %d", c.Compression.Level)
	}
	if c.Compression.BlockExponent < nsz.MinBlockExponent || c.Compression.BlockExponent > nsz.MaxBlockExponent {
		return fmt.Errorf("compression.block_exponent must be in [%d, %d], got %d",
			nsz.MinBlockExponent, nsz.MaxBlockExponent, c.Compression.BlockExponent)
	}
	if c.Compression.Threads < 0 {
		return fmt.Errorf("compression.threads must not be negative")
	}
	return nil
}

// NcaOptions returns the reader options for the verify settings.
func (c *AppConfig) NcaOptions() nca.Options {
	return nca.Options{
		SkipSignatureCheck:  c.Verify.SkipSignature,
		AllowUnsignedStream: c.Verify.AllowUnsignedStream,
	}
}

// Compressor returns a compressor for the compression settings.
func (c *AppConfig) Compressor() nsz.Compressor {
	return nsz.Compressor{
		Level:         c.Compression.Level,
		Threads:       c.Compression.Threads,
		LongDistance:  c.Compression.LongDistance,
		Block:         c.Compression.Block,
		BlockExponent: uint8(c.Compression.BlockExponent),
	}
}
