// Package config loads converter defaults from a config file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/born-ml/ckptconv/internal/convert"
	"github.com/born-ml/ckptconv/internal/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CKPTCONV"

// Config holds converter settings.
type Config struct {
	Convert      convert.Options
	IgnoreErrors bool
	RecordSource bool
	AllowClasses []string
	Workers      int

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from defaults, an optional ckptconv.yaml and
// CKPTCONV_* environment variables, in increasing priority.
//
// When file is empty the config file is looked up in the working directory
// and in $HOME/.config/ckptconv, and a missing file is not an error. An
// explicit file must exist.
func Load(file string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("ckptconv")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "ckptconv"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config

	// Pipeline
	cfg.Convert.StripOptimizer = v.GetBool("strip_optimizer")
	cfg.Convert.RemovePickles = v.GetBool("remove_pickles")
	cfg.Convert.RemoveWeights = v.GetBool("remove_weights")
	cfg.Convert.StripMetadata = v.GetBool("strip_metadata")
	cfg.Convert.UseFP16 = v.GetBool("use_fp16")
	policy, err := convert.ParseNonTensorPolicy(v.GetString("non_tensors"))
	if err != nil {
		return nil, err
	}
	cfg.Convert.NonTensors = policy

	// Jobs
	cfg.IgnoreErrors = v.GetBool("ignore_errors")
	cfg.RecordSource = v.GetBool("record_source")
	cfg.AllowClasses = v.GetStringSlice("allow_classes")
	cfg.Workers = v.GetInt("workers")

	// Logging
	cfg.Log.Level = v.GetString("log_level")
	cfg.Log.Format = v.GetString("log_format")

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strip_optimizer", false)
	v.SetDefault("remove_pickles", false)
	v.SetDefault("remove_weights", false)
	v.SetDefault("strip_metadata", false)
	v.SetDefault("use_fp16", false)
	v.SetDefault("non_tensors", string(convert.NonTensorError))

	v.SetDefault("ignore_errors", false)
	v.SetDefault("record_source", false)
	v.SetDefault("allow_classes", []string{})
	v.SetDefault("workers", 0)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", logging.FormatConsole)
}

func validate(cfg *Config) error {
	if cfg.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", cfg.Workers)
	}
	switch cfg.Log.Format {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("log_format must be %q or %q, got %q", logging.FormatJSON, logging.FormatConsole, cfg.Log.Format)
	}
	for _, pattern := range cfg.AllowClasses {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("allow_classes: bad pattern %q: %w", pattern, err)
		}
	}
	return nil
}
