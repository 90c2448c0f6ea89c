package config

import (
	"fmt"
	"path/filepath"
	"strings"

	golobby "github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

// File formats.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
	FormatJSON = "json"
)

// DefaultEnvPrefix prefixes every environment variable Load reads.
const DefaultEnvPrefix = "SERVICECORE"

type loadOptions struct {
	files     []string
	envPrefix string
	useEnv    bool
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithFile adds a configuration file. Files are fed in the order given;
// later files override earlier ones.
func WithFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.files = append(o.files, path)
	}
}

// WithEnvPrefix changes the environment variable prefix.
func WithEnvPrefix(prefix string) LoadOption {
	return func(o *loadOptions) {
		o.envPrefix = prefix
	}
}

// WithoutEnv disables the environment feeder.
func WithoutEnv() LoadOption {
	return func(o *loadOptions) {
		o.useEnv = false
	}
}

// FormatOf infers the file format from the extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func fileFeeder(path string) (golobby.Feeder, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatYAML:
		return feeder.Yaml{Path: path}, nil
	case FormatTOML:
		return feeder.Toml{Path: path}, nil
	default:
		return feeder.Json{Path: path}, nil
	}
}

// Load builds a Config from the defaults, then each file, then the
// environment, and validates the result.
func Load(opts ...LoadOption) (Config, error) {
	o := loadOptions{envPrefix: DefaultEnvPrefix, useEnv: true}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Default()
	builder := golobby.New()
	for _, path := range o.files {
		f, err := fileFeeder(path)
		if err != nil {
			return Config{}, err
		}
		builder.AddFeeder(f)
	}
	if o.useEnv {
		builder.AddFeeder(EnvFeeder{Prefix: o.envPrefix})
	}
	builder.AddStruct(&cfg)
	if err := builder.Feed(); err != nil {
		return Config{}, fmt.Errorf("load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
