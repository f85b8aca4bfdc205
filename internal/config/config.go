// Package config provides configuration loading for objcstubs.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"objcstubs/internal/logging"
	"objcstubs/internal/stubs"
)

// Config is the on-disk configuration.
type Config struct {
	// Region is the section scanned for trampolines, "SEG,sect" or "sect".
	Region string `yaml:"region"`
	// Prefix is prepended to each selector.
	Prefix string `yaml:"prefix"`
	// Templates names the trampoline shapes to try, in order.
	Templates []string `yaml:"templates"`
	// RequireMethname skips selectors that do not point into MethnameSection.
	RequireMethname bool   `yaml:"require_methname"`
	MethnameSection string `yaml:"methname_section"`
	// MaxSelector caps selector reads in bytes.
	MaxSelector int `yaml:"max_selector"`

	Log LogConfig `yaml:"log"`
	// Out is the default output directory for rename and graph.
	Out string `yaml:"out,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Region:          stubs.DefaultRegion,
		Prefix:          stubs.DefaultPrefix,
		Templates:       []string{stubs.MsgSend.Name},
		MethnameSection: stubs.DefaultMethnameSection,
		MaxSelector:     4096,
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads path over the defaults. An empty path means no file; a named
// file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep their values.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate checks the config for values the pass cannot use.
func (c *Config) Validate() error {
	if err := ValidateSection(c.Region); err != nil {
		return fmt.Errorf("region: %w", err)
	}
	if c.RequireMethname {
		if err := ValidateSection(c.MethnameSection); err != nil {
			return fmt.Errorf("methname_section: %w", err)
		}
	}
	if c.Prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("templates cannot be empty")
	}
	if _, err := stubs.LookupTemplates(c.Templates); err != nil {
		return err
	}
	if c.MaxSelector <= 0 {
		return fmt.Errorf("max_selector must be positive, got %d", c.MaxSelector)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level %q is not one of %s", c.Log.Level, strings.Join(logging.Levels, ", "))
	}
	return nil
}

// ValidateSection checks a "SEG,sect" or bare "sect" name. Mach-O names are
// at most 16 bytes.
func ValidateSection(name string) error {
	if name == "" {
		return fmt.Errorf("section cannot be empty")
	}
	seg, sect, hasSeg := strings.Cut(name, ",")
	if !hasSeg {
		sect, seg = seg, ""
	}
	if hasSeg && (seg == "" || len(seg) > 16) {
		return fmt.Errorf("invalid segment name in %q", name)
	}
	if sect == "" || len(sect) > 16 || strings.Contains(sect, ",") {
		return fmt.Errorf("invalid section name in %q", name)
	}
	return nil
}

// StubTemplates resolves the configured template names.
func (c *Config) StubTemplates() ([]stubs.Template, error) {
	return stubs.LookupTemplates(c.Templates)
}

// Logging converts the log section for the logging package.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
