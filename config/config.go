// Package config holds the settings a store is built from.
//
// A Config is assembled once at startup from defaults, an optional YAML
// file and the environment, then passed to the constructors that need it.
// Nothing else in the module reads the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meigma/blobber/storage/disk"
)

// Environment variables read by LoadFromEnv and Load.
const (
	EnvSearchPath = "BLOBBER_PATH"
	EnvPutPath    = "BLOBBER_PUT_PATH"
	EnvMetaPath   = "BLOBBER_META"
	EnvConfig     = "BLOBBER_CONFIG"
	EnvLogLevel   = "BLOBBER_LOG_LEVEL"
	EnvLayout     = "BLOBBER_LAYOUT"
)

// DefaultSystemRoot is the system-wide storage consulted after the user's
// default root when it exists.
const DefaultSystemRoot = "/usr/share/blobber/"

// SearchPathSeparator separates entries of EnvSearchPath.
const SearchPathSeparator = ":"

// Config describes where blobs and metadata live.
type Config struct {
	// DefaultRoot is the per-user storage root, always first in the chain.
	DefaultRoot string `yaml:"default_root"`

	// SystemRoot is an optional system-wide root, second in the chain.
	// It is skipped when it does not exist. Empty disables it.
	SystemRoot string `yaml:"system_root"`

	// SearchPath lists additional roots in lookup order. Entries must end
	// with a path separator and name an existing directory to be used.
	SearchPath []string `yaml:"search_path"`

	// PutRoot overrides the root that Put writes to. Empty means DefaultRoot.
	PutRoot string `yaml:"put_root"`

	// MetadataPath is the flat metadata record file.
	MetadataPath string `yaml:"metadata_path"`

	// Layout is the directory layout of every root: "sharded" or "flat".
	Layout string `yaml:"layout"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// NewDefault returns the default configuration for the current user.
func NewDefault() *Config {
	c := &Config{
		SystemRoot: DefaultSystemRoot,
		Layout:     disk.LayoutSharded.String(),
		LogLevel:   "warn",
	}
	if home, err := os.UserHomeDir(); err == nil {
		share := filepath.Join(home, ".local", "share")
		c.DefaultRoot = filepath.Join(share, "blobber") + string(filepath.Separator)
		c.MetadataPath = filepath.Join(share, "blobber.meta")
	}
	return c
}

// DefaultFile returns the default config file location.
func DefaultFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "blobber", "config.yaml")
}

// Load builds a configuration from defaults, the config file and the
// environment, in that order of precedence (environment wins).
//
// The file named by EnvConfig must exist; the default file is optional.
func Load() (*Config, error) {
	c := NewDefault()

	path, explicit := os.LookupEnv(EnvConfig)
	if !explicit {
		path = DefaultFile()
	}
	if path != "" {
		err := c.LoadFromFile(path)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	c.LoadFromEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile merges YAML settings from filename into c.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename) //nolint:gosec // User-provided path is intentional
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", filename, err)
	}
	c.DefaultRoot = ExpandHome(c.DefaultRoot)
	c.SystemRoot = ExpandHome(c.SystemRoot)
	c.PutRoot = ExpandHome(c.PutRoot)
	c.MetadataPath = ExpandHome(c.MetadataPath)
	for i, p := range c.SearchPath {
		c.SearchPath[i] = ExpandHome(p)
	}
	return nil
}

// LoadFromEnv overrides settings from the environment. A non-empty
// EnvSearchPath replaces SearchPath.
func (c *Config) LoadFromEnv() {
	if val := os.Getenv(EnvSearchPath); val != "" {
		c.SearchPath = ParseSearchPath(val)
	}
	if val := os.Getenv(EnvPutPath); val != "" {
		c.PutRoot = ExpandHome(val)
	}
	if val := os.Getenv(EnvMetaPath); val != "" {
		c.MetadataPath = ExpandHome(val)
	}
	if val := os.Getenv(EnvLogLevel); val != "" {
		c.LogLevel = strings.ToLower(val)
	}
	if val := os.Getenv(EnvLayout); val != "" {
		c.Layout = strings.ToLower(val)
	}
}

// Validate checks that the configuration can build a store.
func (c *Config) Validate() error {
	if c.DefaultRoot == "" {
		return errors.New("config: default root is empty")
	}
	if _, err := disk.ParseLayout(c.Layout); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// PutDestination returns the root Put writes to.
func (c *Config) PutDestination() string {
	if c.PutRoot != "" {
		return c.PutRoot
	}
	return c.DefaultRoot
}

// Level returns the configured log level, defaulting to warn.
func (c *Config) Level() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelWarn
	}
	return lvl
}

// Logger returns a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.Level()}))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "", "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, fmt.Errorf("config: unknown log level %q", s)
	}
}

// ParseSearchPath splits a colon-separated list of roots, dropping empty
// entries. Entries are not checked for existence here.
func ParseSearchPath(v string) []string {
	var roots []string
	for _, p := range strings.Split(v, SearchPathSeparator) {
		if p == "" {
			continue
		}
		roots = append(roots, ExpandHome(p))
	}
	return roots
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}
