// Package config reads the clockin configuration file.
//
// The file is YAML. Missing fields keep their defaults, unknown fields are
// rejected, and the merged result is checked against an embedded CUE
// schema. Environment variables (optionally loaded from .env files)
// override a few deployment-specific fields.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/clockin/internal/model"
)

// Config is the top-level structure of clockin.yaml.
type Config struct {
	Owner    string   `yaml:"owner"`
	Sites    []string `yaml:"sites"`
	Timezone string   `yaml:"timezone"`
	DataDir  string   `yaml:"data_dir"`

	Store     StoreConfig     `yaml:"store"`
	Remote    RemoteConfig    `yaml:"remote"`
	Locator   LocatorConfig   `yaml:"locator"`
	Sync      SyncConfig      `yaml:"sync"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Capture   CaptureConfig   `yaml:"capture"`
	Device    DeviceConfig    `yaml:"device"`
}

// StoreConfig locates the local key-value database.
type StoreConfig struct {
	Path string `yaml:"path"` // relative to DataDir
}

// RemoteConfig locates the remote document and content stores.
type RemoteConfig struct {
	DocumentsPath  string `yaml:"documents_path"` // relative to DataDir
	ContentDir     string `yaml:"content_dir"`    // relative to DataDir
	ContentBaseURL string `yaml:"content_base_url"`
}

// LocatorConfig names the good and misconfigured storage domains.
type LocatorConfig struct {
	GoodDomain     string `yaml:"good_domain"`
	BadDomain      string `yaml:"bad_domain"`
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
}

// SyncConfig tunes the orchestrator.
type SyncConfig struct {
	ProbeTimeoutMS int    `yaml:"probe_timeout_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	Retries        int    `yaml:"retries"`
	BackoffMS      int    `yaml:"backoff_ms"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	DelayMS        int    `yaml:"delay_ms"` // background sync after a registration
	AppVersion     string `yaml:"app_version"`
}

// LedgerConfig tunes persistence.
type LedgerConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

// ReconcileConfig tunes session recovery.
type ReconcileConfig struct {
	WindowMS int `yaml:"window_ms"`
}

// CaptureConfig bounds the registration flow.
type CaptureConfig struct {
	UploadTimeoutMS int `yaml:"upload_timeout_ms"`
	LocateTimeoutMS int `yaml:"locate_timeout_ms"`
}

// DeviceConfig identifies this installation.
type DeviceConfig struct {
	Platform string `yaml:"platform"`
	Version  string `yaml:"version"`
}

// Environment variables that override file values.
const (
	EnvOwner          = "CLOCKIN_OWNER"
	EnvDataDir        = "CLOCKIN_DATA_DIR"
	EnvTimezone       = "CLOCKIN_TIMEZONE"
	EnvSites          = "CLOCKIN_SITES"
	EnvContentBaseURL = "CLOCKIN_CONTENT_BASE_URL"
)

// DefaultConfig returns a Config populated with the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Sites:    []string{"Planta 1", "Planta 2"},
		Timezone: "America/Bogota",
		DataDir:  ".clockin",
		Store:    StoreConfig{Path: "clockin.db"},
		Remote: RemoteConfig{
			DocumentsPath:  "remote.db",
			ContentDir:     "content",
			ContentBaseURL: "https://firebasestorage.googleapis.com/v0/b/cys-torres-sas.appspot.com",
		},
		Locator: LocatorConfig{
			GoodDomain:     "cys-torres-sas.appspot.com",
			BadDomain:      "cys-torres-sas.firebasestorage.app",
			ProbeTimeoutMS: 3000,
		},
		Sync: SyncConfig{
			ProbeTimeoutMS: 5000,
			TimeoutMS:      20000,
			Retries:        2,
			BackoffMS:      3000,
			DelayMS:        2000,
			AppVersion:     "1.0",
		},
		Ledger:    LedgerConfig{DebounceMS: 300},
		Reconcile: ReconcileConfig{WindowMS: 60000},
		Capture:   CaptureConfig{UploadTimeoutMS: 15000, LocateTimeoutMS: 10000},
		Device:    DeviceConfig{Platform: "cli", Version: "1.0"},
	}
}

// Load reads the config at path over the defaults, applies environment
// overrides and validates the result. An empty path or a missing file
// yields the defaults. envFiles are loaded into the environment first;
// missing ones are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := cfg.decode(data); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvOwner); v != "" {
		c.Owner = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvTimezone); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv(EnvContentBaseURL); v != "" {
		c.Remote.ContentBaseURL = v
	}
	if v := os.Getenv(EnvSites); v != "" {
		c.Sites = strings.Split(v, ",")
	}
}

func (c *Config) normalize() {
	sites := make([]string, 0, len(c.Sites))
	seen := make(map[string]bool)
	for _, s := range c.Sites {
		name := string(model.NormalizeSite(s))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		sites = append(sites, name)
	}
	c.Sites = sites
	c.Owner = strings.TrimSpace(c.Owner)
	c.Remote.ContentBaseURL = strings.TrimRight(c.Remote.ContentBaseURL, "/")
}

// Write stores cfg at path as YAML.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// SiteList returns the configured sites in order.
func (c *Config) SiteList() []model.Site {
	out := make([]model.Site, len(c.Sites))
	for i, s := range c.Sites {
		out[i] = model.Site(s)
	}
	return out
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DataPath resolves p against DataDir unless it is absolute.
func (c *Config) DataPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// Millis converts a millisecond config value.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
