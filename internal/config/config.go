// Package config provides YAML configuration loading and validation for the
// alert relay.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alertops/dataminr-relay/internal/store"
)

// Default values for optional fields.
const (
	DefaultPollInterval = 300 * time.Second
	MinPollInterval     = 30 * time.Second
	DefaultCacheMaxAge  = 72 * time.Hour
	DefaultHTTPAddr     = "127.0.0.1:8080"
)

// Config is the top-level configuration structure for the relay.
type Config struct {
	// URL is the vendor API base URL without a trailing slash
	// (e.g. "https://api.dataminr.com"). Required.
	URL string `yaml:"url"`

	// ClientID and ClientSecret are the vendor API credentials. Required.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// PollInterval is the alerts poll period in seconds. Values below 30
	// are raised to 30. Defaults to 300 when omitted.
	PollInterval int `yaml:"poll_interval"`

	// ListsToWatch restricts polling and reads to the given watch-list
	// ids. Entries may be plain scalars or {value, display} records;
	// empty and "0" values are discarded.
	ListsToWatch []WatchItem `yaml:"lists_to_watch"`

	// AlertTypesToWatch names the admitted alert types, normalized to
	// lower case. Same entry shapes as ListsToWatch. Defaults to flash
	// and urgent when omitted; an explicitly empty list admits all types.
	AlertTypesToWatch []WatchItem `yaml:"alert_types_to_watch"`

	// Timezone is the default IANA timezone for rendered timestamps.
	Timezone string `yaml:"timezone"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the listen address for the action/health HTTP server.
	// Defaults to "127.0.0.1:8080" when omitted.
	HTTPAddr string `yaml:"http_addr"`

	// TrialMode strips alert bodies from lookup responses.
	TrialMode bool `yaml:"trial_mode"`

	// CacheMaxItems bounds the alert cache. Defaults to 100 when omitted.
	CacheMaxItems int `yaml:"cache_max_items"`

	// CacheMaxAge bounds cached alert age as a duration string
	// (e.g. "72h"). Defaults to 72h when omitted.
	CacheMaxAge string `yaml:"cache_max_age"`

	// Bulk selects the HMAC/ZIP ingestion variant. When enabled, the
	// token/cursor feed is not used.
	Bulk BulkConfig `yaml:"bulk"`

	cacheMaxAge time.Duration
}

// BulkConfig configures the bulk download ingestion variant.
type BulkConfig struct {
	// Enabled switches ingestion to signed bulk downloads.
	Enabled bool `yaml:"enabled"`

	// DownloadURL is the full bulk-feed endpoint. Required when Enabled.
	DownloadURL string `yaml:"download_url"`
}

// WatchItem is one entry of lists_to_watch or alert_types_to_watch. The
// YAML shape may be a plain scalar or a {value, display} record.
type WatchItem struct {
	Value   string
	Display string
}

// UnmarshalYAML accepts both entry shapes.
func (w *WatchItem) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		w.Value = node.Value
		return nil
	case yaml.MappingNode:
		var aux struct {
			Value   yaml.Node `yaml:"value"`
			Display string    `yaml:"display"`
		}
		if err := node.Decode(&aux); err != nil {
			return err
		}
		if aux.Value.Kind != 0 {
			w.Value = aux.Value.Value
		}
		w.Display = aux.Display
		return nil
	default:
		return fmt.Errorf("watch entry must be a scalar or a {value, display} record")
	}
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults and normalization, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields and normalizes the
// watch sets: discarded entries ("" and "0") are removed, list values keep
// their case, type values are lowercased.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = int(DefaultPollInterval.Seconds())
	}
	if min := int(MinPollInterval.Seconds()); cfg.PollInterval < min {
		cfg.PollInterval = min
	}
	if cfg.CacheMaxItems <= 0 {
		cfg.CacheMaxItems = 100
	}
	if cfg.CacheMaxAge == "" {
		cfg.CacheMaxAge = "72h"
	}

	// A nil set means the key was omitted; an explicitly configured empty
	// list stands and admits all types.
	if cfg.AlertTypesToWatch == nil {
		for _, t := range store.DefaultAlertTypes {
			cfg.AlertTypesToWatch = append(cfg.AlertTypesToWatch, WatchItem{Value: t})
		}
	}

	cfg.ListsToWatch = normalizeWatch(cfg.ListsToWatch, false)
	cfg.AlertTypesToWatch = normalizeWatch(cfg.AlertTypesToWatch, true)
}

// normalizeWatch drops discarded entries and optionally lowercases values.
func normalizeWatch(items []WatchItem, lower bool) []WatchItem {
	out := make([]WatchItem, 0, len(items))
	for _, it := range items {
		v := strings.TrimSpace(it.Value)
		if v == "" || v == "0" {
			continue
		}
		if lower {
			v = strings.ToLower(v)
		}
		out = append(out, WatchItem{Value: v, Display: it.Display})
	}
	return out
}

// validate checks required fields and enumerated values.
func validate(cfg *Config) error {
	var errs []error

	switch {
	case cfg.URL == "":
		errs = append(errs, errors.New("url is required"))
	case strings.HasSuffix(cfg.URL, "/"):
		errs = append(errs, errors.New("url must not end with a trailing slash"))
	default:
		if u, err := url.Parse(cfg.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("url %q is not a valid absolute URL", cfg.URL))
		}
	}

	if cfg.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if cfg.ClientSecret == "" {
		errs = append(errs, errors.New("client_secret is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q is not a valid IANA zone", cfg.Timezone))
		}
	}

	age, err := time.ParseDuration(cfg.CacheMaxAge)
	if err != nil || age <= 0 {
		errs = append(errs, fmt.Errorf("cache_max_age %q must be a positive duration", cfg.CacheMaxAge))
	} else {
		cfg.cacheMaxAge = age
	}

	if cfg.Bulk.Enabled && cfg.Bulk.DownloadURL == "" {
		errs = append(errs, errors.New("bulk.download_url is required when bulk.enabled is set"))
	}

	return errors.Join(errs...)
}

// PollPeriod returns the alerts poll period.
func (c *Config) PollPeriod() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// MaxAge returns the parsed cache age bound.
func (c *Config) MaxAge() time.Duration {
	if c.cacheMaxAge > 0 {
		return c.cacheMaxAge
	}
	return DefaultCacheMaxAge
}

// ListIDs returns the normalized watch-list id values.
func (c *Config) ListIDs() []string {
	return watchValues(c.ListsToWatch)
}

// AlertTypes returns the normalized (lowercased) alert type names.
func (c *Config) AlertTypes() []string {
	return watchValues(c.AlertTypesToWatch)
}

func watchValues(items []WatchItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Value)
	}
	return out
}
