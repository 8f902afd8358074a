package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alertops/dataminr-relay/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
url: "https://api.dataminr.com"
client_id: "relay-client"
client_secret: "relay-secret"
poll_interval: 120
lists_to_watch:
  - 3342916
  - value: 3342917
    display: "Cyber Watch"
  - ""
  - 0
alert_types_to_watch:
  - Flash
  - value: URGENT
timezone: "America/New_York"
log_level: debug
http_addr: "127.0.0.1:9100"
trial_mode: true
cache_max_items: 250
cache_max_age: "24h"
`

func TestLoadConfig_Valid(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.URL != "https://api.dataminr.com" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if cfg.ClientID != "relay-client" || cfg.ClientSecret != "relay-secret" {
		t.Errorf("credentials not loaded: %q / %q", cfg.ClientID, cfg.ClientSecret)
	}
	if cfg.PollPeriod() != 120*time.Second {
		t.Errorf("PollPeriod = %v", cfg.PollPeriod())
	}
	if !cfg.TrialMode {
		t.Error("TrialMode not loaded")
	}
	if cfg.CacheMaxItems != 250 {
		t.Errorf("CacheMaxItems = %d", cfg.CacheMaxItems)
	}
	if cfg.MaxAge() != 24*time.Hour {
		t.Errorf("MaxAge = %v", cfg.MaxAge())
	}
	if cfg.HTTPAddr != "127.0.0.1:9100" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
}

func TestLoadConfig_WatchNormalization(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Empty and zero entries are discarded; the record shape contributes
	// its value.
	lists := cfg.ListIDs()
	if len(lists) != 2 || lists[0] != "3342916" || lists[1] != "3342917" {
		t.Errorf("ListIDs = %v", lists)
	}

	// Type names are lowercased regardless of entry shape.
	types := cfg.AlertTypes()
	if len(types) != 2 || types[0] != "flash" || types[1] != "urgent" {
		t.Errorf("AlertTypes = %v", types)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, `
url: "https://api.dataminr.com"
client_id: "c"
client_secret: "s"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q", cfg.LogLevel)
	}
	if cfg.HTTPAddr != config.DefaultHTTPAddr {
		t.Errorf("HTTPAddr default = %q", cfg.HTTPAddr)
	}
	if cfg.PollPeriod() != config.DefaultPollInterval {
		t.Errorf("PollPeriod default = %v", cfg.PollPeriod())
	}
	if cfg.CacheMaxItems != 100 {
		t.Errorf("CacheMaxItems default = %d", cfg.CacheMaxItems)
	}
	if cfg.MaxAge() != config.DefaultCacheMaxAge {
		t.Errorf("MaxAge default = %v", cfg.MaxAge())
	}
	types := cfg.AlertTypes()
	if len(types) != 2 || types[0] != "flash" || types[1] != "urgent" {
		t.Errorf("AlertTypes default = %v, want [flash urgent]", types)
	}
}

func TestLoadConfig_ExplicitEmptyTypeSetAdmitsAll(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, `
url: "https://api.dataminr.com"
client_id: "c"
client_secret: "s"
alert_types_to_watch: []
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if types := cfg.AlertTypes(); len(types) != 0 {
		t.Errorf("explicit empty set must stand, got %v", types)
	}
}

func TestLoadConfig_PollIntervalFloor(t *testing.T) {
	cfg, err := config.LoadConfig(writeTemp(t, `
url: "https://api.dataminr.com"
client_id: "c"
client_secret: "s"
poll_interval: 5
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollPeriod() != config.MinPollInterval {
		t.Errorf("PollPeriod = %v, want the %v floor", cfg.PollPeriod(), config.MinPollInterval)
	}
}

func TestLoadConfig_MissingRequiredFields(t *testing.T) {
	_, err := config.LoadConfig(writeTemp(t, `log_level: info`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"url is required", "client_id is required", "client_secret is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadConfig_RejectsTrailingSlash(t *testing.T) {
	_, err := config.LoadConfig(writeTemp(t, `
url: "https://api.dataminr.com/"
client_id: "c"
client_secret: "s"
`))
	if err == nil || !strings.Contains(err.Error(), "trailing slash") {
		t.Fatalf("expected trailing-slash error, got %v", err)
	}
}

func TestLoadConfig_RejectsRelativeURL(t *testing.T) {
	_, err := config.LoadConfig(writeTemp(t, `
url: "api.dataminr.com"
client_id: "c"
client_secret: "s"
`))
	if err == nil || !strings.Contains(err.Error(), "valid absolute URL") {
		t.Fatalf("expected URL error, got %v", err)
	}
}

func TestLoadConfig_RejectsBadEnumsAndDurations(t *testing.T) {
	_, err := config.LoadConfig(writeTemp(t, `
url: "https://api.dataminr.com"
client_id: "c"
client_secret: "s"
log_level: verbose
timezone: "Not/AZone"
cache_max_age: "soon"
`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "timezone", "cache_max_age"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadConfig_BulkRequiresDownloadURL(t *testing.T) {
	_, err := config.LoadConfig(writeTemp(t, `
url: "https://api.dataminr.com"
client_id: "c"
client_secret: "s"
bulk:
  enabled: true
`))
	if err == nil || !strings.Contains(err.Error(), "bulk.download_url") {
		t.Fatalf("expected bulk.download_url error, got %v", err)
	}
}

func TestLoadConfig_FileMissing(t *testing.T) {
	if _, err := config.LoadConfig("/nonexistent/relay.yaml"); err == nil {
		t.Fatal("expected read error")
	}
}
