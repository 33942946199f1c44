package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.Certname == "" {
		t.Error("expected certname to default to hostname")
	}
	if !s.UseCacheOnFailure {
		t.Error("expected usecacheonfailure to default to true")
	}
	if !s.Report {
		t.Error("expected report to default to true")
	}
	if s.UseCachedCatalog {
		t.Error("expected use_cached_catalog to default to false")
	}
	if s.RunInterval.Std() != 30*time.Minute {
		t.Errorf("unexpected default runinterval: %v", s.RunInterval.Std())
	}
	if err := s.Validate(); err != nil {
		t.Errorf("default settings should validate: %v", err)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := `
certname: web01.example.com
server_url: https://kudzu.example.com:8140
summarize: true
usecacheonfailure: false
runinterval: 15m
prerun_command: /usr/local/bin/pre-run
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if s.Certname != "web01.example.com" {
		t.Errorf("unexpected certname: %s", s.Certname)
	}
	if s.ServerURL != "https://kudzu.example.com:8140" {
		t.Errorf("unexpected server_url: %s", s.ServerURL)
	}
	if !s.Summarize {
		t.Error("expected summarize true")
	}
	if s.UseCacheOnFailure {
		t.Error("expected usecacheonfailure false")
	}
	if s.RunInterval.Std() != 15*time.Minute {
		t.Errorf("unexpected runinterval: %v", s.RunInterval.Std())
	}
	if s.PrerunCommand != "/usr/local/bin/pre-run" {
		t.Errorf("unexpected prerun_command: %s", s.PrerunCommand)
	}
	if s.Logging.Level != "debug" {
		t.Errorf("unexpected log level: %s", s.Logging.Level)
	}
	// Unset fields keep their defaults
	if !s.Report {
		t.Error("expected report to keep default true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/agent.yaml"); err == nil {
		t.Fatal("expected error for missing settings file")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if s.Vardir != "/var/lib/kudzu" {
		t.Errorf("unexpected vardir: %s", s.Vardir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"bad server url", func(s *Settings) { s.ServerURL = "not a url" }},
		{"bad log level", func(s *Settings) { s.Logging.Level = "loud" }},
		{"bad trace exporter", func(s *Settings) { s.Tracing.Exporter = "jaeger" }},
		{"pluginsync without host", func(s *Settings) { s.PluginSync.Enabled = true }},
		{"empty certname", func(s *Settings) { s.Certname = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			tc.mutate(s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte("certname: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	if err != nil {
		t.Fatal(err)
	}
	if out != "1m30s" {
		t.Errorf("unexpected marshaled duration: %v", out)
	}
}
