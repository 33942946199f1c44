package pluginsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, []byte("not a real key"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	valid := func() Config {
		cfg := DefaultConfig("kudzu.example.com", "kudzu")
		cfg.PrivateKeyPath = keyPath
		cfg.RemoteDir = "/var/lib/kudzu/plugins"
		cfg.LocalDir = "/var/lib/kudzu/lib"
		return cfg
	}

	if err := func() error { cfg := valid(); return cfg.Validate() }(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Host = "" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"missing user", func(c *Config) { c.User = "" }},
		{"missing remote dir", func(c *Config) { c.RemoteDir = "" }},
		{"missing local dir", func(c *Config) { c.LocalDir = "" }},
		{"missing key", func(c *Config) { c.PrivateKeyPath = "" }},
		{"nonexistent key", func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

type fakeFileInfo struct {
	os.FileInfo
	size    int64
	modTime time.Time
}

func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) ModTime() time.Time { return f.modTime }

func TestNeedsCopy(t *testing.T) {
	now := time.Now()

	same := fakeFileInfo{size: 100, modTime: now}
	if needsCopy(same, same) {
		t.Error("identical files should not need a copy")
	}
	if !needsCopy(fakeFileInfo{size: 50, modTime: now}, same) {
		t.Error("size change should trigger a copy")
	}
	if !needsCopy(fakeFileInfo{size: 100, modTime: now.Add(-time.Hour)}, same) {
		t.Error("mtime change should trigger a copy")
	}
}

func TestRelativePath(t *testing.T) {
	rel, err := relativePath("/srv/plugins", "/srv/plugins/facts/disk.rb")
	if err != nil {
		t.Fatal(err)
	}
	if rel != "facts/disk.rb" {
		t.Errorf("unexpected relative path: %q", rel)
	}

	if _, err := relativePath("/srv/plugins", "/srv/plugins"); err == nil {
		t.Error("root itself should be rejected")
	}
	if _, err := relativePath("/srv/plugins", "/etc/passwd"); err == nil {
		t.Error("path outside root should be rejected")
	}
}
