// Package config loads and validates the agent settings file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so settings files can use values like
// "30m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings holds the agent configuration.
type Settings struct {
	// Certname is the node identity key used for catalog and report
	// lookups. Defaults to the local hostname.
	Certname string `yaml:"certname" validate:"required"`

	// ServerURL is the base URL of the catalog/report service. Empty
	// means no remote terminus is configured and the agent operates
	// against the local cache only.
	ServerURL string `yaml:"server_url" validate:"omitempty,url"`

	// Vardir is the agent's state directory.
	Vardir string `yaml:"vardir" validate:"required"`

	// CacheDB is the path of the sqlite database backing the cache
	// terminus and local run metadata.
	CacheDB string `yaml:"cache_db" validate:"required"`

	// Lockfile is the path of the run lock. A second agent invocation
	// that cannot acquire it fails immediately.
	Lockfile string `yaml:"lockfile" validate:"required"`

	// LastRunFile is where the last-run summary snapshot is written.
	LastRunFile string `yaml:"lastrunfile" validate:"required"`

	// ClassFile is where the applied catalog's class list is written.
	ClassFile string `yaml:"classfile" validate:"required"`

	// ResourceFile is where the applied catalog's resource list is written.
	ResourceFile string `yaml:"resourcefile" validate:"required"`

	// PrerunCommand runs before catalog work begins; a failure aborts
	// the run. Empty disables.
	PrerunCommand string `yaml:"prerun_command"`

	// PostrunCommand runs after catalog application. Empty disables.
	PostrunCommand string `yaml:"postrun_command"`

	// Summarize prints a human-readable run summary to the console.
	Summarize bool `yaml:"summarize"`

	// Report enables report persistence through the locator.
	Report bool `yaml:"report"`

	// UseCacheOnFailure falls back to a cached catalog when the remote
	// retrieval fails.
	UseCacheOnFailure bool `yaml:"usecacheonfailure"`

	// UseCachedCatalog forces cache-only retrieval; the remote path is
	// consulted only if the cache is empty.
	UseCachedCatalog bool `yaml:"use_cached_catalog"`

	// Noop applies the catalog without making changes.
	Noop bool `yaml:"noop"`

	// RunInterval is the pause between daemon-mode runs.
	RunInterval Duration `yaml:"runinterval"`

	// RunTimeout bounds a single run.
	RunTimeout Duration `yaml:"runtimeout"`

	// PluginSync configures plugin synchronization from the server.
	PluginSync PluginSyncSettings `yaml:"pluginsync"`

	// Logging configures the agent's structured logging.
	Logging LoggingSettings `yaml:"logging"`

	// Metrics configures the daemon-mode metrics endpoint.
	Metrics MetricsSettings `yaml:"metrics"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingSettings `yaml:"tracing"`
}

// PluginSyncSettings configures SFTP plugin synchronization.
type PluginSyncSettings struct {
	// Enabled turns plugin sync on during the prepare step.
	Enabled bool `yaml:"enabled"`

	// Host is the SFTP server hostname.
	Host string `yaml:"host" validate:"required_with=Enabled"`

	// Port is the SSH port.
	Port int `yaml:"port"`

	// User is the SSH username.
	User string `yaml:"user"`

	// PrivateKeyPath is the path to the SSH private key.
	PrivateKeyPath string `yaml:"private_key_path"`

	// RemoteDir is the server-side plugin directory to mirror.
	RemoteDir string `yaml:"remote_dir"`

	// LocalDir is the local directory plugins are mirrored into.
	LocalDir string `yaml:"local_dir"`
}

// LoggingSettings configures logging output.
type LoggingSettings struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output"`
}

// MetricsSettings configures the prometheus endpoint.
type MetricsSettings struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// TracingSettings configures trace export.
type TracingSettings struct {
	Enabled  bool    `yaml:"enabled"`
	Exporter string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string  `yaml:"endpoint"`
	Sampling float64 `yaml:"sampling" validate:"gte=0,lte=1"`
}

// DefaultSettings returns settings with all defaults applied. The
// certname defaults to the local hostname.
func DefaultSettings() *Settings {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	vardir := "/var/lib/kudzu"
	return &Settings{
		Certname:          hostname,
		Vardir:            vardir,
		CacheDB:           filepath.Join(vardir, "cache.db"),
		Lockfile:          filepath.Join(vardir, "agent.lock"),
		LastRunFile:       filepath.Join(vardir, "last_run_summary.yaml"),
		ClassFile:         filepath.Join(vardir, "classes.txt"),
		ResourceFile:      filepath.Join(vardir, "resources.txt"),
		Report:            true,
		UseCacheOnFailure: true,
		RunInterval:       Duration(30 * time.Minute),
		RunTimeout:        Duration(time.Hour),
		PluginSync: PluginSyncSettings{
			Port:      22,
			RemoteDir: "/var/lib/kudzu/plugins",
			LocalDir:  filepath.Join(vardir, "plugins"),
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsSettings{
			Enabled:       true,
			ListenAddress: ":9141",
		},
		Tracing: TracingSettings{
			Exporter: "none",
			Sampling: 1.0,
		},
	}
}

// Load reads a settings file, applies defaults for unset fields, and
// validates the result. An empty path returns the defaults.
func Load(path string) (*Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks the settings for consistency.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.PluginSync.Enabled && s.PluginSync.Host == "" {
		return fmt.Errorf("invalid settings: pluginsync enabled without a host")
	}
	return nil
}
