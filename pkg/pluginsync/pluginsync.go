// Package pluginsync mirrors the server's plugin directory to the local
// node over SFTP before a run, so custom fact and resource code is in
// place when the catalog is applied.
package pluginsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kudzuproject/kudzu/pkg/telemetry"
)

// Config holds plugin sync connection and path configuration.
type Config struct {
	// Host is the server hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// KnownHostsPath is the path to the known_hosts file. If empty,
	// host key verification is disabled.
	KnownHostsPath string

	// RemoteDir is the server-side plugin directory to mirror.
	RemoteDir string

	// LocalDir is the local directory the plugins are mirrored into.
	LocalDir string

	// ConnectTimeout is the timeout for establishing a connection.
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host, user string) Config {
	return Config{
		Host:           host,
		Port:           22,
		User:           user,
		ConnectTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.RemoteDir == "" {
		return fmt.Errorf("remote directory is required")
	}
	if c.LocalDir == "" {
		return fmt.Errorf("local directory is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("private key path is required")
	}
	if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
		return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
	}
	return nil
}

// address returns the formatted SSH address (host:port).
func (c *Config) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// buildClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) buildClientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// Result contains the outcome of a sync operation.
type Result struct {
	// FilesSynced is the number of files copied from the server.
	FilesSynced int

	// FilesPurged is the number of stale local files removed.
	FilesPurged int

	// Duration is the total sync time.
	Duration time.Duration
}

// Syncer mirrors remote plugin code locally.
type Syncer interface {
	// Sync performs the mirror. A failed sync must not abort the agent
	// run; callers log and continue.
	Sync(ctx context.Context) (*Result, error)
}

// SFTPSyncer mirrors the remote plugin directory over SFTP. Files are
// copied when missing locally or when size or modification time differ;
// local files absent on the server are purged.
type SFTPSyncer struct {
	config Config
	log    *telemetry.Logger
}

// NewSFTPSyncer creates a plugin syncer for the given configuration.
func NewSFTPSyncer(cfg Config, log *telemetry.Logger) (*SFTPSyncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pluginsync config: %w", err)
	}
	return &SFTPSyncer{
		config: cfg,
		log:    log.NewComponentLogger("pluginsync").WithField("host", cfg.Host),
	}, nil
}

// Sync mirrors the remote plugin directory into the local directory.
func (s *SFTPSyncer) Sync(ctx context.Context) (*Result, error) {
	startTime := time.Now()

	clientConfig, err := s.config.buildClientConfig()
	if err != nil {
		return nil, err
	}

	sshClient, err := ssh.Dial("tcp", s.config.address(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.config.address(), err)
	}
	defer sshClient.Close()

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sftpClient.Close()

	if err := os.MkdirAll(s.config.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local plugin directory: %w", err)
	}

	remote := make(map[string]struct{})
	result := &Result{}

	walker := sftpClient.Walk(s.config.RemoteDir)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("failed to walk remote directory: %w", err)
		}

		rel, err := relativePath(s.config.RemoteDir, walker.Path())
		if err != nil {
			continue
		}
		localPath := filepath.Join(s.config.LocalDir, rel)

		info := walker.Stat()
		if info.IsDir() {
			if err := os.MkdirAll(localPath, 0755); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", localPath, err)
			}
			continue
		}

		remote[localPath] = struct{}{}

		localInfo, err := os.Stat(localPath)
		if err == nil && !needsCopy(localInfo, info) {
			continue
		}

		if err := s.copyFile(sftpClient, walker.Path(), localPath, info); err != nil {
			return nil, err
		}
		result.FilesSynced++
	}

	purged, err := s.purgeStale(remote)
	if err != nil {
		return nil, err
	}
	result.FilesPurged = purged
	result.Duration = time.Since(startTime)

	s.log.Debugf("Plugin sync finished: %d synced, %d purged", result.FilesSynced, result.FilesPurged)
	return result, nil
}

// copyFile fetches a single remote file, preserving mode and mtime so
// later syncs can skip unchanged files.
func (s *SFTPSyncer) copyFile(client *sftp.Client, remotePath, localPath string, info os.FileInfo) error {
	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", remotePath, err)
	}
	defer remoteFile.Close()

	localFile, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		localFile.Close()
		return fmt.Errorf("failed to copy %s: %w", remotePath, err)
	}
	if err := localFile.Close(); err != nil {
		return err
	}

	return os.Chtimes(localPath, info.ModTime(), info.ModTime())
}

// purgeStale removes local files that no longer exist on the server.
func (s *SFTPSyncer) purgeStale(remote map[string]struct{}) (int, error) {
	purged := 0

	err := filepath.Walk(s.config.LocalDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if _, ok := remote[path]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		purged++
		return nil
	})
	if err != nil {
		return purged, fmt.Errorf("failed to purge stale plugins: %w", err)
	}

	return purged, nil
}

// needsCopy reports whether the local copy is out of date with respect
// to the remote file.
func needsCopy(local, remote os.FileInfo) bool {
	if local.Size() != remote.Size() {
		return true
	}
	return !local.ModTime().Equal(remote.ModTime())
}

// relativePath computes the path of p below root using forward-slash
// SFTP semantics.
func relativePath(root, p string) (string, error) {
	root = strings.TrimSuffix(root, "/")
	if p == root {
		return "", fmt.Errorf("path is the root itself")
	}
	if !strings.HasPrefix(p, root+"/") {
		return "", fmt.Errorf("%s is outside %s", p, root)
	}
	return strings.TrimPrefix(p, root+"/"), nil
}
