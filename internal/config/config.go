// Package config loads the client and server configuration structures
// spec.md §6 enumerates, in the teacher's own style: a typed struct with
// github.com/creasty/defaults tags for baked-in defaults, loaded from
// YAML/JSON/env via github.com/jinzhu/configor (both named in the teacher's
// go.mod as its configuration stack).
package config

import (
	"github.com/creasty/defaults"
	"github.com/jinzhu/configor"
)

// ServerConfig is the worker daemon's configuration.
type ServerConfig struct {
	// BrokerAddr is the address the worker's dispatch.Worker listens on.
	BrokerAddr string `yaml:"broker_addr" default:"tcp://0.0.0.0:11301"`

	// BlobStoreKind selects which blobstore.Store backend to construct:
	// "bbolt" or "sftp".
	BlobStoreKind string `yaml:"blob_store_kind" default:"bbolt"`
	// BlobStorePath is the bbolt database file path, for BlobStoreKind=="bbolt".
	BlobStorePath string `yaml:"blob_store_path" default:"/var/lib/cmdproxy/blobs.db"`
	// BlobStoreSFTPAddr, BlobStoreSFTPUser and BlobStoreSFTPBaseDir configure
	// the SFTP backend, for BlobStoreKind=="sftp".
	BlobStoreSFTPAddr    string `yaml:"blob_store_sftp_addr"`
	BlobStoreSFTPUser    string `yaml:"blob_store_sftp_user"`
	BlobStoreSFTPBaseDir string `yaml:"blob_store_sftp_base_dir" default:"/srv/cmdproxy"`

	// MaxConcurrentTransfers bounds simultaneous blob uploads/downloads on
	// the store as a whole, not per hostname (see rp.Protector wiring in
	// blobstore).
	MaxConcurrentTransfers int `yaml:"max_concurrent_transfers" default:"4"`

	// Palette maps command names to executable paths (spec.md §6 "command
	// palette: mapping from command name to executable path (server only)").
	Palette map[string]string `yaml:"palette"`

	// DefaultQueue names the CmdPath queue. The worker serves every queue on
	// one socket, so this is only reported to the autoscale depth probe; the
	// client still requires an explicit queue for CmdPath.
	DefaultQueue string `yaml:"default_queue" default:"cmdpath"`

	// Executor selects "local" or "container".
	Executor string `yaml:"executor" default:"local"`
	// ContainerImage is the image ContainerExecutor spawns, for
	// Executor=="container".
	ContainerImage string `yaml:"container_image"`

	// StatusAddr is the internal/statusapi HTTP listen address; empty
	// disables it.
	StatusAddr string `yaml:"status_addr" default:":11302"`

	// MaxMemoryMB and MaxDiskMB are loaded from config (0 = unbounded); no
	// component in this module checks them, and the worker accepts every
	// envelope regardless of memory or disk usage.
	MaxMemoryMB int `yaml:"max_memory_mb" default:"0"`
	MaxDiskMB   int `yaml:"max_disk_mb" default:"0"`
}

// ClientConfig is the caller-facing library/CLI's configuration.
type ClientConfig struct {
	// BrokerAddr is the address dispatch.Client dials.
	BrokerAddr string `yaml:"broker_addr" default:"tcp://localhost:11301"`

	BlobStoreKind        string `yaml:"blob_store_kind" default:"bbolt"`
	BlobStorePath        string `yaml:"blob_store_path" default:"/var/lib/cmdproxy/blobs.db"`
	BlobStoreSFTPAddr    string `yaml:"blob_store_sftp_addr"`
	BlobStoreSFTPUser    string `yaml:"blob_store_sftp_user"`
	BlobStoreSFTPBaseDir string `yaml:"blob_store_sftp_base_dir" default:"/srv/cmdproxy"`

	MaxConcurrentTransfers int `yaml:"max_concurrent_transfers" default:"4"`

	// DispatchTimeoutSeconds bounds how long a single Dispatch() call waits for a
	// broker round trip before retrying.
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds" default:"30"`
}

// LoadServerConfig reads YAML/JSON/env configuration from path (and
// CMDPROXY_* environment variables, per configor's convention) into a
// ServerConfig, applying struct-tag defaults to any field the file leaves
// unset.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := configor.New(&configor.Config{ENVPrefix: "CMDPROXY"}).Load(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadClientConfig is LoadServerConfig's client-side counterpart.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := configor.New(&configor.Config{ENVPrefix: "CMDPROXY"}).Load(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
