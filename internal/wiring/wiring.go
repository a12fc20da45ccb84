// Package wiring assembles the blobstore.Store and exec.Executor backends
// internal/config selects, so cmd/cmdproxy-worker and cmd/cmdproxy-client
// don't duplicate the same switch-on-config-string logic.
package wiring

import (
	"fmt"
	"net"
	"os"

	"github.com/inconshreveable/log15"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/sb10/cmdproxy/blobstore"
	"github.com/sb10/cmdproxy/exec"
	"github.com/sb10/cmdproxy/internal/config"
)

// BuildServerStore opens the blobstore.Store backend named by a ServerConfig's
// blob-store fields.
func BuildServerStore(cfg *config.ServerConfig, logger log15.Logger) (blobstore.Store, error) {
	switch cfg.BlobStoreKind {
	case "", "bbolt":
		return blobstore.NewBBoltStore(cfg.BlobStorePath, cfg.MaxConcurrentTransfers, logger)
	case "sftp":
		return blobstore.NewSFTPStore(blobstore.SFTPConfig{
			Addr:    cfg.BlobStoreSFTPAddr,
			Config:  sshConfigFor(cfg.BlobStoreSFTPUser),
			BaseDir: cfg.BlobStoreSFTPBaseDir,
		}, cfg.MaxConcurrentTransfers, logger)
	default:
		return nil, fmt.Errorf("unknown blob_store_kind %q", cfg.BlobStoreKind)
	}
}

// BuildClientStore is BuildServerStore's ClientConfig counterpart.
func BuildClientStore(cfg *config.ClientConfig, logger log15.Logger) (blobstore.Store, error) {
	switch cfg.BlobStoreKind {
	case "", "bbolt":
		return blobstore.NewBBoltStore(cfg.BlobStorePath, cfg.MaxConcurrentTransfers, logger)
	case "sftp":
		return blobstore.NewSFTPStore(blobstore.SFTPConfig{
			Addr:    cfg.BlobStoreSFTPAddr,
			Config:  sshConfigFor(cfg.BlobStoreSFTPUser),
			BaseDir: cfg.BlobStoreSFTPBaseDir,
		}, cfg.MaxConcurrentTransfers, logger)
	default:
		return nil, fmt.Errorf("unknown blob_store_kind %q", cfg.BlobStoreKind)
	}
}

// sshConfigFor builds an ssh.ClientConfig that authenticates via the
// invoking user's ssh-agent.
// TODO: accept a known_hosts path in config.ServerConfig/ClientConfig and use
// ssh.FixedHostKey/knownhosts.New instead of skipping verification.
func sshConfigFor(user string) *ssh.ClientConfig {
	auth := []ssh.AuthMethod{}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

// BuildExecutor builds the exec.Executor a ServerConfig selects.
func BuildExecutor(cfg *config.ServerConfig) (exec.Executor, error) {
	switch cfg.Executor {
	case "", "local":
		return exec.LocalExecutor{}, nil
	case "container":
		if cfg.ContainerImage == "" {
			return nil, fmt.Errorf("executor \"container\" requires container_image to be set")
		}
		return exec.NewContainerExecutor(cfg.ContainerImage)
	default:
		return nil, fmt.Errorf("unknown executor %q", cfg.Executor)
	}
}
