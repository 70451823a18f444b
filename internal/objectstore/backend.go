// Package objectstore builds the Commands that move files and directories
// to and from a backup location, for each supported storage backend. Every
// method here is pure command construction — nothing is executed in this
// package; the returned remoteexec.Command is handed to a Remote Executor.
package objectstore

import (
	"fmt"

	"github.com/ybbackup/ybbackup/internal/backuperr"
	"github.com/ybbackup/ybbackup/internal/config"
	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

// Backend builds the shell commands for one storage provider.
type Backend interface {
	UploadFile(src, dest string) remoteexec.Command
	DownloadFile(src, dest string) remoteexec.Command
	UploadDir(src, dest string) remoteexec.Command
	DownloadDir(src, dest string) remoteexec.Command
	Move(src, dest string) []remoteexec.Command
	Delete(dest string) (remoteexec.Command, error)
}

// New returns the Backend for cfg.StorageType, with cloudCfgPath pointing at
// the per-host credentials file (s3cmd and gsutil both read their
// credentials from a config file rather than the environment directly).
// The file is only referenced here; neither this package nor the Remote
// Executor creates or uploads it.
func New(cfg *config.Config, cloudCfgPath string) (Backend, error) {
	switch cfg.StorageType {
	case config.StorageS3:
		return &s3Backend{cfgPath: cloudCfgPath, sse: cfg.SSE}, nil
	case config.StorageGCS:
		return &gcsBackend{cfgPath: cloudCfgPath}, nil
	case config.StorageAzure:
		return &azureBackend{sasToken: cfg.AzureSASToken}, nil
	case config.StorageNFS:
		return &nfsBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

// guardDest rejects destinations that would make a recursive delete
// catastrophic, mirroring every backend's delete_obj_cmd check.
func guardDest(dest string) error {
	if dest == "" || dest == "/" {
		return fmt.Errorf("%w: destination %q is not well formed", backuperr.ErrInvalidDestination, dest)
	}
	return nil
}
