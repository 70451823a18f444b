// Package orchestrator implements the CLI-level operations (create,
// create_diff, restore, restore_keys, delete) by composing the Cluster
// Interface, Diff Planner, Object Store Adapter, Checksum Service, and
// Remote Executor.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/ybbackup/ybbackup/internal/backuperr"
	"github.com/ybbackup/ybbackup/internal/checksum"
	"github.com/ybbackup/ybbackup/internal/cluster"
	"github.com/ybbackup/ybbackup/internal/config"
	"github.com/ybbackup/ybbackup/internal/logging"
	"github.com/ybbackup/ybbackup/internal/manifest"
	"github.com/ybbackup/ybbackup/internal/objectstore"
	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

// ManifestFileName is the manifest's well-known name under any backup root.
const ManifestFileName = "MANIFEST"

// SnapshotInfoFileName and SQLDumpFileName are the two metadata files every
// backup exports alongside the manifest.
const (
	SnapshotInfoFileName = "SnapshotInfoPB"
	SQLDumpFileName      = "YSQLDump"
)

// Orchestrator drives one CLI invocation end to end.
type Orchestrator struct {
	Cfg      *config.Config
	Cluster  *cluster.Client
	Store    objectstore.Backend
	Executor remoteexec.Executor
}

// New wires an Orchestrator from a resolved Config.
func New(cfg *config.Config, cl *cluster.Client, store objectstore.Backend, exec remoteexec.Executor) *Orchestrator {
	return &Orchestrator{Cfg: cfg, Cluster: cl, Store: store, Executor: exec}
}

// Run dispatches to the operation named by o.Cfg.Command.
func (o *Orchestrator) Run(ctx context.Context) error {
	switch o.Cfg.Command {
	case config.CommandCreate, config.CommandCreateDiff:
		return o.BackupTable(ctx)
	case config.CommandRestore:
		return o.RestoreTable(ctx)
	case config.CommandRestoreKeys:
		return o.RestoreKeys(ctx)
	case config.CommandDelete:
		return o.DeleteBackup(ctx)
	default:
		return fmt.Errorf("%w: command %q not recognized", backuperr.ErrInvalidArgument, o.Cfg.Command)
	}
}

// snapshotFilepath constructs the logical backup root for this invocation,
// matching the original tool's auto-naming scheme unless --no_auto_name is
// set, in which case --backup_location is used verbatim.
func (o *Orchestrator) snapshotFilepath() string {
	if o.Cfg.NoAutoName {
		return o.Cfg.BackupLoc
	}

	var bucket string
	if len(o.Cfg.Tables) > 0 {
		bucket = "table-" + tableNamesStr(o.Cfg.Keyspaces, o.Cfg.Tables, "-")
	} else {
		bucket = "keyspace-" + o.Cfg.Keyspaces[0]
	}
	if len(o.Cfg.TableUUIDs) > 0 {
		bucket = bucket + "-" + strings.Join(o.Cfg.TableUUIDs, "-")
	}
	return path.Join(o.Cfg.BackupLoc, bucket)
}

func tableNamesStr(keyspaces, tables []string, sep string) string {
	parts := make([]string, len(tables))
	for i, tbl := range tables {
		ks := ""
		if i < len(keyspaces) {
			ks = keyspaces[i]
		} else if len(keyspaces) == 1 {
			ks = keyspaces[0]
		}
		parts[i] = config.KeyspaceName(ks) + "." + tbl
	}
	return strings.Join(parts, sep)
}

// uploadWithChecksum uploads srcPath to destPath, and unless checksums are
// disabled, first hashes srcPath locally and uploads the resulting .sha256
// file alongside it.
func (o *Orchestrator) uploadWithChecksum(ctx context.Context, srcPath, destPath string) error {
	if !o.Cfg.DisableChecksums {
		srcChecksum := checksum.Path(srcPath)
		destChecksum := checksum.Path(destPath)
		if _, err := o.Executor.RunLocal(ctx, checksum.FileCmd(srcPath, srcChecksum, false, true), remoteexec.Options{}); err != nil {
			return fmt.Errorf("hashing %s: %w", srcPath, err)
		}
		if _, err := o.Executor.RunLocal(ctx, o.Store.UploadFile(srcChecksum, destChecksum), remoteexec.Options{}); err != nil {
			return fmt.Errorf("uploading checksum for %s: %w", srcPath, err)
		}
	}
	if _, err := o.Executor.RunLocal(ctx, o.Store.UploadFile(srcPath, destPath), remoteexec.Options{}); err != nil {
		return fmt.Errorf("uploading %s: %w", srcPath, err)
	}
	return nil
}

// downloadManifest tries to fetch and parse a MANIFEST file from location.
// A missing or unparsable manifest is not an error: callers degrade to a
// full backup or bail out of the retention chain, matching get_manifest's
// tolerant behavior in the original tool.
func (o *Orchestrator) downloadManifest(ctx context.Context, location, tmpPath string) (*manifest.Manifest, bool) {
	if location == "" {
		return nil, false
	}
	src := path.Join(location, ManifestFileName)
	if _, err := o.Executor.RunLocal(ctx, o.Store.DownloadFile(src, tmpPath), remoteexec.Options{Retries: 1}); err != nil {
		logging.WithComponent("orchestrator").Warn().Err(err).Str("location", location).Msg("manifest not found, treating as absent")
		return nil, false
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, false
	}
	m, err := manifest.Unmarshal(data)
	if err != nil {
		logging.WithComponent("orchestrator").Warn().Err(err).Str("location", location).Msg("manifest could not be parsed")
		return nil, false
	}
	return m, true
}
