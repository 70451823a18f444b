package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ybbackup/ybbackup/internal/backuperr"
	"github.com/ybbackup/ybbackup/internal/checksum"
	"github.com/ybbackup/ybbackup/internal/cluster"
	"github.com/ybbackup/ybbackup/internal/config"
	"github.com/ybbackup/ybbackup/internal/diffplan"
	"github.com/ybbackup/ybbackup/internal/logging"
	"github.com/ybbackup/ybbackup/internal/manifest"
	"github.com/ybbackup/ybbackup/internal/metrics"
	"github.com/ybbackup/ybbackup/internal/remoteexec"
	"github.com/ybbackup/ybbackup/internal/taskpool"
)

const (
	restoreSnapshotTimeout = 24 * time.Hour
	restoreDataPrefix      = "/yb-data/tserver/data/rocksdb"
)

var createDatabaseRE = regexp.MustCompile(`(?m)^CREATE DATABASE\s+(\S+)`)

// RestoreTable implements "restore": download the backup's metadata, recreate
// the YSQL schema if any, import and restore the snapshot, and download
// every tablet's files to wherever the control plane placed its replicas.
func (o *Orchestrator) RestoreTable(ctx context.Context) error {
	log := logging.WithComponent("restore")

	if len(o.Cfg.Keyspaces) > 1 {
		return fmt.Errorf("%w: only one --keyspace is supported for restore", backuperr.ErrInvalidArgument)
	}
	if len(o.Cfg.Keyspaces) == 0 && len(o.Cfg.Tables) > 0 {
		return fmt.Errorf("%w: --keyspace is required", backuperr.ErrInvalidArgument)
	}

	log.Info().Str("source", o.Cfg.BackupLoc).Msg("starting restore")

	tmpDir, err := os.MkdirTemp("", "ybbackup-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	metadataPath := filepath.Join(tmpDir, SnapshotInfoFileName)
	if _, err := o.Executor.RunLocal(ctx, o.Store.DownloadFile(path.Join(o.Cfg.BackupLoc, SnapshotInfoFileName), metadataPath), remoteexec.Options{Retries: 3}); err != nil {
		return fmt.Errorf("downloading metadata: %w", err)
	}

	isYSQL := o.Cfg.IsYSQLKeyspace()
	var dumpPath string
	if isYSQL {
		dumpPath = filepath.Join(tmpDir, SQLDumpFileName)
		if _, err := o.Executor.RunLocal(ctx, o.Store.DownloadFile(path.Join(o.Cfg.BackupLoc, SQLDumpFileName), dumpPath), remoteexec.Options{Retries: 3}); err != nil {
			return fmt.Errorf("downloading ysql dump: %w", err)
		}
	}

	manifestPath := filepath.Join(tmpDir, ManifestFileName)
	prevManifest, haveManifest := o.downloadManifest(ctx, o.Cfg.BackupLoc, manifestPath)

	if isYSQL {
		newDBName := config.KeyspaceName(o.Cfg.Keyspaces[0])
		if err := renameDumpDatabase(dumpPath, newDBName); err != nil {
			return fmt.Errorf("renaming dump database: %w", err)
		}
		log.Info().Str("database", newDBName).Msg("applying ysql schema dump")
		if err := o.Cluster.ApplyYSQLDump(ctx, dumpPath); err != nil {
			return fmt.Errorf("applying ysql dump: %w", err)
		}
	}

	keyspace := ""
	if len(o.Cfg.Keyspaces) > 0 {
		keyspace = o.Cfg.Keyspaces[0]
	}
	mapping, err := o.Cluster.ImportSnapshot(ctx, metadataPath, keyspace, o.Cfg.Tables)
	if err != nil {
		return err
	}

	if _, err := o.Cluster.WaitForSnapshot(ctx, mapping.SnapshotNew, "COMPLETE", createSnapshotTimeout, false); err != nil {
		return err
	}
	if !o.Cfg.NoSnapshotDelete {
		if err := o.Cluster.DeleteSnapshot(ctx, mapping.SnapshotNew); err != nil {
			log.Warn().Err(err).Str("snapshot_id", mapping.SnapshotNew).Msg("failed to delete imported snapshot")
		}
	}

	newTabletIDs := make([]string, 0, len(mapping.Tablets))
	for id := range mapping.Tablets {
		newTabletIDs = append(newTabletIDs, id)
	}

	log.Info().Int("tablets", len(newTabletIDs)).Msg("discovering tablet replicas")
	known, err := o.Cluster.FindTabletReplicas(ctx, newTabletIDs)
	if err != nil {
		return err
	}
	toDownload := known

	for len(toDownload) > 0 {
		log.Info().Int("hosts", len(toDownload)).Msg("downloading tablet files")
		if err := o.downloadTabletBatch(ctx, toDownload, mapping, prevManifest, haveManifest, mapping.SnapshotNew, tmpDir); err != nil {
			return err
		}
		current, err := o.Cluster.FindTabletReplicas(ctx, newTabletIDs)
		if err != nil {
			return err
		}
		known, toDownload = cluster.IdentifyNewTabletReplicas(known, current)
	}

	log.Info().Msg("downloads finished, restoring snapshot")
	restorationID, err := o.Cluster.RestoreSnapshot(ctx, mapping.SnapshotNew, o.Cfg.RestoreTimeUnixU)
	if err != nil {
		return err
	}
	terminalState := "COMPLETE"
	if restorationID != mapping.SnapshotNew {
		terminalState = "RESTORED"
	}
	if _, err := o.Cluster.WaitForSnapshot(ctx, restorationID, terminalState, restoreSnapshotTimeout, false); err != nil {
		return err
	}

	log.Info().Msg("restore complete")
	return nil
}

// downloadTabletBatch downloads every file belonging to the tablets in
// hostTablets, grouped by the host currently holding each tablet's replica.
// Without a manifest (a non-diff backup, or one whose manifest could not be
// fetched) it falls back to copying each tablet's whole backup directory.
func (o *Orchestrator) downloadTabletBatch(ctx context.Context, hostTablets map[string]map[string]bool, mapping *cluster.IDMapping, prevManifest *manifest.Manifest, haveManifest bool, snapshotID, scratchDir string) error {
	hosts := make([]string, 0, len(hostTablets))
	for h := range hostTablets {
		hosts = append(hosts, h)
	}

	_, err := taskpool.RunEach(ctx, o.Cfg.Parallelism, hosts, func(ctx context.Context, host string) (struct{}, error) {
		dataDirs, err := o.Cluster.FindDataDirs(ctx, host, 0)
		if err != nil {
			return struct{}{}, err
		}
		dataDir := dataDirs[0]

		for tabletID := range hostTablets[host] {
			oldTabletID := mapping.Tablets[tabletID]
			destBase := path.Join(dataDir, restoreDataPrefix, "tablet-"+tabletID+".snapshots", snapshotID)

			var entries map[string]manifest.FileEntry
			if haveManifest {
				entries = prevManifest.Storage.TabletIDs[oldTabletID]
			}
			_, isDir := entries[diffplan.DirectoryMarker]

			if !haveManifest || isDir || len(entries) == 0 {
				cmd := o.Store.DownloadDir(path.Join(o.Cfg.BackupLoc, "tablet-"+oldTabletID), destBase)
				if _, err := o.Executor.RunRemote(ctx, cmd, host, remoteexec.Options{}); err != nil {
					return struct{}{}, fmt.Errorf("downloading tablet %s: %w", tabletID, err)
				}
				metrics.FilesDownloaded.Inc()
				continue
			}

			for filename, entry := range entries {
				destPath := path.Join(destBase, filename)
				cmd := o.Store.DownloadFile(entry.SrcLocation, destPath)
				if _, err := o.Executor.RunRemote(ctx, cmd, host, remoteexec.Options{}); err != nil {
					return struct{}{}, fmt.Errorf("downloading %s: %w", entry.SrcLocation, err)
				}
				metrics.FilesDownloaded.Inc()

				if !o.Cfg.DisableChecksums {
					if err := o.verifyDownloadedChecksum(ctx, host, entry.SrcLocation, destPath, scratchDir); err != nil {
						return struct{}{}, err
					}
				}
			}
		}
		return struct{}{}, nil
	})
	return err
}

// verifyDownloadedChecksum downloads the backup-side checksum file for
// srcPath, hashes destPath on host, and compares the two in process.
func (o *Orchestrator) verifyDownloadedChecksum(ctx context.Context, host, srcPath, destPath, scratchDir string) error {
	srcChecksumLocal := filepath.Join(scratchDir, filepath.Base(destPath)+checksum.DownloadedSuffix)
	if _, err := o.Executor.RunLocal(ctx, o.Store.DownloadFile(checksum.Path(srcPath), srcChecksumLocal), remoteexec.Options{Retries: 3}); err != nil {
		return fmt.Errorf("downloading checksum for %s: %w", srcPath, err)
	}
	srcBytes, err := os.ReadFile(srcChecksumLocal)
	if err != nil {
		return err
	}

	remoteChecksumPath := checksum.Path(destPath)
	if _, err := o.Executor.RunRemote(ctx, checksum.FileCmd(destPath, remoteChecksumPath, false, false), host, remoteexec.Options{}); err != nil {
		return fmt.Errorf("hashing %s on %s: %w", destPath, host, err)
	}
	destContents, err := o.Executor.RunRemote(ctx, remoteexec.New("cat", remoteChecksumPath), host, remoteexec.Options{})
	if err != nil {
		return fmt.Errorf("reading checksum of %s on %s: %w", destPath, host, err)
	}

	ok, mismatch, err := checksum.Compare(srcBytes, []byte(destContents))
	if err != nil {
		return err
	}
	if !ok {
		metrics.ChecksumFailures.Inc()
		return fmt.Errorf("%w: %s (%s)", backuperr.ErrChecksumMismatch, destPath, mismatch)
	}
	return nil
}

// renameDumpDatabase rewrites a ysql_dump's CREATE DATABASE and \connect
// statements to use newName instead of whatever database name the source
// cluster used, so the dump can recreate the schema under the name the
// restore invocation asked for.
func renameDumpDatabase(dumpPath, newName string) error {
	data, err := os.ReadFile(dumpPath)
	if err != nil {
		return err
	}
	match := createDatabaseRE.FindSubmatch(data)
	if match == nil {
		return fmt.Errorf("%w: no CREATE DATABASE statement found in %s", backuperr.ErrAdminParseError, dumpPath)
	}
	oldName := string(match[1])

	text := string(data)
	text = strings.ReplaceAll(text, "DATABASE "+oldName, "DATABASE "+newName)
	text = strings.ReplaceAll(text, `\connect `+oldName, `\connect `+newName)
	return os.WriteFile(dumpPath, []byte(text), 0o644)
}

// RestoreKeys downloads the encryption universe key file accompanying a
// backup, if --restore_keys_destination was given.
func (o *Orchestrator) RestoreKeys(ctx context.Context) error {
	if o.Cfg.RestoreKeysDestination == "" {
		logging.WithComponent("restore").Info().Msg("no --restore_keys_destination given, nothing to do")
		return nil
	}
	keyFile := filepath.Base(o.Cfg.RestoreKeysDestination)
	keySrc := path.Join(path.Dir(o.Cfg.BackupLoc), keyFile)
	if _, err := o.Executor.RunLocal(ctx, o.Store.DownloadFile(keySrc, o.Cfg.RestoreKeysDestination), remoteexec.Options{Retries: 3}); err != nil {
		return fmt.Errorf("downloading encryption key file: %w", err)
	}
	logging.WithComponent("restore").Info().Str("destination", o.Cfg.RestoreKeysDestination).Msg("restored universe key file")
	return nil
}

// DeleteBackup removes everything under --backup_location.
func (o *Orchestrator) DeleteBackup(ctx context.Context) error {
	cmd, err := o.Store.Delete(o.Cfg.BackupLoc)
	if err != nil {
		return err
	}
	if _, err := o.Executor.RunLocal(ctx, cmd, remoteexec.Options{}); err != nil {
		return fmt.Errorf("deleting %s: %w", o.Cfg.BackupLoc, err)
	}
	logging.WithComponent("delete").Info().Str("location", o.Cfg.BackupLoc).Msg("deleted backup")
	return nil
}
