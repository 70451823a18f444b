package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ybbackup/ybbackup/internal/backuperr"
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
	createMetafilesMaxRetries = cluster.CreateMetafilesMaxRetries
	createSnapshotTimeout     = time.Hour
)

// BackupTable implements both "create" and "create_diff": the only
// difference between them is whether a usable previous manifest exists to
// diff against, which downloadManifest degrades gracefully either way.
func (o *Orchestrator) BackupTable(ctx context.Context) error {
	log := logging.WithComponent("backup")

	if len(o.Cfg.Keyspaces) == 0 {
		return fmt.Errorf("%w: --keyspace is required", backuperr.ErrInvalidArgument)
	}
	if len(o.Cfg.Tables) > 0 && o.Cfg.IsYSQLKeyspace() {
		return fmt.Errorf("%w: YSQL backup is only supported at the database level", backuperr.ErrInvalidArgument)
	}

	snapshotFilepath := o.snapshotFilepath()
	log.Info().Str("destination", snapshotFilepath).Msg("starting backup")

	tmpDir, err := os.MkdirTemp("", "ybbackup-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	snapshotID, err := o.createAndUploadMetadata(ctx, snapshotFilepath, tmpDir)
	if err != nil {
		return err
	}

	leaders, sourceFiles, err := o.collectSnapshotFiles(ctx, snapshotID)
	if err != nil {
		return err
	}

	prevLocation := o.Cfg.PrevManifestSource
	prevManifestPath := filepath.Join(tmpDir, "prev-"+ManifestFileName)
	prevManifest, havePrev := o.downloadManifest(ctx, prevLocation, prevManifestPath)

	curr := manifest.New("diff", "", "")
	curr.Metadata.Location = snapshotFilepath
	curr.Database.Name = o.Cfg.Keyspaces[0]
	if o.Cfg.IsYSQLKeyspace() {
		curr.Database.Type = "ysql"
	} else {
		curr.Database.Type = "ycql"
	}

	var plan diffplan.Plan
	var ancestorManifests []*manifest.Manifest
	if havePrev {
		curr.Metadata.Previous = prevLocation
		var ancestors []diffplan.AncestorUpdater
		ancestors, ancestorManifests = o.loadAncestorManifests(ctx, prevLocation, o.Cfg.RestorePoints, tmpDir)
		plan = diffplan.Diff(sourceFiles, prevManifest.Storage.TabletIDs, ancestors, o.Cfg.RestorePoints, snapshotFilepath)
	} else {
		log.Info().Msg("no usable previous manifest, running full backup")
		curr.Metadata.ManifestType = "full"
		plan = diffplan.Full(sourceFiles)
	}

	applyPlanToManifest(curr, plan, snapshotFilepath)

	if err := o.uploadPlannedFiles(ctx, plan, leaders, snapshotFilepath); err != nil {
		return err
	}

	if err := o.rewriteAncestorManifests(ctx, plan.RetentionUpdates, ancestorManifests, tmpDir); err != nil {
		return err
	}

	manifestPath := filepath.Join(tmpDir, ManifestFileName)
	data, err := curr.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return err
	}
	if err := o.uploadWithChecksum(ctx, manifestPath, path.Join(snapshotFilepath, ManifestFileName)); err != nil {
		return err
	}

	if o.Cfg.BackupKeysSource != "" {
		if err := o.uploadEncryptionKeyFile(ctx, snapshotFilepath); err != nil {
			return err
		}
	}

	if !o.Cfg.NoSnapshotDelete {
		if err := o.Cluster.DeleteSnapshot(ctx, snapshotID); err != nil {
			log.Warn().Err(err).Str("snapshot_id", snapshotID).Msg("failed to delete temporary snapshot")
		}
	}

	log.Info().Str("destination", snapshotFilepath).Msg("backup complete")
	return nil
}

// applyPlanToManifest installs every planned file into m, and sets the
// DIRECTORY sentinel for tablets the planner flagged. A COPY'd or MOVE'd
// file's manifest location is its new home under snapshotFilepath, not the
// tserver path or earlier backup location the planner used as the transfer
// source; NOOP entries carry the earlier backup's location forward.
func applyPlanToManifest(m *manifest.Manifest, plan diffplan.Plan, snapshotFilepath string) {
	for _, f := range plan.Files {
		srcLocation := f.SrcLocation
		if f.Action == diffplan.ActionCopy || f.Action == diffplan.ActionMove {
			srcLocation = path.Join(snapshotFilepath, "tablet-"+f.Tablet, f.Filename)
		}
		if m.Storage.TabletIDs[f.Tablet] == nil {
			m.Storage.TabletIDs[f.Tablet] = make(map[string]manifest.FileEntry)
		}
		m.Storage.TabletIDs[f.Tablet][f.Filename] = manifest.FileEntry{
			SrcLocation: srcLocation,
			Generation:  f.Generation,
			Action:      string(f.Action),
		}
	}
	for _, tablet := range plan.DirectoryTablets {
		if m.Storage.TabletIDs[tablet] == nil {
			m.Storage.TabletIDs[tablet] = make(map[string]manifest.FileEntry)
		}
		m.Storage.TabletIDs[tablet][diffplan.DirectoryMarker] = manifest.FileEntry{IsDir: true}
	}
}

// loadAncestorManifests walks manifest_previous starting at location, up to
// hops times, building the retention chain a promotion in this backup may
// need to rewrite. A missing or unparsable manifest partway through the
// chain simply ends the walk early, the same tolerant degrade downloadManifest
// already applies to the immediately previous manifest.
func (o *Orchestrator) loadAncestorManifests(ctx context.Context, location string, hops int, tmpDir string) ([]diffplan.AncestorUpdater, []*manifest.Manifest) {
	var updaters []diffplan.AncestorUpdater
	var ancestors []*manifest.Manifest
	for i := 0; i < hops && location != ""; i++ {
		tmpPath := filepath.Join(tmpDir, fmt.Sprintf("ancestor-%d-%s", i, ManifestFileName))
		m, ok := o.downloadManifest(ctx, location, tmpPath)
		if !ok {
			break
		}
		updaters = append(updaters, diffplan.AncestorUpdater{Location: location, TabletIDs: m.Storage.TabletIDs})
		ancestors = append(ancestors, m)
		location = m.Metadata.Previous
	}
	return updaters, ancestors
}

// rewriteAncestorManifests applies every RetentionUpdate the planner emitted
// to the in-memory ancestor it targets, and re-uploads only the ancestors
// that actually changed, to their own original manifest_location. This is
// write_previous_manifests: a predecessor manifest not touched by any
// promotion this generation is left untouched at its own location.
func (o *Orchestrator) rewriteAncestorManifests(ctx context.Context, updates []diffplan.RetentionUpdate, ancestors []*manifest.Manifest, tmpDir string) error {
	mutated := make(map[int]bool)
	for _, u := range updates {
		if u.AncestorIndex < 0 || u.AncestorIndex >= len(ancestors) {
			continue
		}
		files := ancestors[u.AncestorIndex].Storage.TabletIDs[u.Tablet]
		if files == nil {
			continue
		}
		entry := files[u.Filename]
		entry.SrcLocation = u.SrcLocation
		entry.Generation = u.Generation
		entry.Action = string(diffplan.ActionNoop)
		files[u.Filename] = entry
		mutated[u.AncestorIndex] = true
	}

	for idx := range mutated {
		anc := ancestors[idx]
		data, err := anc.Marshal()
		if err != nil {
			return err
		}
		tmpPath := filepath.Join(tmpDir, fmt.Sprintf("rewritten-ancestor-%d-%s", idx, ManifestFileName))
		if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
			return err
		}
		if err := o.uploadWithChecksum(ctx, tmpPath, path.Join(anc.Metadata.Location, ManifestFileName)); err != nil {
			return fmt.Errorf("re-uploading rewritten predecessor manifest %s: %w", anc.Metadata.Location, err)
		}
	}
	return nil
}

// createAndUploadMetadata exports SnapshotInfoPB (and, for YSQL, a schema
// dump) and uploads both. It retries metadata creation up to
// createMetafilesMaxRetries times if the YSQL catalog version changes
// mid-export, since a concurrent DDL could otherwise produce metadata
// inconsistent with the snapshot's schema.
func (o *Orchestrator) createAndUploadMetadata(ctx context.Context, snapshotFilepath, tmpDir string) (string, error) {
	log := logging.WithComponent("backup")
	isYSQL := o.Cfg.IsYSQLKeyspace()
	dbName := config.KeyspaceName(o.Cfg.Keyspaces[0])
	dumpPath := filepath.Join(tmpDir, SQLDumpFileName)

	var snapshotID string
	retries := createMetafilesMaxRetries
	for retries > 0 {
		var startVersion string
		var err error
		if isYSQL {
			startVersion, err = o.Cluster.GetYSQLCatalogVersion(ctx)
			if err != nil {
				return "", err
			}
		}

		if o.Cfg.SnapshotID != "" {
			snapshotID = o.Cfg.SnapshotID
			log.Info().Str("snapshot_id", snapshotID).Msg("using existing snapshot")
		} else {
			snapshotID, err = o.createSnapshot(ctx)
			if err != nil {
				return "", err
			}
			if _, err := o.Cluster.WaitForSnapshot(ctx, snapshotID, "COMPLETE", createSnapshotTimeout, false); err != nil {
				return "", err
			}
		}

		if !isYSQL {
			break
		}

		log.Info().Str("database", dbName).Str("dump", dumpPath).Msg("creating ysql schema dump")
		if err := o.Cluster.DumpYSQLSchema(ctx, dbName, dumpPath); err != nil {
			return "", err
		}

		finalVersion, err := o.Cluster.GetYSQLCatalogVersion(ctx)
		if err != nil {
			return "", err
		}
		if finalVersion == startVersion {
			break
		}
		retries--
		log.Info().Str("start", startVersion).Str("final", finalVersion).Int("retries_left", retries).
			Msg("catalog changed during snapshot, retrying metadata export")
	}
	if retries == 0 {
		return "", fmt.Errorf("%w: catalog kept changing during metadata export", backuperr.ErrSnapshotFailed)
	}

	metadataPath := filepath.Join(tmpDir, SnapshotInfoFileName)
	if err := o.Cluster.ExportSnapshot(ctx, snapshotID, metadataPath); err != nil {
		return "", err
	}
	if err := o.uploadWithChecksum(ctx, metadataPath, path.Join(snapshotFilepath, SnapshotInfoFileName)); err != nil {
		return "", err
	}

	if isYSQL {
		if err := o.uploadWithChecksum(ctx, dumpPath, path.Join(snapshotFilepath, SQLDumpFileName)); err != nil {
			return "", err
		}
	}

	return snapshotID, nil
}

func (o *Orchestrator) createSnapshot(ctx context.Context) (string, error) {
	if len(o.Cfg.Tables) > 0 {
		pairs := make([]string, 0, len(o.Cfg.Tables))
		for i, tbl := range o.Cfg.Tables {
			ks := o.Cfg.Keyspaces[0]
			if i < len(o.Cfg.Keyspaces) {
				ks = o.Cfg.Keyspaces[i]
			}
			pairs = append(pairs, config.KeyspaceName(ks), tbl)
		}
		return o.Cluster.CreateSnapshotTables(ctx, pairs)
	}
	if o.Cfg.IsYSQLKeyspace() {
		return o.Cluster.CreateSnapshotDatabase(ctx, config.KeyspaceName(o.Cfg.Keyspaces[0]))
	}
	return o.Cluster.CreateSnapshotKeyspace(ctx, o.Cfg.Keyspaces[0])
}

// collectSnapshotFiles finds tablet leaders and enumerates every snapshot
// file under their leader-owned tablet directories, classifying each into a
// diffplan.SourceFile for the Diff Planner.
func (o *Orchestrator) collectSnapshotFiles(ctx context.Context, snapshotID string) ([]cluster.TabletLeader, []diffplan.SourceFile, error) {
	leaders, err := o.findAllTabletLeaders(ctx)
	if err != nil {
		return nil, nil, err
	}

	tabletsByHost := make(map[string]map[string]bool)
	for _, l := range leaders {
		if tabletsByHost[l.Host] == nil {
			tabletsByHost[l.Host] = make(map[string]bool)
		}
		tabletsByHost[l.Host][l.TabletID] = true
	}
	hosts := make([]string, 0, len(tabletsByHost))
	for h := range tabletsByHost {
		hosts = append(hosts, h)
	}

	perHostFiles, err := taskpool.RunEach(ctx, o.Cfg.Parallelism, hosts, func(ctx context.Context, host string) ([]diffplan.SourceFile, error) {
		paths, err := o.Cluster.FindSnapshotFiles(ctx, host, snapshotID)
		if err != nil {
			return nil, err
		}
		return classifySourceFiles(paths, tabletsByHost[host]), nil
	})
	if err != nil {
		return nil, nil, err
	}

	var all []diffplan.SourceFile
	for _, files := range perHostFiles {
		all = append(all, files...)
	}
	return leaders, all, nil
}

// classifySourceFiles turns find's absolute paths into diffplan.SourceFile
// records, extracting the owning tablet id out of the path's
// "tablet-<id>.snapshots" segment the way the original's create_manifest
// did, and dropping any file belonging to a tablet this host does not lead
// (a replica's stale snapshot directory, not yet cleaned up).
func classifySourceFiles(paths []string, ownedTablets map[string]bool) []diffplan.SourceFile {
	var out []diffplan.SourceFile
	for _, p := range paths {
		fields := strings.Split(p, "/")
		if len(fields) < 3 {
			continue
		}
		tabletSeg := fields[len(fields)-3]
		tabletSeg = strings.TrimPrefix(tabletSeg, "tablet-")
		tablet, _, _ := strings.Cut(tabletSeg, ".")
		if !ownedTablets[tablet] {
			continue
		}
		filename := fields[len(fields)-1]
		out = append(out, diffplan.SourceFile{
			Tablet:      tablet,
			Filename:    filename,
			SrcLocation: p,
			IsSST:       strings.Contains(filename, ".sst"),
		})
	}
	return out
}

func (o *Orchestrator) findAllTabletLeaders(ctx context.Context) ([]cluster.TabletLeader, error) {
	if len(o.Cfg.Tables) == 0 {
		return o.Cluster.FindTabletLeaders(ctx, o.Cfg.Keyspaces[0], "", "")
	}
	var all []cluster.TabletLeader
	for i, tbl := range o.Cfg.Tables {
		ks := o.Cfg.Keyspaces[0]
		if i < len(o.Cfg.Keyspaces) {
			ks = o.Cfg.Keyspaces[i]
		}
		uuid := ""
		if i < len(o.Cfg.TableUUIDs) {
			uuid = o.Cfg.TableUUIDs[i]
		}
		leaders, err := o.Cluster.FindTabletLeaders(ctx, ks, tbl, uuid)
		if err != nil {
			return nil, err
		}
		all = append(all, leaders...)
	}
	return all, nil
}

// uploadPlannedFiles executes the planner's decisions: COPY uploads a file,
// MOVE moves it to its new backup root, NOOP does nothing since the
// existing object already satisfies this generation. Work runs with
// bounded parallelism across all planned files. Files are always transferred
// one at a time: tablets listed in plan.DirectoryTablets are not uploaded as
// a whole directory.
func (o *Orchestrator) uploadPlannedFiles(ctx context.Context, plan diffplan.Plan, leaders []cluster.TabletLeader, snapshotFilepath string) error {
	_, err := taskpool.RunEach(ctx, o.Cfg.Parallelism, plan.Files, func(ctx context.Context, f diffplan.PlannedFile) (struct{}, error) {
		dest := path.Join(snapshotFilepath, "tablet-"+f.Tablet, f.Filename)
		switch f.Action {
		case diffplan.ActionCopy:
			if err := o.uploadWithChecksum(ctx, f.SrcLocation, dest); err != nil {
				return struct{}{}, err
			}
			metrics.FilesUploaded.WithLabelValues("copy").Inc()
		case diffplan.ActionMove:
			for _, cmd := range o.Store.Move(f.SrcLocation, dest) {
				if _, err := o.Executor.RunLocal(ctx, cmd, remoteexec.Options{}); err != nil {
					return struct{}{}, fmt.Errorf("moving %s: %w", f.SrcLocation, err)
				}
			}
			metrics.FilesUploaded.WithLabelValues("move").Inc()
		case diffplan.ActionNoop:
			// The file already lives at SrcLocation from an earlier
			// backup's upload; nothing to transfer this generation.
		}
		return struct{}{}, nil
	})
	return err
}

func (o *Orchestrator) uploadEncryptionKeyFile(ctx context.Context, snapshotFilepath string) error {
	destPath := path.Join(snapshotFilepath, filepath.Base(o.Cfg.BackupKeysSource))
	if _, err := o.Executor.RunLocal(ctx, o.Store.UploadFile(o.Cfg.BackupKeysSource, destPath), remoteexec.Options{}); err != nil {
		return fmt.Errorf("uploading encryption key file: %w", err)
	}
	return nil
}
