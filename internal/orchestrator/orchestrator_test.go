package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ybbackup/ybbackup/internal/config"
	"github.com/ybbackup/ybbackup/internal/diffplan"
	"github.com/ybbackup/ybbackup/internal/manifest"
	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

// fakeExecutor records every command it was asked to run and plays back a
// canned output per call, mirroring the cluster package's test double.
type fakeExecutor struct {
	outputs []string
	calls   int
	ran     []remoteexec.Command
}

func (f *fakeExecutor) RunLocal(_ context.Context, cmd remoteexec.Command, _ remoteexec.Options) (string, error) {
	f.ran = append(f.ran, cmd)
	if f.calls >= len(f.outputs) {
		return "", nil
	}
	out := f.outputs[f.calls]
	f.calls++
	return out, nil
}

func (f *fakeExecutor) RunRemote(ctx context.Context, cmd remoteexec.Command, _ string, opts remoteexec.Options) (string, error) {
	return f.RunLocal(ctx, cmd, opts)
}

// fakeBackend is a minimal objectstore.Backend recording what it was asked
// to move or delete.
type fakeBackend struct {
	deleted []string
}

func (f *fakeBackend) UploadFile(src, dest string) remoteexec.Command   { return remoteexec.New("cp", src, dest) }
func (f *fakeBackend) DownloadFile(src, dest string) remoteexec.Command { return remoteexec.New("cp", src, dest) }
func (f *fakeBackend) UploadDir(src, dest string) remoteexec.Command    { return remoteexec.New("cp", "-r", src, dest) }
func (f *fakeBackend) DownloadDir(src, dest string) remoteexec.Command  { return remoteexec.New("cp", "-r", src, dest) }
func (f *fakeBackend) Move(src, dest string) []remoteexec.Command {
	return []remoteexec.Command{remoteexec.New("mv", src, dest)}
}
func (f *fakeBackend) Delete(dest string) (remoteexec.Command, error) {
	f.deleted = append(f.deleted, dest)
	return remoteexec.New("rm", "-rf", dest), nil
}

func newTestOrchestrator(exec *fakeExecutor, store *fakeBackend, cfg *config.Config) *Orchestrator {
	return &Orchestrator{Cfg: cfg, Store: store, Executor: exec}
}

func TestClassifySourceFiles(t *testing.T) {
	paths := []string{
		"/mnt/d0/yb-data/tserver/data/rocksdb/table-t1/tablet-aaaa.snapshots/snap1/000001.sst",
		"/mnt/d0/yb-data/tserver/data/rocksdb/table-t1/tablet-bbbb.snapshots/snap1/metadata",
	}
	owned := map[string]bool{"aaaa": true}

	out := classifySourceFiles(paths, owned)

	require.Len(t, out, 1)
	assert.Equal(t, "aaaa", out[0].Tablet)
	assert.Equal(t, "000001.sst", out[0].Filename)
	assert.True(t, out[0].IsSST)
}

func TestApplyPlanToManifestCopyRewritesLocation(t *testing.T) {
	m := manifest.New("diff", "universe", "uid")
	plan := diffplan.Plan{
		Files: []diffplan.PlannedFile{
			{Tablet: "t1", Filename: "000001.sst", SrcLocation: "/mnt/d0/.../000001.sst", Generation: 1, Action: diffplan.ActionCopy},
			{Tablet: "t1", Filename: "000002.sst", SrcLocation: "s3://bucket/keyspace-ks/t1/000002.sst", Generation: 1, Action: diffplan.ActionMove},
		},
		DirectoryTablets: []string{"t2"},
	}

	applyPlanToManifest(m, plan, "s3://bucket/keyspace-ks")

	assert.Equal(t, "s3://bucket/keyspace-ks/tablet-t1/000001.sst", m.Storage.TabletIDs["t1"]["000001.sst"].SrcLocation)
	assert.Equal(t, "s3://bucket/keyspace-ks/tablet-t1/000002.sst", m.Storage.TabletIDs["t1"]["000002.sst"].SrcLocation)
	_, isDir := m.Storage.TabletIDs["t2"][diffplan.DirectoryMarker]
	assert.True(t, isDir)
}

func TestRenameDumpDatabase(t *testing.T) {
	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "YSQLDump")
	original := "CREATE DATABASE olddb WITH blah;\n\\connect olddb\nCREATE TABLE t (id int);\n"
	require.NoError(t, os.WriteFile(dumpPath, []byte(original), 0o644))

	require.NoError(t, renameDumpDatabase(dumpPath, "newdb"))

	rewritten, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), "CREATE DATABASE newdb")
	assert.Contains(t, string(rewritten), `\connect newdb`)
	assert.NotContains(t, string(rewritten), "olddb")
}

func TestRenameDumpDatabaseNoCreateStatement(t *testing.T) {
	dir := t.TempDir()
	dumpPath := filepath.Join(dir, "YSQLDump")
	require.NoError(t, os.WriteFile(dumpPath, []byte("CREATE TABLE t (id int);\n"), 0o644))

	err := renameDumpDatabase(dumpPath, "newdb")
	assert.Error(t, err)
}

func TestRestoreKeysNoDestinationIsNoop(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeBackend{}
	o := newTestOrchestrator(exec, store, &config.Config{})

	require.NoError(t, o.RestoreKeys(context.Background()))
	assert.Empty(t, exec.ran)
}

func TestRestoreKeysDownloadsToDestination(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeBackend{}
	dest := filepath.Join(t.TempDir(), "universe_key")
	o := newTestOrchestrator(exec, store, &config.Config{
		BackupLoc:              "/backups/bucket/keyspace-ks",
		RestoreKeysDestination: dest,
	})

	require.NoError(t, o.RestoreKeys(context.Background()))
	require.Len(t, exec.ran, 1)
	assert.Equal(t, []string{"cp", "/backups/bucket/universe_key", dest}, exec.ran[0].Argv)
}

func TestDeleteBackup(t *testing.T) {
	exec := &fakeExecutor{}
	store := &fakeBackend{}
	o := newTestOrchestrator(exec, store, &config.Config{BackupLoc: "/backups/bucket/keyspace-ks"})

	require.NoError(t, o.DeleteBackup(context.Background()))
	assert.Equal(t, []string{"/backups/bucket/keyspace-ks"}, store.deleted)
	require.Len(t, exec.ran, 1)
	assert.Equal(t, "rm", exec.ran[0].Argv[0])
}
