package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/ybbackup/ybbackup/internal/backuperr"
	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

type fakeExecutor struct {
	outputs []string
	calls   int
	err     error
}

func (f *fakeExecutor) RunLocal(_ context.Context, _ remoteexec.Command, _ remoteexec.Options) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.outputs) {
		return f.outputs[len(f.outputs)-1], nil
	}
	out := f.outputs[f.calls]
	f.calls++
	return out, nil
}

func (f *fakeExecutor) RunRemote(ctx context.Context, cmd remoteexec.Command, _ string, opts remoteexec.Options) (string, error) {
	return f.RunLocal(ctx, cmd, opts)
}

func TestCreateSnapshotParsesUUID(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{"Started snapshot creation: 0436035d-c4c5-40c6-b45b-19538849b0d9\n"}}
	c := New(Masters{"m1:7100"}, fe, "")
	id, err := c.CreateSnapshotKeyspace(context.Background(), "ks1")
	if err != nil {
		t.Fatalf("CreateSnapshotKeyspace: %v", err)
	}
	if id != "0436035d-c4c5-40c6-b45b-19538849b0d9" {
		t.Errorf("id = %q", id)
	}
}

func TestCreateSnapshotParseFailure(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{"garbage output\n"}}
	c := New(Masters{"m1:7100"}, fe, "")
	_, err := c.CreateSnapshotKeyspace(context.Background(), "ks1")
	if !errors.Is(err, backuperr.ErrAdminParseError) {
		t.Fatalf("expected ErrAdminParseError, got %v", err)
	}
}

func TestWaitForSnapshotCompletesImmediately(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{"0436035d-c4c5-40c6-b45b-19538849b0d9  COMPLETE\n"}}
	c := New(Masters{"m1:7100"}, fe, "")
	_, err := c.WaitForSnapshot(context.Background(), "0436035d-c4c5-40c6-b45b-19538849b0d9", "COMPLETE", 0, false)
	if err != nil {
		t.Fatalf("WaitForSnapshot: %v", err)
	}
}

func TestWaitForSnapshotFailedState(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{"0436035d-c4c5-40c6-b45b-19538849b0d9  FAILED\n"}}
	c := New(Masters{"m1:7100"}, fe, "")
	_, err := c.WaitForSnapshot(context.Background(), "0436035d-c4c5-40c6-b45b-19538849b0d9", "COMPLETE", 0, false)
	if !errors.Is(err, backuperr.ErrSnapshotFailed) {
		t.Fatalf("expected ErrSnapshotFailed, got %v", err)
	}
}

func TestWaitForSnapshotWithDetails(t *testing.T) {
	output := "0436035d-c4c5-40c6-b45b-19538849b0d9  COMPLETE\n" +
		` {"type":"NAMESPACE","id":"ns1","data":{"name":"mydb","database_type":"YQL_DATABASE_CQL"}}` + "\n" +
		` {"type":"TABLE","id":"tbl1","data":{"name":"mytable","namespace_id":"ns1"}}` + "\n"
	fe := &fakeExecutor{outputs: []string{output}}
	c := New(Masters{"m1:7100"}, fe, "")
	details, err := c.WaitForSnapshot(context.Background(), "0436035d-c4c5-40c6-b45b-19538849b0d9", "COMPLETE", 0, true)
	if err != nil {
		t.Fatalf("WaitForSnapshot: %v", err)
	}
	if len(details) != 1 || details[0].Table != "mytable" || details[0].Keyspace != "mydb" {
		t.Fatalf("details = %+v", details)
	}
}

func TestFindTabletLeaders(t *testing.T) {
	output := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\tv\t10.0.0.1:9100\n"
	fe := &fakeExecutor{outputs: []string{output}}
	c := New(Masters{"m1:7100"}, fe, "")
	leaders, err := c.FindTabletLeaders(context.Background(), "ks1", "tbl1", "")
	if err != nil {
		t.Fatalf("FindTabletLeaders: %v", err)
	}
	if len(leaders) != 1 || leaders[0].Host != "10.0.0.1" {
		t.Fatalf("leaders = %+v", leaders)
	}
}

func TestVerifyColocatedTableIDsMismatch(t *testing.T) {
	err := VerifyColocatedTableIDs("aaaaaaaaaaaaaaaaaaaaaaaaaaaa1234", "bbbbbbbbbbbbbbbbbbbbbbbbbbbb5678")
	if !errors.Is(err, backuperr.ErrColocatedOidMismatch) {
		t.Fatalf("expected ErrColocatedOidMismatch, got %v", err)
	}
}

func TestVerifyColocatedTableIDsMatch(t *testing.T) {
	err := VerifyColocatedTableIDs("aaaaaaaaaaaaaaaaaaaaaaaaaaaa1234", "bbbbbbbbbbbbbbbbbbbbbbbbbbbb1234")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestExportSnapshot(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{""}}
	c := New(Masters{"m1:7100"}, fe, "")
	if err := c.ExportSnapshot(context.Background(), "snap1", "/tmp/SnapshotInfoPB"); err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{""}}
	c := New(Masters{"m1:7100"}, fe, "")
	if err := c.DeleteSnapshot(context.Background(), "snap1"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
}

func TestExportSnapshotPropagatesExecError(t *testing.T) {
	fe := &fakeExecutor{err: errors.New("boom")}
	c := New(Masters{"m1:7100"}, fe, "")
	if err := c.ExportSnapshot(context.Background(), "snap1", "/tmp/SnapshotInfoPB"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDumpYSQLSchema(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{""}}
	c := New(Masters{"m1:7100"}, fe, "/home/yugabyte")
	if err := c.DumpYSQLSchema(context.Background(), "mydb", "/tmp/YSQLDump"); err != nil {
		t.Fatalf("DumpYSQLSchema: %v", err)
	}
}

func TestApplyYSQLDump(t *testing.T) {
	fe := &fakeExecutor{outputs: []string{""}}
	c := New(Masters{"m1:7100"}, fe, "")
	if err := c.ApplyYSQLDump(context.Background(), "/tmp/YSQLDump"); err != nil {
		t.Fatalf("ApplyYSQLDump: %v", err)
	}
}

func TestFindSnapshotFiles(t *testing.T) {
	varz := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "some_flag=1\nfs_data_dirs=/mnt/d0,/mnt/d1\nother_flag=2\n")
	}))
	defer varz.Close()

	fe := &fakeExecutor{outputs: []string{
		"/mnt/d0/yb-data/tserver/data/rocksdb/table-t1/tablet-aaaa.snapshots/snap1/000001.sst\n",
		"/mnt/d1/yb-data/tserver/data/rocksdb/table-t1/tablet-bbbb.snapshots/snap1/000002.sst\n",
	}}
	c := New(Masters{"m1:7100"}, fe, "")
	c.HTTP = varz.Client()

	varzURL, err := url.Parse(varz.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	port, err := strconv.Atoi(varzURL.Port())
	if err != nil {
		t.Fatalf("parsing test server port: %v", err)
	}

	files, err := c.findSnapshotFilesAt(context.Background(), varzURL.Hostname(), port, "snap1")
	if err != nil {
		t.Fatalf("FindSnapshotFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %+v", files)
	}
}

func TestIdentifyNewTabletReplicasDelta(t *testing.T) {
	oldMap := map[string]map[string]bool{
		"host1": {"t1": true},
	}
	newMap := map[string]map[string]bool{
		"host1": {"t1": true, "t2": true},
		"host2": {"t3": true},
	}
	union, delta := IdentifyNewTabletReplicas(oldMap, newMap)
	if !union["host1"]["t2"] {
		t.Error("expected union to include t2 on host1")
	}
	if !delta["host1"]["t2"] {
		t.Error("expected delta to include t2 on host1")
	}
	if !delta["host2"]["t3"] {
		t.Error("expected delta to include t3 on host2")
	}
	if delta["host1"]["t1"] {
		t.Error("expected t1 on host1 to not be in delta (already known)")
	}
}
