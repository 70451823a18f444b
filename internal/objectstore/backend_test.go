package objectstore

import (
	"strings"
	"testing"

	"github.com/ybbackup/ybbackup/internal/config"
)

func TestNewUnknownStorageType(t *testing.T) {
	_, err := New(&config.Config{StorageType: "bogus"}, "/tmp/cfg")
	if err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestS3UploadFileWithSSE(t *testing.T) {
	b := &s3Backend{cfgPath: "/tmp/s3cfg", sse: true}
	cmd := b.UploadFile("/local/f", "s3://bucket/f")
	want := "s3cmd --force --no-check-certificate --config=/tmp/s3cfg put /local/f s3://bucket/f --server-side-encryption"
	if cmd.Quoted() != want {
		t.Errorf("got %q, want %q", cmd.Quoted(), want)
	}
}

func TestS3DeleteGuardsEmptyDest(t *testing.T) {
	b := &s3Backend{cfgPath: "/tmp/s3cfg"}
	if _, err := b.Delete(""); err == nil {
		t.Fatal("expected error deleting empty destination")
	}
	if _, err := b.Delete("/"); err == nil {
		t.Fatal("expected error deleting root destination")
	}
}

func TestGcsUploadDirUsesRsync(t *testing.T) {
	b := &gcsBackend{cfgPath: "/tmp/gcskey.json"}
	cmd := b.UploadDir("/local/dir", "gs://bucket/dir")
	if !strings.Contains(cmd.Quoted(), "-m rsync -r") {
		t.Errorf("expected rsync invocation, got %q", cmd.Quoted())
	}
}

func TestAzureMoveIsCopyThenDelete(t *testing.T) {
	b := &azureBackend{sasToken: "?sv=token"}
	cmds := b.Move("https://a/src", "https://a/dest")
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(cmds))
	}
	if cmds[0].Argv[1] != "cp" || cmds[1].Argv[1] != "rm" {
		t.Errorf("expected cp then rm, got %v then %v", cmds[0].Argv, cmds[1].Argv)
	}
}

func TestNfsUploadFileWrapsInShell(t *testing.T) {
	b := &nfsBackend{}
	cmd := b.UploadFile("/local/f", "/mnt/backups/f")
	if cmd.Argv[0] != "sh" || cmd.Argv[1] != "-c" {
		t.Fatalf("expected sh -c wrapper, got %v", cmd.Argv)
	}
	if !strings.Contains(cmd.Argv[2], "mkdir -p") || !strings.Contains(cmd.Argv[2], "rsync") {
		t.Errorf("expected mkdir+rsync in shell line, got %q", cmd.Argv[2])
	}
}

func TestNfsDeleteGuardsRoot(t *testing.T) {
	b := &nfsBackend{}
	if _, err := b.Delete("/"); err == nil {
		t.Fatal("expected error deleting root")
	}
}
