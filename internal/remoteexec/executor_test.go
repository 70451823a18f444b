package remoteexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ybbackup/ybbackup/internal/backuperr"
)

func TestRunLocalEcho(t *testing.T) {
	e := NewExecutor(ModeDirect, SSHConfig{}, K8sConfig{})
	out, err := e.RunLocal(context.Background(), New("echo", "hello"), Options{})
	if err != nil {
		t.Fatalf("RunLocal returned error: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("RunLocal output = %q, want %q", out, "hello\n")
	}
}

func TestRunLocalFailureWrapsBackupErr(t *testing.T) {
	e := NewExecutor(ModeDirect, SSHConfig{}, K8sConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := e.RunLocal(ctx, New("false"), Options{Retries: 1})
	if err == nil {
		t.Fatal("expected error from `false` command")
	}
	if !errors.Is(err, backuperr.ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
}

func TestCloudConfigUploadedMemoization(t *testing.T) {
	e := NewExecutor(ModeDirect, SSHConfig{}, K8sConfig{})
	if CloudConfigUploaded(e, "host-1") {
		t.Fatal("expected host-1 to start unmarked")
	}
	if !MarkCloudConfigUploaded(e, "host-1") {
		t.Fatal("expected first mark to return true")
	}
	if MarkCloudConfigUploaded(e, "host-1") {
		t.Fatal("expected second mark to return false")
	}
	if !CloudConfigUploaded(e, "host-1") {
		t.Fatal("expected host-1 to be marked uploaded")
	}
	if CloudConfigUploaded(e, "host-2") {
		t.Fatal("expected host-2 to remain unmarked")
	}
}

func TestModeDirectIgnoresHostOnRunRemote(t *testing.T) {
	e := NewExecutor(ModeDirect, SSHConfig{}, K8sConfig{})
	out, err := e.RunRemote(context.Background(), New("echo", "ok"), "some-unreachable-host", Options{})
	if err != nil {
		t.Fatalf("RunRemote in direct mode returned error: %v", err)
	}
	if out != "ok\n" {
		t.Errorf("RunRemote output = %q, want %q", out, "ok\n")
	}
}
