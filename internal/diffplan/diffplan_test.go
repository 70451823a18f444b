package diffplan

import (
	"testing"

	"github.com/ybbackup/ybbackup/internal/manifest"
)

func actionFor(plan Plan, tablet, filename string) (Action, bool) {
	for _, f := range plan.Files {
		if f.Tablet == tablet && f.Filename == filename {
			return f.Action, true
		}
	}
	return "", false
}

func TestFullBackupCopiesEverythingAndSentinels(t *testing.T) {
	files := []SourceFile{
		{Tablet: "t1", Filename: "000001.sst", SrcLocation: "/data/t1/000001.sst", IsSST: true},
		{Tablet: "t1", Filename: "metadata", SrcLocation: "/data/t1/metadata"},
	}
	plan := Full(files)
	if plan.IsDifferential {
		t.Fatal("expected non-differential plan")
	}
	if len(plan.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(plan.Files))
	}
	for _, f := range plan.Files {
		if f.Action != ActionCopy {
			t.Errorf("file %s/%s action = %s, want COPY", f.Tablet, f.Filename, f.Action)
		}
	}
	if len(plan.DirectoryTablets) != 1 || plan.DirectoryTablets[0] != "t1" {
		t.Errorf("DirectoryTablets = %v, want [t1]", plan.DirectoryTablets)
	}
}

func TestDiffNewSSTIsCopied(t *testing.T) {
	curr := []SourceFile{
		{Tablet: "t1", Filename: "000002.sst", SrcLocation: "/data/t1/000002.sst", IsSST: true},
	}
	prev := map[string]map[string]manifest.FileEntry{
		"t1": {"000001.sst": {SrcLocation: "/backup/t1/000001.sst", Generation: 1}},
	}
	plan := Diff(curr, prev, nil, 3, "/backup")
	action, ok := actionFor(plan, "t1", "000002.sst")
	if !ok || action != ActionCopy {
		t.Errorf("expected new SST to be COPY, got %v ok=%v", action, ok)
	}
	// Only new files this generation and nothing reused -> directory sentinel.
	if len(plan.DirectoryTablets) != 1 {
		t.Errorf("expected directory sentinel for t1, got %v", plan.DirectoryTablets)
	}
}

func TestDiffUnchangedSSTIsNoopBelowRetention(t *testing.T) {
	curr := []SourceFile{
		{Tablet: "t1", Filename: "000001.sst", SrcLocation: "/data/t1/000001.sst", IsSST: true},
	}
	prev := map[string]map[string]manifest.FileEntry{
		"t1": {"000001.sst": {SrcLocation: "/backup/t1/000001.sst", Generation: 1}},
	}
	plan := Diff(curr, prev, nil, 3, "/backup")
	action, ok := actionFor(plan, "t1", "000001.sst")
	if !ok || action != ActionNoop {
		t.Fatalf("expected NOOP, got %v ok=%v", action, ok)
	}
	for _, f := range plan.Files {
		if f.Filename == "000001.sst" && f.Generation != 2 {
			t.Errorf("generation = %d, want 2", f.Generation)
		}
	}
	if len(plan.DirectoryTablets) != 0 {
		t.Errorf("expected no directory sentinel when files are reused, got %v", plan.DirectoryTablets)
	}
}

func TestDiffUnchangedSSTIsPromotedAtRetentionLimit(t *testing.T) {
	curr := []SourceFile{
		{Tablet: "t1", Filename: "000001.sst", SrcLocation: "/data/t1/000001.sst", IsSST: true},
	}
	prev := map[string]map[string]manifest.FileEntry{
		"t1": {"000001.sst": {SrcLocation: "/backup/t1/000001.sst", Generation: 3}},
	}
	ancestors := []AncestorUpdater{
		{
			Location: "/backup/ancestor0",
			TabletIDs: map[string]map[string]manifest.FileEntry{
				"t1": {"000001.sst": {SrcLocation: "/backup/ancestor0/t1/000001.sst", Generation: 2}},
			},
		},
	}
	plan := Diff(curr, prev, ancestors, 3, "/backup")
	action, ok := actionFor(plan, "t1", "000001.sst")
	if !ok || action != ActionMove {
		t.Fatalf("expected MOVE at retention limit, got %v ok=%v", action, ok)
	}
	for _, f := range plan.Files {
		if f.Filename == "000001.sst" && f.Generation != 1 {
			t.Errorf("promoted file generation = %d, want 1 (reset)", f.Generation)
		}
	}
	if len(plan.RetentionUpdates) != 1 {
		t.Fatalf("expected 1 retention update, got %d", len(plan.RetentionUpdates))
	}
	upd := plan.RetentionUpdates[0]
	if upd.Generation != 2 { // restorePoints(3) - 1
		t.Errorf("retention update generation = %d, want 2", upd.Generation)
	}
	if upd.AncestorIndex != 0 {
		t.Errorf("retention update ancestor index = %d, want 0", upd.AncestorIndex)
	}
}

func TestDiffNonSSTAlwaysCopied(t *testing.T) {
	curr := []SourceFile{
		{Tablet: "t1", Filename: "metadata", SrcLocation: "/data/t1/metadata"},
	}
	prev := map[string]map[string]manifest.FileEntry{
		"t1": {"metadata": {SrcLocation: "/backup/t1/metadata", Generation: 5}},
	}
	plan := Diff(curr, prev, nil, 3, "/backup")
	action, ok := actionFor(plan, "t1", "metadata")
	if !ok || action != ActionCopy {
		t.Errorf("expected non-SST file to always COPY, got %v ok=%v", action, ok)
	}
}

func TestDiffMixedOldAndNewSuppressesDirectorySentinel(t *testing.T) {
	curr := []SourceFile{
		{Tablet: "t1", Filename: "000001.sst", SrcLocation: "/data/t1/000001.sst", IsSST: true},
		{Tablet: "t1", Filename: "000002.sst", SrcLocation: "/data/t1/000002.sst", IsSST: true},
	}
	prev := map[string]map[string]manifest.FileEntry{
		"t1": {"000001.sst": {SrcLocation: "/backup/t1/000001.sst", Generation: 1}},
	}
	plan := Diff(curr, prev, nil, 3, "/backup")
	if len(plan.DirectoryTablets) != 0 {
		t.Errorf("expected no directory sentinel when both reused and new files exist, got %v", plan.DirectoryTablets)
	}
}
