package manifest

import "testing"

func TestNewAssignsNameFromID(t *testing.T) {
	m := New("full", "universe1", "uid-1")
	want := "MANIFEST-" + ManifestVersion + "-" + m.Metadata.ManifestID
	if m.Metadata.ManifestName != want {
		t.Errorf("ManifestName = %q, want %q", m.Metadata.ManifestName, want)
	}
	if m.Metadata.ManifestType != "full" {
		t.Errorf("ManifestType = %q, want %q", m.Metadata.ManifestType, "full")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	m := New("diff", "universe1", "uid-1")
	m.Storage.TabletIDs["tablet-a"] = map[string]FileEntry{
		"file1": {SrcLocation: "/data/file1", Generation: 2},
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Metadata.ManifestID != m.Metadata.ManifestID {
		t.Errorf("ManifestID = %q, want %q", back.Metadata.ManifestID, m.Metadata.ManifestID)
	}
	entry := back.Storage.TabletIDs["tablet-a"]["file1"]
	if entry.Generation != 2 || entry.SrcLocation != "/data/file1" {
		t.Errorf("roundtripped entry = %+v", entry)
	}
}

func TestUnmarshalMissingTabletIDsInitialized(t *testing.T) {
	m, err := Unmarshal([]byte(`{"manifest":{"metadata":{"manifest_id":"x"}}}`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.Storage.TabletIDs == nil {
		t.Fatal("expected TabletIDs to be initialized")
	}
}
