// Package manifest models the JSON document written alongside every backup:
// the record of what was copied, what generation each file belongs to, and
// which manifest (if any) it diffs against. A manifest is reloaded and
// extended on every create_diff invocation, so this package also owns
// reading one back (Unmarshal); filling a manifest with a newly planned
// generation is done by the orchestrator.
package manifest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ManifestVersion is bumped whenever the on-disk schema changes in a way a
// reader needs to know about.
const ManifestVersion = "2"

// FileEntry is one file or directory entry under a tablet, keyed by its
// snapshot-relative name within storage_tablet_ids[tabletID].
type FileEntry struct {
	SrcLocation string `json:"src_location"`
	Generation  int    `json:"generation"`
	Action      string `json:"action,omitempty"`
	IsDir       bool   `json:"is_dir,omitempty"`
}

// Metadata is the manifest's identity block.
type Metadata struct {
	ManifestVersion string `json:"manifest_version"`
	ManifestID      string `json:"manifest_id"`
	ManifestName    string `json:"manifest_name"`
	ManifestType    string `json:"manifest_type"` // "full" or "diff"
	UniverseName    string `json:"manifest_universe_name"`
	UniverseID      string `json:"manifest_universe_id"`
	CreateDate      string `json:"manifest_create_date"`
	Location        string `json:"manifest_location"`
	Previous        string `json:"manifest_previous"`
}

// Database describes what was backed up.
type Database struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"` // "ysql" or "ycql"
	Tables []string `json:"database_tables,omitempty"`
}

// Storage is the file inventory: per-tablet maps of file name to FileEntry.
type Storage struct {
	Location     string                          `json:"location"`
	LocationType string                          `json:"location_type"`
	Keyspace     string                          `json:"keyspace"`
	Table        string                          `json:"table,omitempty"`
	TableIDs     map[string]string               `json:"table_id,omitempty"`
	TabletIDs    map[string]map[string]FileEntry  `json:"tablet_ids"`
}

// Backup carries the run metadata: snapshot IDs, tablet leaders used during
// the run, and timestamps.
type Backup struct {
	Name        string            `json:"name"`
	SnapshotID  map[string]string `json:"snapshot_id,omitempty"`
	Leaders     []string          `json:"tablet_leaders,omitempty"`
	CreateDate  string            `json:"create_date"`
	StartTime   string            `json:"start_time,omitempty"`
	EndTime     string            `json:"end_time,omitempty"`
}

// Manifest is the full document, matching the "manifest" envelope the
// original tool writes.
type Manifest struct {
	Metadata Metadata `json:"metadata"`
	Database Database `json:"database"`
	Storage  Storage  `json:"storage"`
	Backup   Backup   `json:"backup"`
}

// envelope is the on-disk wrapper: {"manifest": {...}}.
type envelope struct {
	Manifest Manifest `json:"manifest"`
}

// New creates an empty manifest of the given type ("full" or "diff"),
// generating a fresh manifest ID.
func New(manifestType, universeName, universeID string) *Manifest {
	id := uuid.New().String()
	return &Manifest{
		Metadata: Metadata{
			ManifestVersion: ManifestVersion,
			ManifestID:      id,
			ManifestName:    "MANIFEST-" + ManifestVersion + "-" + id,
			ManifestType:    manifestType,
			UniverseName:    universeName,
			UniverseID:      universeID,
			CreateDate:      time.Now().UTC().Format(time.RFC3339),
		},
		Storage: Storage{
			TabletIDs: make(map[string]map[string]FileEntry),
		},
	}
}

// Marshal renders the manifest as indented JSON, wrapped in its envelope.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(envelope{Manifest: *m}, "", "    ")
}

// Unmarshal reads a manifest back from its on-disk envelope. Unknown or
// absent fields are tolerated: a manifest written by an older ManifestVersion
// still parses, it simply has zero-valued newer fields.
func Unmarshal(data []byte) (*Manifest, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Manifest.Storage.TabletIDs == nil {
		env.Manifest.Storage.TabletIDs = make(map[string]map[string]FileEntry)
	}
	return &env.Manifest, nil
}
