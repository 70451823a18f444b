// Package diffplan implements the differential-backup planning algorithm:
// given the current snapshot's file list and (optionally) the manifest of a
// previous backup, it decides which files must be copied to the backup
// location, which have been reused for the whole retention window and must be
// moved from their earlier backup location into this backup's root (MOVE),
// and which need no work at all (NOOP) because an ancestor manifest already
// covers them for the requested retention window.
//
// This is a direct port of the set-algebra in the original backup_table
// method: SST files are compared across backups (they are immutable once
// flushed, so an unchanged SST is never re-uploaded); every other file
// (metadata, WAL remnants) is always copied fresh.
package diffplan

import (
	"path"
	"sort"

	"github.com/ybbackup/ybbackup/internal/manifest"
)

// Action is what the orchestrator should do with a planned file.
type Action string

const (
	ActionCopy Action = "COPY"
	ActionMove Action = "MOVE"
	ActionNoop Action = "NOOP"
)

// DirectoryMarker is the sentinel entry name the original tool writes into
// a tablet's file map when every file in that tablet is brand new. Restore
// downloads such a tablet's backup directory as a whole; backup still
// uploads the tablet's files one at a time.
const DirectoryMarker = "DIRECTORY"

// SourceFile is one file discovered under a tablet's current snapshot
// directory, before it is classified into a Plan.
type SourceFile struct {
	Tablet      string
	Filename    string // basename only
	SrcLocation string // full path on the tserver host
	IsSST       bool   // true if Filename contains ".sst"
}

// PlannedFile is one entry of the final manifest: an action plus the file
// metadata to persist under storage_tablet_ids[Tablet][Filename].
type PlannedFile struct {
	Tablet      string
	Filename    string
	SrcLocation string
	Generation  int
	Action      Action
}

// RetentionUpdate records a generation/location rewrite that must be applied
// to one ancestor manifest (identified by its chain position, 0 = the
// immediately previous manifest) when a file is promoted out of that
// ancestor's retention window.
type RetentionUpdate struct {
	AncestorIndex int
	Tablet        string
	Filename      string
	Generation    int
	SrcLocation   string
}

// Plan is the result of planning one differential (or full) backup.
type Plan struct {
	Files            []PlannedFile
	RetentionUpdates []RetentionUpdate
	DirectoryTablets []string // tablets that should get the DIRECTORY sentinel
	IsDifferential   bool
}

// key joins a tablet and filename the way the original tool's dict keys do,
// so set membership tests line up between current and previous files.
func key(tablet, filename string) string { return tablet + "/" + filename }

// Full plans a full (non-differential) backup: every discovered file is
// copied, and every tablet gets the DIRECTORY sentinel so restore downloads
// whole tablet directories instead of individual files.
func Full(files []SourceFile) Plan {
	tablets := make(map[string]bool)
	planned := make([]PlannedFile, 0, len(files))
	for _, f := range files {
		planned = append(planned, PlannedFile{
			Tablet:      f.Tablet,
			Filename:    f.Filename,
			SrcLocation: f.SrcLocation,
			Generation:  1,
			Action:      ActionCopy,
		})
		tablets[f.Tablet] = true
	}
	return Plan{
		Files:            planned,
		DirectoryTablets: sortedKeys(tablets),
		IsDifferential:   false,
	}
}

// AncestorUpdater is an in-memory ancestor manifest from the retention
// chain: up to restore_points manifests walked back via manifest_previous,
// starting with the previous manifest itself, loaded only so their
// generation/src_location can be rewritten when a file is promoted out of
// their window.
type AncestorUpdater struct {
	// Location is the manifest's own storage location (manifest_location),
	// needed by the caller to know where to re-write it.
	Location string
	// TabletIDs mirrors manifest.Storage.TabletIDs for this ancestor.
	TabletIDs map[string]map[string]manifest.FileEntry
}

// Diff plans a differential backup against prev, the previously uploaded
// manifest's storage_tablet_ids, and restorePoints, the number of diff
// generations to retain before a file must be promoted to its own
// standalone copy.
//
// ancestors holds up to restorePoints manifests in chain order
// (ancestors[0] is the manifest prev was read from); a file promoted out of the
// current retention window has its generation and src_location rewritten in
// every ancestor that still references it, recorded as RetentionUpdates for
// the caller to persist.
func Diff(curr []SourceFile, prev map[string]map[string]manifest.FileEntry, ancestors []AncestorUpdater, restorePoints int, backupLocation string) Plan {
	currByKey := make(map[string]SourceFile, len(curr))
	compareCurr := make(map[string]bool)
	copyCurr := make(map[string]bool)
	for _, f := range curr {
		k := key(f.Tablet, f.Filename)
		currByKey[k] = f
		if f.IsSST {
			compareCurr[k] = true
		} else {
			copyCurr[k] = true
		}
	}

	prevFlat := make(map[string]manifest.FileEntry)
	comparePrev := make(map[string]bool)
	for tablet, files := range prev {
		for filename, entry := range files {
			k := key(tablet, filename)
			prevFlat[k] = entry
			if containsSST(filename) {
				comparePrev[k] = true
			}
		}
	}

	filesInBoth := intersect(compareCurr, comparePrev)
	filesInCurr := difference(compareCurr, comparePrev)

	var planned []PlannedFile
	var updates []RetentionUpdate
	tabletsTouched := make(map[string]bool)

	emit := func(tablet, filename, src string, gen int, action Action) {
		planned = append(planned, PlannedFile{
			Tablet:      tablet,
			Filename:    filename,
			SrcLocation: src,
			Generation:  gen,
			Action:      action,
		})
		tabletsTouched[tablet] = true
	}

	// New SST files never seen in the previous manifest: copy them fresh.
	for k := range filesInCurr {
		f := currByKey[k]
		emit(f.Tablet, f.Filename, f.SrcLocation, 1, ActionCopy)
	}

	// Non-SST files are always copied fresh every generation.
	for k := range copyCurr {
		f := currByKey[k]
		emit(f.Tablet, f.Filename, f.SrcLocation, 1, ActionCopy)
	}

	// SST files present in both: either promote (MOVE, reset generation)
	// or keep pointing at the existing copy (NOOP, bump generation).
	for k := range filesInBoth {
		tablet, filename := splitKey(k)
		entry := prevFlat[k]

		if restorePoints <= entry.Generation {
			entry.Generation = 1
			emit(tablet, filename, entry.SrcLocation, entry.Generation, ActionMove)

			newSrc := path.Join(backupLocation, "tablet-"+tablet, filename)
			// Ancestors keep the file at generation restorePoints-1, taken
			// literally from the original tool; with restorePoints == 1 that
			// is generation 0, so the file is promoted again on the next diff.
			for i, anc := range ancestors {
				if files, ok := anc.TabletIDs[tablet]; ok {
					if _, ok := files[filename]; ok {
						updates = append(updates, RetentionUpdate{
							AncestorIndex: i,
							Tablet:        tablet,
							Filename:      filename,
							Generation:    restorePoints - 1,
							SrcLocation:   newSrc,
						})
					}
				}
			}
		} else {
			emit(tablet, filename, entry.SrcLocation, entry.Generation+1, ActionNoop)
		}
	}

	plan := Plan{
		Files:            planned,
		RetentionUpdates: updates,
		IsDifferential:   true,
	}

	// Directory-sentinel optimization: if every touched tablet only got new
	// files this generation (nothing reused from the previous manifest),
	// uploaders should copy the whole snapshot directory instead of files
	// one at a time.
	if len(filesInCurr) > 0 && len(filesInBoth) == 0 {
		plan.DirectoryTablets = sortedKeys(tabletsTouched)
	}

	return plan
}

func containsSST(filename string) bool {
	for i := 0; i+4 <= len(filename); i++ {
		if filename[i:i+4] == ".sst" {
			return true
		}
	}
	return false
}

func splitKey(k string) (tablet, filename string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func intersect(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func difference(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
