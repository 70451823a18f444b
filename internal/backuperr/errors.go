// Package backuperr defines the sentinel error values ybbackup's commands
// and components return, per the error taxonomy in the backup/restore spec.
package backuperr

import "errors"

var (
	// ErrInvalidArgument covers bad flag combinations: missing keyspace,
	// table-level YSQL backup, mismatched --table/--table_uuid counts, etc.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAuthConfigMissing means required credentials are absent for the
	// chosen storage backend.
	ErrAuthConfigMissing = errors.New("auth configuration missing")

	// ErrAdminParseError means the admin tool's stdout didn't match an
	// expected pattern.
	ErrAdminParseError = errors.New("could not parse admin tool output")

	// ErrSnapshotFailed means the control plane reported a FAILED snapshot.
	ErrSnapshotFailed = errors.New("snapshot failed")

	// ErrSnapshotTimeout means polling for a terminal snapshot state timed out.
	ErrSnapshotTimeout = errors.New("snapshot timed out")

	// ErrCompatibility is raised by an admin call unsupported by an older
	// control plane; callers retry without the unsupported feature.
	ErrCompatibility = errors.New("admin tool does not support this operation")

	// ErrExecutionFailed means a remote command exhausted its retries.
	ErrExecutionFailed = errors.New("remote command execution failed")

	// ErrChecksumMismatch means a checksum comparison returned anything
	// other than the literal string "correct".
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrColocatedOidMismatch means a colocated table's old/new ids do not
	// share their trailing Postgres OID suffix.
	ErrColocatedOidMismatch = errors.New("colocated table OID mismatch")

	// ErrMissingTabletMetadata means a restore couldn't find tablet mapping
	// metadata for a tablet id.
	ErrMissingTabletMetadata = errors.New("missing tablet metadata")

	// ErrInvalidDestination guards deletion of an empty or root path.
	ErrInvalidDestination = errors.New("invalid destination for delete")

	// ErrManifestNotFound is the only error class silently recovered: a
	// create_diff whose previous manifest could not be downloaded degrades
	// to a full backup instead of failing.
	ErrManifestNotFound = errors.New("previous manifest not found")
)
