// Package config holds the explicit, immutable configuration value built
// once from CLI flags, environment variables, and an optional defaults
// file, and threaded through the orchestrator. Nothing in this package
// is a package-level mutable global: spec.md's design notes call out the
// original tool's reliance on module-level globals (now-timestamp, version
// string, regex tables) as something to replace with an explicit value
// owned by the caller.
package config

import (
	"fmt"
	"os"
	"strings"
)

// StorageType identifies an object store backend.
type StorageType string

const (
	StorageS3    StorageType = "s3"
	StorageGCS   StorageType = "gcs"
	StorageAzure StorageType = "az"
	StorageNFS   StorageType = "nfs"
)

// ExecMode selects how the Remote Executor reaches a tserver host.
type ExecMode string

const (
	ExecDirect ExecMode = "direct"
	ExecSSH    ExecMode = "ssh"
	ExecK8s    ExecMode = "k8s"
)

// Command identifies the CLI's positional command argument.
type Command string

const (
	CommandCreate      Command = "create"
	CommandCreateDiff  Command = "create_diff"
	CommandRestore     Command = "restore"
	CommandRestoreKeys Command = "restore_keys"
	CommandDelete      Command = "delete"
)

// Defaults mirror spec.md §6.
const (
	DefaultParallelism   = 8
	DefaultRestorePoints = 1
	MinParallelism       = 1
	MaxParallelism       = 100
	MinRestorePoints     = 1
	MaxRestorePoints     = 100
)

// Config is the fully-resolved configuration for one invocation.
type Config struct {
	Command Command

	Masters []string

	Keyspaces   []string
	Tables      []string
	TableUUIDs  []string
	BackupLoc   string
	StorageType StorageType

	Parallelism   int
	RestorePoints int

	PrevManifestSource string
	SnapshotID         string

	DisableChecksums bool
	NoAutoName       bool
	NoSnapshotDelete bool
	RestoreTimeUnixU int64

	ExecMode         ExecMode
	SSHUser          string
	SSHRemoteUser    string
	SSHKeyPath       string
	K8sNamespace     string
	K8sConfig        string

	HistoryFile string
	MetricsAddr string

	SSE bool

	BackupKeysSource       string
	RestoreKeysDestination string

	// Credentials, populated from environment per spec.md §6.
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSHostBase        string
	GCSCredentialsJSON string
	AzureSASToken      string
	YBHomeDir          string
}

// LoadEnv populates the credential fields from the process environment,
// per spec.md §6's documented variable list.
func (c *Config) LoadEnv() {
	c.AWSAccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	c.AWSSecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	c.AWSHostBase = os.Getenv("AWS_HOST_BASE")
	c.GCSCredentialsJSON = os.Getenv("GCS_CREDENTIALS_JSON")
	c.AzureSASToken = os.Getenv("AZURE_STORAGE_SAS_TOKEN")
	c.YBHomeDir = os.Getenv("YB_HOME_DIR")
}

// Validate checks the flag-combination invariants spec.md §4.7 step 1
// requires before any snapshot work begins.
func (c *Config) Validate() error {
	if len(c.Masters) == 0 {
		return fmt.Errorf("--masters is required")
	}
	if c.BackupLoc == "" {
		return fmt.Errorf("--backup_location is required")
	}
	if c.Parallelism < MinParallelism || c.Parallelism > MaxParallelism {
		return fmt.Errorf("--parallelism must be in [%d, %d]", MinParallelism, MaxParallelism)
	}
	if c.RestorePoints < MinRestorePoints || c.RestorePoints > MaxRestorePoints {
		return fmt.Errorf("--restore_points must be in [%d, %d]", MinRestorePoints, MaxRestorePoints)
	}

	switch c.Command {
	case CommandCreate, CommandCreateDiff:
		if len(c.Keyspaces) == 0 {
			return fmt.Errorf("--keyspace is required for %s", c.Command)
		}
		if len(c.Tables) > 0 && c.IsYSQLKeyspace() {
			return fmt.Errorf("YSQL backup is only supported at the database level, not at the table level")
		}
		if len(c.Tables) == 0 && len(c.Keyspaces) != 1 {
			return fmt.Errorf("only one keyspace is supported, found %d --keyspace flags", len(c.Keyspaces))
		}
		if len(c.TableUUIDs) > 0 && len(c.TableUUIDs) != len(c.Tables) {
			return fmt.Errorf("found %d --table_uuid flags and %d --table flags; counts must match",
				len(c.TableUUIDs), len(c.Tables))
		}
	}

	if c.StorageType == StorageAzure && c.AzureSASToken != "" && !strings.HasPrefix(c.AzureSASToken, "?sv") {
		return fmt.Errorf("AZURE_STORAGE_SAS_TOKEN must begin with \"?sv\"")
	}

	return nil
}

// IsYSQLKeyspace mirrors the original's keyspace_type heuristic: a
// "ysql.<db>" prefixed keyspace name identifies a YSQL database.
func (c *Config) IsYSQLKeyspace() bool {
	for _, ks := range c.Keyspaces {
		if strings.HasPrefix(ks, "ysql.") {
			return true
		}
	}
	return false
}

// KeyspaceName strips the "ysql."/"ycql." prefix a keyspace flag may carry.
func KeyspaceName(keyspace string) string {
	if idx := strings.Index(keyspace, "."); idx >= 0 {
		return keyspace[idx+1:]
	}
	return keyspace
}
