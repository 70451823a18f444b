package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ybbackup/ybbackup/internal/cluster"
	"github.com/ybbackup/ybbackup/internal/config"
	"github.com/ybbackup/ybbackup/internal/history"
	"github.com/ybbackup/ybbackup/internal/logging"
	"github.com/ybbackup/ybbackup/internal/metrics"
	"github.com/ybbackup/ybbackup/internal/objectstore"
	"github.com/ybbackup/ybbackup/internal/orchestrator"
	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ybbackup",
	Short: "Differential snapshot backup/restore for a tablet-sharded database",
	Long: `ybbackup drives a cluster's control-plane snapshot facility and a
pluggable object store to take differential backups keyed on immutable
SST files, and to restore a chosen snapshot back onto a running cluster.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ybbackup version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "Output logs in JSON format")

	pf.StringSlice("masters", nil, "Control-plane address list (required)")
	pf.StringArray("keyspace", nil, "Logical namespace(s) (repeatable)")
	pf.StringArray("table", nil, "Table name(s) for YCQL (repeatable)")
	pf.StringArray("table_uuid", nil, "Optional UUID(s) for --table, same order (repeatable)")
	pf.String("backup_location", "", "Storage root URI (required)")
	pf.String("storage_type", string(config.StorageS3), "s3|gcs|az|nfs")
	pf.Int("parallelism", config.DefaultParallelism, "Concurrent per-tablet operations, 1-100")
	pf.Int("restore_points", config.DefaultRestorePoints, "Diff generations retained before promotion, 1-100")
	pf.String("prev_manifest_source", "", "URI of predecessor backup root (create_diff)")
	pf.String("snapshot_id", "", "Reuse an existing control-plane snapshot")
	pf.Bool("disable_checksums", false, "Skip checksum creation/verification")
	pf.Bool("no_auto_name", false, "Use --backup_location verbatim instead of auto-naming it")
	pf.Bool("no_snapshot_deleting", false, "Leave the cluster-side snapshot in place afterward")
	pf.Int64("restore_time", 0, "Unix-microsecond timestamp for point-in-time restore")

	pf.String("exec_mode", string(config.ExecDirect), "direct|ssh|k8s")
	pf.String("ssh_user", "", "SSH login user")
	pf.String("ssh_remote_user", "", "sudo -u target after SSH login, if different from ssh_user")
	pf.String("ssh_key_path", "", "Path to an SSH private key (required for exec_mode ssh)")
	pf.String("k8s_namespace", "", "Kubernetes namespace hosting tserver pods")
	pf.String("k8s_config", "", "Path to a kubeconfig file")

	pf.String("history_file", "", "Append-only JSON log of invocations")
	pf.String("metrics_addr", "", "Address to serve Prometheus /metrics on, e.g. :9100")
	pf.Bool("sse", false, "Request server-side encryption from the storage backend (S3)")
	pf.String("backup_keys_source", "", "URI of an encryption key file to carry alongside the backup")
	pf.String("restore_keys_destination", "", "Local path to write the carried encryption key file to")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(createDiffCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(restoreKeysCmd)
	rootCmd.AddCommand(deleteCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a full backup of a keyspace or YSQL database",
	RunE:  runCommand(config.CommandCreate),
}

var createDiffCmd = &cobra.Command{
	Use:   "create_diff",
	Short: "Take a differential backup against --prev_manifest_source",
	RunE:  runCommand(config.CommandCreateDiff),
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a snapshot from --backup_location onto the cluster",
	RunE:  runCommand(config.CommandRestore),
}

var restoreKeysCmd = &cobra.Command{
	Use:   "restore_keys",
	Short: "Fetch a carried encryption key file to --restore_keys_destination",
	RunE:  runCommand(config.CommandRestoreKeys),
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a backup at --backup_location",
	RunE:  runCommand(config.CommandDelete),
}

// runCommand returns a cobra RunE closure bound to cmd, so all five
// subcommands share the exact same flag-parsing and orchestration path;
// only the resulting config.Command differs.
func runCommand(command config.Command) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd, command)
		if err != nil {
			return recordAndReturn(cfg, 0, err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		start := time.Now()
		if err := run(ctx, cfg); err != nil {
			return recordAndReturn(cfg, time.Since(start), err)
		}

		if histErr := history.Append(cfg.HistoryFile, history.Entry{
			Time:      time.Now(),
			Command:   string(cfg.Command),
			Keyspace:  keyspaceForHistory(cfg),
			BackupLoc: cfg.BackupLoc,
			Success:   true,
			Duration:  time.Since(start).String(),
		}); histErr != nil {
			logging.Errorf("appending history entry", histErr)
		}

		fmt.Println(`{"success": true}`)
		return nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func buildConfig(cmd *cobra.Command, command config.Command) (*config.Config, error) {
	f := cmd.Flags()

	cfg := &config.Config{Command: command}

	cfg.Masters, _ = f.GetStringSlice("masters")
	cfg.Keyspaces, _ = f.GetStringArray("keyspace")
	cfg.Tables, _ = f.GetStringArray("table")
	cfg.TableUUIDs, _ = f.GetStringArray("table_uuid")
	cfg.BackupLoc, _ = f.GetString("backup_location")

	storageType, _ := f.GetString("storage_type")
	cfg.StorageType = config.StorageType(storageType)

	cfg.Parallelism, _ = f.GetInt("parallelism")
	cfg.RestorePoints, _ = f.GetInt("restore_points")
	cfg.PrevManifestSource, _ = f.GetString("prev_manifest_source")
	cfg.SnapshotID, _ = f.GetString("snapshot_id")
	cfg.DisableChecksums, _ = f.GetBool("disable_checksums")
	cfg.NoAutoName, _ = f.GetBool("no_auto_name")
	cfg.NoSnapshotDelete, _ = f.GetBool("no_snapshot_deleting")
	cfg.RestoreTimeUnixU, _ = f.GetInt64("restore_time")

	execMode, _ := f.GetString("exec_mode")
	cfg.ExecMode = config.ExecMode(execMode)
	cfg.SSHUser, _ = f.GetString("ssh_user")
	cfg.SSHRemoteUser, _ = f.GetString("ssh_remote_user")
	cfg.SSHKeyPath, _ = f.GetString("ssh_key_path")
	cfg.K8sNamespace, _ = f.GetString("k8s_namespace")
	cfg.K8sConfig, _ = f.GetString("k8s_config")

	cfg.HistoryFile, _ = f.GetString("history_file")
	cfg.MetricsAddr, _ = f.GetString("metrics_addr")
	cfg.SSE, _ = f.GetBool("sse")
	cfg.BackupKeysSource, _ = f.GetString("backup_keys_source")
	cfg.RestoreKeysDestination, _ = f.GetString("restore_keys_destination")

	cfg.LoadEnv()

	fd, err := config.LoadFileDefaults()
	if err != nil {
		return cfg, fmt.Errorf("loading ~/.ybbackup/config.yaml: %w", err)
	}
	cfg.ApplyFileDefaults(fd)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// run wires the Remote Executor, Object Store Adapter, Cluster Client and
// Orchestrator together and executes one invocation.
func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.WithComponent("cmd")
	logger.Info().Str("command", string(cfg.Command)).Msg("starting")

	exec := remoteexec.NewExecutor(remoteexec.Mode(cfg.ExecMode), remoteexec.SSHConfig{
		User:       cfg.SSHUser,
		RemoteUser: cfg.SSHRemoteUser,
		KeyPath:    cfg.SSHKeyPath,
		Port:       22,
	}, remoteexec.K8sConfig{
		KubeconfigPath: cfg.K8sConfig,
		Namespace:      cfg.K8sNamespace,
	})

	store, err := objectstore.New(cfg, cloudConfigPath(cfg))
	if err != nil {
		return fmt.Errorf("building object store backend: %w", err)
	}

	cl := cluster.New(cluster.Masters(cfg.Masters), exec, cfg.YBHomeDir)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("metrics server exited")
			}
		}()
	}

	o := orchestrator.New(cfg, cl, store, exec)
	return o.Run(ctx)
}

// cloudConfigPath names the per-host credentials file path that the s3cmd
// and gsutil command lines point at. Nothing in ybbackup generates or
// uploads this file; it must already exist on every host that runs them.
func cloudConfigPath(cfg *config.Config) string {
	if cfg.YBHomeDir == "" {
		return "/tmp/ybbackup_cloud_cfg"
	}
	return cfg.YBHomeDir + "/.ybbackup_cloud_cfg"
}

func recordAndReturn(cfg *config.Config, elapsed time.Duration, runErr error) error {
	if cfg != nil {
		entry := history.Entry{
			Time:      time.Now(),
			Command:   string(cfg.Command),
			Keyspace:  keyspaceForHistory(cfg),
			BackupLoc: cfg.BackupLoc,
			Success:   false,
			Error:     runErr.Error(),
			Duration:  elapsed.String(),
		}
		if histErr := history.Append(cfg.HistoryFile, entry); histErr != nil {
			logging.Errorf("appending history entry", histErr)
		}
	}
	logging.Errorf("command failed", runErr)
	return runErr
}

func keyspaceForHistory(cfg *config.Config) string {
	if len(cfg.Keyspaces) == 0 {
		return ""
	}
	return cfg.Keyspaces[0]
}

