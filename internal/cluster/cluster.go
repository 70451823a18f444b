// Package cluster wraps yb-admin, the control-plane CLI used to create and
// restore snapshots, and the tserver /varz HTTP endpoint used to discover
// data directories. Every method here parses the same text formats the
// original tool's regular expressions matched; Go's regexp package replaces
// Python's re module line for line.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ybbackup/ybbackup/internal/backuperr"
	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

const (
	// DefaultWebPort is the tserver status port queried for data directories.
	DefaultWebPort = 9000
	// CreateMetafilesMaxRetries bounds the catalog-version-guarded retry
	// loop around metadata export (see internal/orchestrator).
	CreateMetafilesMaxRetries = 10
	// FSDataDirsArgPrefix is the /varz line prefix naming the tserver's
	// configured data directories.
	FSDataDirsArgPrefix = "fs_data_dirs="

	snapshotPollInterval = 5 * time.Second
)

var (
	startedSnapshotCreationRE = regexp.MustCompile(`(?s).*Started snapshot creation: (?P<uuid>\S+)`)
	uuidOnlyRE                = regexp.MustCompile(`^[0-9a-fA-F-]{32,36}$`)
	leadingUUIDRE             = regexp.MustCompile(`^([0-9a-fA-F-]{32,36})\b`)
	ysqlCatalogVersionRE      = regexp.MustCompile(`(?s).*Version: (?P<version>\S+)`)
	restorationRE             = regexp.MustCompile(`^Restoration id: ([0-9a-fA-F-]{32,36})\b`)
	importedTableRE           = regexp.MustCompile(`(?:Colocated t|T)able being imported: ([^.]*)\.(.*)`)
)

// Masters is the client's view of the control plane: every yb-admin
// invocation carries the full master list so the tool survives a master
// leader failover mid-run.
type Masters []string

func (m Masters) flag() string {
	return strings.Join(m, ",")
}

// Client drives yb-admin against a fixed master list, through a Remote
// Executor running on the local (control) host.
type Client struct {
	Masters  Masters
	Executor remoteexec.Executor
	HomeDir  string // YB_HOME_DIR, used to locate the yb-admin binary
	HTTP     *http.Client
}

// New builds a cluster Client.
func New(masters Masters, exec remoteexec.Executor, homeDir string) *Client {
	return &Client{
		Masters:  masters,
		Executor: exec,
		HomeDir:  homeDir,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) adminPath() string {
	if c.HomeDir == "" {
		return "yb-admin"
	}
	return c.HomeDir + "/bin/yb-admin"
}

func (c *Client) ysqlDumpPath() string {
	if c.HomeDir == "" {
		return "ysql_dump"
	}
	return c.HomeDir + "/bin/ysql_dump"
}

func (c *Client) ysqlShellPath() string {
	if c.HomeDir == "" {
		return "ysqlsh"
	}
	return c.HomeDir + "/bin/ysqlsh"
}

// ApplyYSQLDump runs dumpPath through ysqlsh, recreating the schema (and,
// for --include-yb-metadata dumps, the owning database) it describes.
func (c *Client) ApplyYSQLDump(ctx context.Context, dumpPath string) error {
	argv := []string{c.ysqlShellPath(), "--echo-all", "--file=" + dumpPath}
	_, err := c.Executor.RunLocal(ctx, remoteexec.New(argv...), remoteexec.Options{Retries: 3})
	return err
}

func (c *Client) runAdmin(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{c.adminPath(), "-master_addresses", c.Masters.flag()}, args...)
	return c.Executor.RunLocal(ctx, remoteexec.New(argv...), remoteexec.Options{Retries: 3})
}

// CreateSnapshotKeyspace creates a snapshot of an entire YCQL keyspace.
func (c *Client) CreateSnapshotKeyspace(ctx context.Context, keyspace string) (string, error) {
	return c.createSnapshot(ctx, "create_keyspace_snapshot", keyspace)
}

// CreateSnapshotDatabase creates a snapshot of an entire YSQL database.
func (c *Client) CreateSnapshotDatabase(ctx context.Context, database string) (string, error) {
	return c.createSnapshot(ctx, "create_database_snapshot", database)
}

// CreateSnapshotTables creates a snapshot covering exactly the named tables.
func (c *Client) CreateSnapshotTables(ctx context.Context, keyspaceTablePairs []string) (string, error) {
	return c.createSnapshot(ctx, "create_snapshot", keyspaceTablePairs...)
}

func (c *Client) createSnapshot(ctx context.Context, subcommand string, args ...string) (string, error) {
	output, err := c.runAdmin(ctx, append([]string{subcommand}, args...)...)
	if err != nil {
		return "", err
	}
	match := startedSnapshotCreationRE.FindStringSubmatch(output)
	if match == nil {
		return "", fmt.Errorf("%w: expected 'Started snapshot creation: <id>' in: %s", backuperr.ErrAdminParseError, output)
	}
	id := strings.TrimSpace(match[1])
	if !uuidOnlyRE.MatchString(id) {
		return "", fmt.Errorf("%w: not a valid snapshot id: %q", backuperr.ErrAdminParseError, id)
	}
	return id, nil
}

// SnapshotDetail is one (keyspace, table, table-uuid) triple discovered by
// WaitForSnapshot when wantDetails is set.
type SnapshotDetail struct {
	Keyspace  string
	Table     string
	TableUUID string
}

// snapshotObject mirrors one JSON line of `list_snapshots SHOW_DETAILS`.
type snapshotObject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data struct {
		Name         string `json:"name"`
		DatabaseType string `json:"database_type"`
		NamespaceID  string `json:"namespace_id"`
	} `json:"data"`
}

// WaitForSnapshot polls list_snapshots every 5s until snapshotID reaches
// terminalState or timeout elapses. When wantDetails is set, it additionally
// parses the per-line JSON detail records; on servers too old to emit them
// it returns backuperr.ErrCompatibility so callers can retry without detail.
func (c *Client) WaitForSnapshot(ctx context.Context, snapshotID, terminalState string, timeout time.Duration, wantDetails bool) ([]SnapshotDetail, error) {
	deadline := time.Now().Add(timeout)
	args := []string{"list_snapshots"}
	if wantDetails {
		args = append(args, "SHOW_DETAILS")
	}

	for {
		output, err := c.runAdmin(ctx, args...)
		if err != nil {
			return nil, err
		}

		details, done, failed := parseSnapshotList(output, snapshotID, terminalState, wantDetails)
		if failed {
			return nil, fmt.Errorf("%w: snapshot %s reported FAILED", backuperr.ErrSnapshotFailed, snapshotID)
		}
		if done {
			if wantDetails && len(details) == 0 {
				return nil, fmt.Errorf("%w: snapshot has no tables", backuperr.ErrCompatibility)
			}
			return details, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: snapshot %s did not reach %s within %s", backuperr.ErrSnapshotTimeout, snapshotID, terminalState, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(snapshotPollInterval):
		}
	}
}

func parseSnapshotList(output, snapshotID, terminalState string, wantDetails bool) (details []SnapshotDetail, done, failed bool) {
	keyspaces := make(map[string]string)
	inTargetBlock := false

	for _, line := range strings.Split(output, "\n") {
		if !done {
			if strings.Index(line, snapshotID) == 0 {
				fields := strings.Fields(line)
				if len(fields) >= 2 && fields[0] == snapshotID {
					state := fields[1]
					if state == terminalState {
						done = true
						inTargetBlock = true
						if !wantDetails {
							return nil, true, false
						}
					} else if state == "FAILED" {
						return nil, false, true
					}
				}
			}
			continue
		}
		if !wantDetails || !inTargetBlock {
			continue
		}
		if len(line) == 0 || line[0] != ' ' {
			break
		}
		var obj snapshotObject
		if json.Unmarshal([]byte(line), &obj) != nil {
			continue
		}
		switch obj.Type {
		case "NAMESPACE":
			if _, ok := keyspaces[obj.ID]; !ok {
				prefix := ""
				if obj.Data.DatabaseType == "YQL_DATABASE_PGSQL" {
					prefix = "ysql."
				}
				keyspaces[obj.ID] = prefix + obj.Data.Name
			}
		case "TABLE":
			details = append(details, SnapshotDetail{
				Keyspace:  keyspaces[obj.Data.NamespaceID],
				Table:     obj.Data.Name,
				TableUUID: obj.ID,
			})
		}
	}
	return details, done, false
}

// TabletLeader is one (tablet UUID, leader host) pair.
type TabletLeader struct {
	TabletID string
	Host     string
}

// FindTabletLeaders lists tablets and their current leader host for one
// table, identified either by UUID or by keyspace+table name.
func (c *Client) FindTabletLeaders(ctx context.Context, keyspace, table, tableUUID string) ([]TabletLeader, error) {
	var args []string
	if tableUUID != "" {
		args = []string{"list_tablets", "tableid." + tableUUID, "0"}
	} else {
		args = []string{"list_tablets", keyspace, table, "0"}
	}

	output, err := c.runAdmin(ctx, args...)
	if err != nil {
		return nil, err
	}

	var leaders []TabletLeader
	for _, line := range strings.Split(output, "\n") {
		if !leadingUUIDRE.MatchString(line) {
			continue
		}
		fields := splitByTab(line)
		if len(fields) < 3 {
			continue
		}
		hostPort := fields[2]
		host, _, _ := strings.Cut(hostPort, ":")
		leaders = append(leaders, TabletLeader{TabletID: fields[0], Host: host})
	}
	return leaders, nil
}

func splitByTab(line string) []string {
	parts := strings.Split(line, "\t")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.ReplaceAll(p, " ", "")
	}
	return out
}

// FindDataDirs reads the fs_data_dirs line from a tserver's /varz endpoint.
func (c *Client) FindDataDirs(ctx context.Context, host string, webPort int) ([]string, error) {
	if webPort == 0 {
		webPort = DefaultWebPort
	}
	url := fmt.Sprintf("http://%s:%d/varz", host, webPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, FSDataDirsArgPrefix) {
			for _, d := range strings.Split(strings.TrimPrefix(line, FSDataDirsArgPrefix), ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					dirs = append(dirs, d)
				}
			}
			break
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no %s found querying %s", FSDataDirsArgPrefix, url)
	}
	return dirs, nil
}

// ExportSnapshot writes snapshotID's SnapshotInfoPB metadata to destPath on
// the local control host.
func (c *Client) ExportSnapshot(ctx context.Context, snapshotID, destPath string) error {
	_, err := c.runAdmin(ctx, "export_snapshot", snapshotID, destPath)
	return err
}

// DeleteSnapshot removes a transient snapshot left on the cluster after its
// metadata and files have been copied out to the backup location.
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	_, err := c.runAdmin(ctx, "delete_snapshot", snapshotID)
	return err
}

// DumpYSQLSchema runs ysql_dump to capture dbName's schema (no row data) to
// destPath, for inclusion alongside a YSQL database snapshot's metadata.
func (c *Client) DumpYSQLSchema(ctx context.Context, dbName, destPath string) error {
	argv := []string{
		c.ysqlDumpPath(),
		"--include-yb-metadata",
		"--serializable-deferrable",
		"--create",
		"--schema-only",
		"--dbname=" + dbName,
		"--file=" + destPath,
	}
	_, err := c.Executor.RunLocal(ctx, remoteexec.New(argv...), remoteexec.Options{Retries: 3})
	return err
}

const (
	snapshotFilesMinDepth = "8"
	snapshotFilesMaxDepth = "9"
	rocksdbPathPrefix     = "/yb-data/tserver/data/rocksdb"
)

// FindSnapshotFiles finds every file belonging to snapshotID under host's
// data directories, by shelling `find` with the same mindepth/maxdepth/
// wholename glob the original tool used to locate per-tablet snapshot
// directories.
func (c *Client) FindSnapshotFiles(ctx context.Context, host, snapshotID string) ([]string, error) {
	return c.findSnapshotFilesAt(ctx, host, 0, snapshotID)
}

// findSnapshotFilesAt is FindSnapshotFiles with an explicit webPort, split
// out so tests can point the /varz lookup at an httptest server.
func (c *Client) findSnapshotFilesAt(ctx context.Context, host string, webPort int, snapshotID string) ([]string, error) {
	dataDirs, err := c.FindDataDirs(ctx, host, webPort)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, dir := range dataDirs {
		argv := []string{
			"find", dir,
			"-mindepth", snapshotFilesMinDepth,
			"-maxdepth", snapshotFilesMaxDepth,
			"-name", "*", "-and",
			"-wholename", "*" + rocksdbPathPrefix + "/table-*/tablet-*.snapshots/" + snapshotID + "*",
			"-type", "f",
		}
		output, err := c.Executor.RunRemote(ctx, remoteexec.New(argv...), host, remoteexec.Options{Retries: 3})
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(output, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				files = append(files, line)
			}
		}
	}
	return files, nil
}

// GetYSQLCatalogVersion reads the current YSQL catalog version, used to
// detect concurrent schema changes during metadata export.
func (c *Client) GetYSQLCatalogVersion(ctx context.Context) (string, error) {
	output, err := c.runAdmin(ctx, "ysql_catalog_version")
	if err != nil {
		return "", err
	}
	match := ysqlCatalogVersionRE.FindStringSubmatch(output)
	if match == nil {
		return "", fmt.Errorf("%w: expected 'Version: <n>' in: %s", backuperr.ErrAdminParseError, output)
	}
	return strings.TrimSpace(match[1]), nil
}

// IDMapping is the result of ImportSnapshot: old IDs mapped to new ones,
// keyed by new id, plus the (keyspace, table) names the import reported.
type IDMapping struct {
	Tables       map[string]string // new table id -> old table id
	Tablets      map[string]string // new tablet id -> old tablet id
	SnapshotOld  string
	SnapshotNew  string
	Keyspaces    []string
	TableNames   []string
}

// ImportSnapshot imports previously exported metadata, returning the id
// remapping the control plane assigned. Colocated tables must preserve
// their trailing 4-character Postgres OID suffix; a mismatch is reported as
// backuperr.ErrColocatedOidMismatch rather than silently accepted.
func (c *Client) ImportSnapshot(ctx context.Context, metadataPath, keyspace string, tables []string) (*IDMapping, error) {
	args := []string{"import_snapshot", metadataPath}
	if keyspace != "" {
		args = append(args, keyspace)
	}
	if len(tables) > 0 {
		args = append(args, strings.Join(tables, " "))
	}

	output, err := c.runAdmin(ctx, args...)
	if err != nil {
		return nil, err
	}

	mapping := &IDMapping{
		Tables:  make(map[string]string),
		Tablets: make(map[string]string),
	}

	for _, line := range strings.Split(output, "\n") {
		if m := importedTableRE.FindStringSubmatch(line); m != nil {
			mapping.Keyspaces = append(mapping.Keyspaces, m[1])
			mapping.TableNames = append(mapping.TableNames, m[2])
			continue
		}

		fields := splitByTab(line)
		if len(fields) != 3 {
			continue
		}
		entity, oldID, newID := fields[0], fields[1], fields[2]
		if !uuidOnlyRE.MatchString(oldID) || !uuidOnlyRE.MatchString(newID) {
			continue
		}

		switch {
		case entity == "Table":
			mapping.Tables[newID] = oldID
		case strings.HasPrefix(entity, "Tablet"):
			mapping.Tablets[newID] = oldID
		case entity == "Snapshot":
			mapping.SnapshotOld, mapping.SnapshotNew = oldID, newID
		case entity == "ParentColocatedTable", entity == "ColocatedTable":
			if err := VerifyColocatedTableIDs(oldID, newID); err != nil {
				return nil, err
			}
			if entity == "ParentColocatedTable" {
				mapping.Tables[newID] = oldID
			}
		}
	}
	return mapping, nil
}

// VerifyColocatedTableIDs checks that a colocated table kept the same
// trailing 4-character Postgres OID across import.
func VerifyColocatedTableIDs(oldID, newID string) error {
	if postgresOID(oldID) != postgresOID(newID) {
		return fmt.Errorf("%w: old oid %s, new oid %s", backuperr.ErrColocatedOidMismatch, postgresOID(oldID), postgresOID(newID))
	}
	return nil
}

func postgresOID(tableID string) string {
	if len(tableID) < 4 {
		return tableID
	}
	return tableID[len(tableID)-4:]
}

// RestoreSnapshot restores a previously imported snapshot, optionally to a
// point in time, returning the restoration id.
func (c *Client) RestoreSnapshot(ctx context.Context, snapshotID string, restoreTimeUnix int64) (string, error) {
	args := []string{"restore_snapshot", snapshotID}
	if restoreTimeUnix > 0 {
		args = append(args, strconv.FormatInt(restoreTimeUnix, 10))
	}
	output, err := c.runAdmin(ctx, args...)
	if err != nil {
		return "", err
	}
	match := restorationRE.FindStringSubmatch(strings.TrimSpace(output))
	if match == nil {
		// Older servers echo the snapshot id back as the restoration id.
		return snapshotID, nil
	}
	return match[1], nil
}

// ListTabletServers returns the hosts currently serving replicas of tabletID.
func (c *Client) ListTabletServers(ctx context.Context, tabletID string) ([]string, error) {
	output, err := c.runAdmin(ctx, "list_tablet_servers", tabletID)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, line := range strings.Split(output, "\n") {
		if !leadingUUIDRE.MatchString(line) {
			continue
		}
		fields := splitByTab(line)
		if len(fields) >= 2 {
			hosts = append(hosts, fields[1])
		}
	}
	return hosts, nil
}

// FindTabletReplicas finds, for every tablet id in tabletIDs, every tserver
// host currently holding a replica, and returns the inverse map: host ->
// set of tablet ids it holds. Restore re-runs this after every download
// pass since tablets may be rebalanced mid-restore.
func (c *Client) FindTabletReplicas(ctx context.Context, tabletIDs []string) (map[string]map[string]bool, error) {
	byHost := make(map[string]map[string]bool)
	for _, tabletID := range tabletIDs {
		hosts, err := c.ListTabletServers(ctx, tabletID)
		if err != nil {
			return nil, err
		}
		for _, host := range hosts {
			if byHost[host] == nil {
				byHost[host] = make(map[string]bool)
			}
			byHost[host][tabletID] = true
		}
	}
	return byHost, nil
}

// IdentifyNewTabletReplicas compares an old and new host->tablets map and
// returns their union (the accumulated set to track going forward) and the
// delta: tablets appearing at a host that were not accounted for last
// round. Restore loops calling ListTabletServers/FindTabletReplicas again
// use the delta to know which new locations still need a download.
func IdentifyNewTabletReplicas(oldMap, newMap map[string]map[string]bool) (union, delta map[string]map[string]bool) {
	union = make(map[string]map[string]bool, len(oldMap))
	for host, tablets := range oldMap {
		union[host] = copySet(tablets)
	}
	delta = make(map[string]map[string]bool)

	for host, tablets := range newMap {
		old, known := oldMap[host]
		if !known {
			union[host] = copySet(tablets)
			delta[host] = copySet(tablets)
			continue
		}
		var extra map[string]bool
		for tablet := range tablets {
			if !old[tablet] {
				if extra == nil {
					extra = make(map[string]bool)
				}
				extra[tablet] = true
				union[host][tablet] = true
			}
		}
		if len(extra) > 0 {
			delta[host] = extra
		}
	}
	return union, delta
}

func copySet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k := range s {
		out[k] = true
	}
	return out
}
