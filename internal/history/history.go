// Package history appends one JSON record per CLI invocation to a local
// log file, when --history_file is set. It exists so an operator can audit
// what ran against a cluster without parsing the structured log stream.
package history

import (
	"encoding/json"
	"os"
	"time"
)

// Entry is one invocation record.
type Entry struct {
	Time      time.Time `json:"time"`
	Command   string    `json:"command"`
	Keyspace  string    `json:"keyspace,omitempty"`
	BackupLoc string    `json:"backup_location"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration"`
}

// Append writes entry as one JSON line to path, creating the file if it
// does not exist. A missing path is a no-op: history logging is optional.
func Append(path string, entry Entry) error {
	if path == "" {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}
