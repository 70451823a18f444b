package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileDefaults is the optional ~/.ybbackup/config.yaml overlay. It supplies
// values for fields still at their flag default; see ApplyFileDefaults.
type FileDefaults struct {
	SSE           *bool   `yaml:"sse"`
	SSHUser       *string `yaml:"ssh_user"`
	SSHRemoteUser *string `yaml:"ssh_remote_user"`
	Parallelism   *int    `yaml:"parallelism"`
	RestorePoints *int    `yaml:"restore_points"`
}

// LoadFileDefaults reads ~/.ybbackup/config.yaml if present. A missing file
// is not an error; a malformed one is.
func LoadFileDefaults() (*FileDefaults, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return &FileDefaults{}, nil
	}

	path := filepath.Join(home, ".ybbackup", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileDefaults{}, nil
		}
		return nil, err
	}

	var fd FileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, err
	}
	return &fd, nil
}

// ApplyFileDefaults fills in fields of c that are still at their flag default
// (false for SSE, empty for the SSH users, DefaultParallelism and
// DefaultRestorePoints for those two), using fd as the source of defaults.
// Called after flags are parsed but before Validate. A flag passed with a
// value equal to its default cannot be told apart from an omitted one, so
// the file's value replaces it.
func (c *Config) ApplyFileDefaults(fd *FileDefaults) {
	if fd == nil {
		return
	}
	if fd.SSE != nil && !c.SSE {
		c.SSE = *fd.SSE
	}
	if fd.SSHUser != nil && c.SSHUser == "" {
		c.SSHUser = *fd.SSHUser
	}
	if fd.SSHRemoteUser != nil && c.SSHRemoteUser == "" {
		c.SSHRemoteUser = *fd.SSHRemoteUser
	}
	if fd.Parallelism != nil && c.Parallelism == DefaultParallelism {
		c.Parallelism = *fd.Parallelism
	}
	if fd.RestorePoints != nil && c.RestorePoints == DefaultRestorePoints {
		c.RestorePoints = *fd.RestorePoints
	}
}
