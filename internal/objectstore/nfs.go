package objectstore

import (
	"path/filepath"
	"strings"

	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

// nfsBackend wraps rsync against a shared mount. Upload needs the
// destination directory to exist first; since that is two dependent local
// commands rather than one program invocation, this is the one backend that
// still runs through "sh -c" instead of a bare argv — every other backend's
// tool handles directory creation itself.
type nfsBackend struct {
	mac bool // darwin rsync lacks --no-compress
}

func (b *nfsBackend) prefix() []string {
	argv := []string{"rsync", "-avhW"}
	if !b.mac {
		argv = append(argv, "--no-compress")
	}
	return argv
}

func (b *nfsBackend) UploadFile(src, dest string) remoteexec.Command {
	return b.mkdirAndRsync(filepath.Dir(dest), src, dest)
}

func (b *nfsBackend) DownloadFile(src, dest string) remoteexec.Command {
	return remoteexec.New(append(b.prefix(), src, dest)...)
}

func (b *nfsBackend) UploadDir(src, dest string) remoteexec.Command {
	return b.mkdirAndRsync(dest, src, dest)
}

func (b *nfsBackend) DownloadDir(src, dest string) remoteexec.Command {
	return remoteexec.New(append(b.prefix(), src, dest)...)
}

func (b *nfsBackend) Move(src, dest string) []remoteexec.Command {
	return []remoteexec.Command{
		remoteexec.New("mkdir", "-p", dest),
		remoteexec.New("mv", src, dest),
	}
}

func (b *nfsBackend) Delete(dest string) (remoteexec.Command, error) {
	if err := guardDest(dest); err != nil {
		return remoteexec.Command{}, err
	}
	return remoteexec.New("rm", "-rf", dest), nil
}

func (b *nfsBackend) mkdirAndRsync(mkdirTarget, src, dest string) remoteexec.Command {
	rsyncArgv := append(b.prefix(), src, dest)
	line := "mkdir -p " + shellSingleQuote(mkdirTarget) + " && " + joinQuoted(rsyncArgv)
	return remoteexec.New("sh", "-c", line)
}

func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinQuoted(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellSingleQuote(a)
	}
	return strings.Join(quoted, " ")
}
