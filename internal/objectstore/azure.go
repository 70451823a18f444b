package objectstore

import (
	"path"

	"github.com/ybbackup/ybbackup/internal/remoteexec"
)

// azureBackend wraps azcopy. The SAS token is appended to every blob URL
// argument rather than shell-quoted into the command line: since Commands
// are executed with exec, not /bin/sh, there is no quoting hazard to guard
// against here, unlike the shell-string original this is grounded on.
type azureBackend struct {
	sasToken string
}

func (b *azureBackend) withToken(dest string) string {
	return dest + b.sasToken
}

func (b *azureBackend) UploadFile(src, dest string) remoteexec.Command {
	return remoteexec.New("azcopy", "cp", src, b.withToken(dest))
}

func (b *azureBackend) DownloadFile(src, dest string) remoteexec.Command {
	return remoteexec.New("azcopy", "cp", b.withToken(src), dest, "--recursive")
}

func (b *azureBackend) UploadDir(src, dest string) remoteexec.Command {
	return remoteexec.New("azcopy", "cp", path.Join(src, "*"), b.withToken(dest), "--recursive")
}

func (b *azureBackend) DownloadDir(src, dest string) remoteexec.Command {
	return remoteexec.New("azcopy", "cp", b.withToken(path.Join(src, "*")), dest, "--recursive")
}

func (b *azureBackend) Move(src, dest string) []remoteexec.Command {
	tokenSrc := b.withToken(src)
	return []remoteexec.Command{
		remoteexec.New("azcopy", "cp", tokenSrc, b.withToken(dest), "--recursive"),
		remoteexec.New("azcopy", "rm", tokenSrc, "--recursive=true"),
	}
}

func (b *azureBackend) Delete(dest string) (remoteexec.Command, error) {
	if err := guardDest(dest); err != nil {
		return remoteexec.Command{}, err
	}
	return remoteexec.New("azcopy", "rm", b.withToken(dest), "--recursive=true"), nil
}
