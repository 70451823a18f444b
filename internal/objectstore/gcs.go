package objectstore

import "github.com/ybbackup/ybbackup/internal/remoteexec"

// gcsBackend wraps gsutil, pointing it at a service-account key file via
// the -o Credentials: override rather than GOOGLE_APPLICATION_CREDENTIALS,
// so concurrent invocations against different clusters never collide on
// process environment.
type gcsBackend struct {
	cfgPath string
}

func (b *gcsBackend) prefix() []string {
	return []string{"gsutil", "-o", "Credentials:gs_service_key_file=" + b.cfgPath}
}

func (b *gcsBackend) UploadFile(src, dest string) remoteexec.Command {
	return remoteexec.New(append(b.prefix(), "cp", src, dest)...)
}

func (b *gcsBackend) DownloadFile(src, dest string) remoteexec.Command {
	return remoteexec.New(append(b.prefix(), "cp", src, dest)...)
}

func (b *gcsBackend) UploadDir(src, dest string) remoteexec.Command {
	return remoteexec.New(append(b.prefix(), "-m", "rsync", "-r", src, dest)...)
}

func (b *gcsBackend) DownloadDir(src, dest string) remoteexec.Command {
	return remoteexec.New(append(b.prefix(), "-m", "rsync", "-r", src, dest)...)
}

func (b *gcsBackend) Move(src, dest string) []remoteexec.Command {
	return []remoteexec.Command{remoteexec.New(append(b.prefix(), "mv", src, dest)...)}
}

func (b *gcsBackend) Delete(dest string) (remoteexec.Command, error) {
	if err := guardDest(dest); err != nil {
		return remoteexec.Command{}, err
	}
	return remoteexec.New(append(b.prefix(), "rm", "-r", dest)...), nil
}
