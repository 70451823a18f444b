// Package remoteexec runs shell commands either on the local host, on a
// named tserver host over SSH, or inside a container via "kubectl exec".
// It is the sole place in ybbackup that actually executes anything:
// the Object Store Adapter and Checksum Service only build Commands.
package remoteexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ybbackup/ybbackup/internal/backuperr"
	"github.com/ybbackup/ybbackup/internal/logging"
)

// Mode selects how RunRemote reaches a host.
type Mode string

const (
	// ModeDirect runs everything on the local host, ignoring the host
	// argument. Used in tests and for single-node "clusters".
	ModeDirect Mode = "direct"
	// ModeSSH dials the host over SSH using golang.org/x/crypto/ssh.
	ModeSSH Mode = "ssh"
	// ModeK8s shells "kubectl exec" into a named namespace/pod/container.
	ModeK8s Mode = "k8s"
)

// Options configures one call to Run{Local,Remote}.
type Options struct {
	// Retries is the number of attempts beyond the first on non-zero exit;
	// zero or a negative value selects DefaultSSHRetries.
	Retries int
	// Timeout bounds a single attempt; zero means no per-attempt timeout
	// beyond the caller's own context.
	Timeout time.Duration
	// Env is additional environment passed to the command (local mode) or
	// exported before the remote command (SSH/k8s mode).
	Env map[string]string
}

// DefaultSSHRetries and DefaultCloudRetries mirror spec.md §5's documented
// per-call retry limits.
const (
	DefaultSSHRetries   = 3
	DefaultCloudRetries = 10
)

// Executor runs Commands, either locally or against a named host.
type Executor interface {
	RunLocal(ctx context.Context, cmd Command, opts Options) (string, error)
	RunRemote(ctx context.Context, cmd Command, host string, opts Options) (string, error)
}

// SSHConfig carries the connection parameters for ModeSSH.
type SSHConfig struct {
	User       string // the SSH login user
	RemoteUser string // if set, commands run via "sudo -u RemoteUser" after login as User
	KeyPath    string // path to a private key file; required, there is no SSH agent fallback
	Port       int    // default 22
}

// K8sConfig carries the parameters for ModeK8s.
type K8sConfig struct {
	KubeconfigPath string
	Namespace      string
	PodFor         func(host string) (pod, container string) // host -> pod/container resolver
}

// NewExecutor builds an Executor for the given mode.
func NewExecutor(mode Mode, ssh SSHConfig, k8s K8sConfig) Executor {
	e := &executor{
		mode:     mode,
		ssh:      ssh,
		k8s:      k8s,
		uploaded: make(map[string]bool),
	}
	return e
}

type executor struct {
	mode Mode
	ssh  SSHConfig
	k8s  K8sConfig

	mu       sync.Mutex
	uploaded map[string]bool // per-host "cloud config uploaded" memoization
}

// CloudConfigUploaded reports whether the per-host cloud configuration
// (s3cmd/gsutil credentials file) has already been pushed to host.
func CloudConfigUploaded(e Executor, host string) bool {
	ex, ok := e.(*executor)
	if !ok {
		return false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.uploaded[host]
}

// MarkCloudConfigUploaded records that host now has its cloud configuration
// in place. Returns true the first time it is called for a given host.
func MarkCloudConfigUploaded(e Executor, host string) bool {
	ex, ok := e.(*executor)
	if !ok {
		return true
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.uploaded[host] {
		return false
	}
	ex.uploaded[host] = true
	return true
}

func (e *executor) RunLocal(ctx context.Context, cmd Command, opts Options) (string, error) {
	return e.withRetry(ctx, cmd, "localhost", opts, func(ctx context.Context) (string, string, error) {
		return runLocal(ctx, cmd, opts)
	})
}

func (e *executor) RunRemote(ctx context.Context, cmd Command, host string, opts Options) (string, error) {
	switch e.mode {
	case ModeDirect:
		return e.RunLocal(ctx, cmd, opts)
	case ModeSSH:
		return e.withRetry(ctx, cmd, host, opts, func(ctx context.Context) (string, string, error) {
			return runSSH(ctx, e.ssh, cmd, host, opts)
		})
	case ModeK8s:
		return e.withRetry(ctx, cmd, host, opts, func(ctx context.Context) (string, string, error) {
			return runK8sExec(ctx, e.k8s, cmd, host, opts)
		})
	default:
		return "", fmt.Errorf("unknown remote executor mode %q", e.mode)
	}
}

// withRetry runs attempt up to opts.Retries+1 times (DefaultSSHRetries+1 when
// opts.Retries is not positive) with a fixed backoff,
// logging the quoted command and last stderr on final failure.
func (e *executor) withRetry(
	ctx context.Context, cmd Command, host string, opts Options,
	attempt func(ctx context.Context) (stdout string, stderr string, err error),
) (string, error) {
	retries := opts.Retries
	if retries <= 0 {
		retries = DefaultSSHRetries
	}

	var lastErr error
	var lastStderr string
	for i := 0; i <= retries; i++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		stdout, stderr, err := attempt(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return stdout, nil
		}
		lastErr = err
		lastStderr = stderr

		if i < retries {
			logging.WithHost(host).Warn().
				Str("cmd", cmd.Quoted()).
				Int("attempt", i+1).
				Err(err).
				Msg("remote command failed, retrying")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}

	logging.WithHost(host).Error().
		Str("cmd", cmd.Quoted()).
		Str("stderr", lastStderr).
		Err(lastErr).
		Msg("remote command exhausted retries")
	return "", fmt.Errorf("%w: %s: %v (stderr: %s)", backuperr.ErrExecutionFailed, cmd.Quoted(), lastErr, lastStderr)
}
