package remoteexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// runSSH dials host over SSH and runs cmd in a single session. Arguments are
// shell-quoted once on the wire (SSH sessions only accept a single command
// string) but are never interpreted locally — the quoting happens at the
// last possible moment, right before the bytes leave the process.
func runSSH(ctx context.Context, cfg SSHConfig, cmd Command, host string, opts Options) (stdout, stderr string, err error) {
	if len(cmd.Argv) == 0 {
		return "", "", errEmptyCommand
	}

	client, err := dialSSH(ctx, cfg, host)
	if err != nil {
		return "", "", fmt.Errorf("ssh dial %s: %w", host, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("ssh session %s: %w", host, err)
	}
	defer session.Close()

	for k, v := range opts.Env {
		// Best-effort: most sshd configs reject arbitrary SetEnv requests
		// unless AcceptEnv is configured, so remote commands should not
		// depend on this succeeding.
		_ = session.Setenv(k, v)
	}

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	line := cmd.Quoted()
	if cfg.RemoteUser != "" {
		line = fmt.Sprintf("sudo -u %s -- %s", cfg.RemoteUser, line)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		session.Close()
		return outBuf.String(), errBuf.String(), ctx.Err()
	case runErr := <-done:
		return outBuf.String(), errBuf.String(), runErr
	}
}

func dialSSH(ctx context.Context, cfg SSHConfig, host string) (*ssh.Client, error) {
	authMethod, err := sshAuthMethod(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // known_hosts pinning is out of scope for §9
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func sshAuthMethod(cfg SSHConfig) (ssh.AuthMethod, error) {
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("ssh exec mode requires --ssh_key_path")
	}

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", cfg.KeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		if strings.Contains(err.Error(), "decrypt") {
			return nil, fmt.Errorf("parsing %s: passphrase-protected keys are not supported: %w", cfg.KeyPath, err)
		}
		return nil, fmt.Errorf("parsing %s: %w", cfg.KeyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}
