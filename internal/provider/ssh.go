package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/devswarm/backend/internal/instance"
)

// sshRunner executes commands on remote instances over SSH with the fleet
// key. It is the default CommandRunner for the gce back-end.
type sshRunner struct {
	user   string
	signer ssh.Signer
}

func newSSHRunner(user, privateKeyPEM string) (*sshRunner, error) {
	signer, err := ssh.ParsePrivateKey([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &sshRunner{user: user, signer: signer}, nil
}

func (r *sshRunner) Run(ctx context.Context, addr string, command []string) (*instance.CommandResult, error) {
	cfg := &ssh.ClientConfig{
		User:            r.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, "22"))
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "dial %s", addr)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "ssh handshake with %s", addr)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, instance.WrapErr(instance.ErrProviderFailure, err, "ssh session on %s", addr)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	result := &instance.CommandResult{}
	if err := session.Run(shellJoin(command)); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			return nil, instance.WrapErr(instance.ErrProviderFailure, err, "run command on %s", addr)
		}
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// shellJoin quotes each argument so the remote shell sees the same argv.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]#~%{}`!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
