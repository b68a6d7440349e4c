package adapter

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// commandRunner executes a shell command on remote equipment
type commandRunner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// sshRunner opens a fresh SSH connection per command
type sshRunner struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration
}

type sshLogin struct {
	User       string
	Password   string
	PrivateKey string
	// HostKey pins the server key in authorized_keys format
	HostKey string
}

func newSSHRunner(host string, port int, login sshLogin, timeout time.Duration) (*sshRunner, error) {
	config, err := buildSSHConfig(login, timeout)
	if err != nil {
		return nil, err
	}
	return &sshRunner{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		config:  config,
		timeout: timeout,
	}, nil
}

// buildSSHConfig prefers key authentication and falls back to password
func buildSSHConfig(login sshLogin, timeout time.Duration) (*ssh.ClientConfig, error) {
	if login.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	var auth []ssh.AuthMethod
	if login.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(login.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if login.Password != "" {
		auth = append(auth, ssh.Password(login.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh password or private key is required")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // pinned below when configured
	if login.HostKey != "" {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(login.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(pk)
	}

	return &ssh.ClientConfig{
		User:            login.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// Run dials, executes cmd and returns its combined output
func (r *sshRunner) Run(ctx context.Context, cmd string) (string, error) {
	dialer := &net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return "", fmt.Errorf("failed to dial: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return "", fmt.Errorf("ssh login to %s: %v: %w", r.addr, err, errRejected)
		}
		return "", fmt.Errorf("failed to establish SSH connection: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return string(res.out), fmt.Errorf("command %q failed: %w", cmd, res.err)
		}
		return string(res.out), nil
	case <-ctx.Done():
		// closing the client unblocks CombinedOutput
		client.Close()
		return "", ctx.Err()
	}
}
