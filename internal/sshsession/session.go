// Package sshsession implements the Remote Session (C1): one
// authenticated shell and file-transfer channel to a deployment host,
// multiplexed over a single SSH connection.
//
// Adapted from the teacher's internal/ssh/client package, which wraps
// an ssh.Client over a docker-exec stdio pipe to reach a devcontainer
// sidecar. Here the transport is a real net.Dial("tcp", host:port), so
// host-key verification is load-bearing rather than skippable: the
// teacher's ssh.InsecureIgnoreHostKey() is replaced with known_hosts
// pinning.
package sshsession

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/griffithind/dcx-deploy/internal/derrors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// DefaultRunTimeout is the soft timeout applied to run() when the
// caller doesn't specify one (spec.md §4.1).
const DefaultRunTimeout = 60 * time.Second

// AuthKind selects how the session authenticates to the host.
type AuthKind int

const (
	AuthKey AuthKind = iota
	AuthAgent
)

// Config describes how to reach and authenticate to a host.
type Config struct {
	Host         string
	Port         int
	User         string
	AuthKind     AuthKind
	KeyPath      string // required when AuthKind == AuthKey
	KnownHostsCB ssh.HostKeyCallback
}

// Session is one multiplexed SSH connection plus its SFTP subsystem.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	host   string
}

// ExecResult is the outcome of a single run() call.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Dial opens a new Session, performing the SSH handshake and starting
// the SFTP subsystem eagerly so upload/download never pay handshake
// latency mid-operation.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	authMethods, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCB := cfg.KnownHostsCB
	if hostKeyCB == nil {
		return nil, derrors.New(derrors.KindAuthError, "known_hosts callback is required")
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCB,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(cfg.Host, portOrDefault(cfg.Port))

	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, derrors.Wrap(err, derrors.KindNetworkError, fmt.Sprintf("dial %s", addr))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		if isHostKeyError(err) {
			return nil, derrors.Wrap(err, derrors.KindAuthError, "host key verification failed")
		}
		return nil, derrors.Wrap(err, derrors.KindNetworkError, "ssh handshake failed")
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, derrors.Wrap(err, derrors.KindNetworkError, "start sftp subsystem")
	}

	return &Session{client: client, sftp: sftpClient, host: cfg.Host}, nil
}

// Close releases the SFTP subsystem and the underlying SSH connection.
func (s *Session) Close() error {
	_ = s.sftp.Close()
	return s.client.Close()
}

func portOrDefault(port int) string {
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%d", port)
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	switch cfg.AuthKind {
	case AuthKey:
		if cfg.KeyPath == "" {
			return nil, derrors.New(derrors.KindConfigInvalid, "auth.kind=key requires auth.path")
		}
		signer, err := loadSigner(cfg.KeyPath)
		if err != nil {
			return nil, derrors.Wrap(err, derrors.KindAuthError, "load private key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, derrors.New(derrors.KindAuthError, "SSH_AUTH_SOCK is not set; no agent available")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, derrors.Wrap(err, derrors.KindAuthError, "connect to ssh agent")
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil

	default:
		return nil, derrors.New(derrors.KindConfigInvalid, "unknown auth kind")
	}
}

func loadSigner(path string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// isHostKeyError recognizes a knownhosts verification failure.
// golang.org/x/crypto/ssh/knownhosts returns a *knownhosts.KeyError
// (or wraps one) rather than a distinct sentinel, so matching its
// "knownhosts:" message prefix is the callback's only hook short of
// importing the knownhosts package here too.
func isHostKeyError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "knownhosts:") || strings.Contains(msg, "host key")
}
