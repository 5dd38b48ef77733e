// Package sshexec runs commands and copies files inside a practice VM
// over key-based SSH, the reach-in path used once a domain has an IP.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/lpem/lpem/internal/lpemerr"
)

const (
	connectTimeout     = 10 * time.Second
	defaultCmdTimeout  = 120 * time.Second
	insecureKeyMask    = 0o077
)

// Config describes how to reach a guest over SSH.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	CommandTimeout time.Duration
}

// Result is the outcome of one remote command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client dials a single SSH connection and runs commands or SFTP
// transfers against it.
type Client struct {
	cfg    Config
	logger *zap.Logger
	client *ssh.Client
}

// Dial validates the configured private key and opens the SSH
// connection.
func Dial(cfg Config, logger *zap.Logger) (*Client, error) {
	signer, err := loadKey(cfg.PrivateKeyPath, logger)
	if err != nil {
		return nil, lpemerr.New("sshexec.Dial", lpemerr.SSHTransport, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, portOrDefault(cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, lpemerr.New("sshexec.Dial", lpemerr.SSHTransport, err)
	}

	return &Client{cfg: cfg, logger: logger, client: client}, nil
}

func portOrDefault(p int) string {
	if p == 0 {
		return "22"
	}
	return fmt.Sprintf("%d", p)
}

func loadKey(keyPath string, logger *zap.Logger) (ssh.Signer, error) {
	expanded := keyPath
	if strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		expanded = path.Join(home, expanded[2:])
	}

	info, err := os.Stat(expanded)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&insecureKeyMask != 0 && logger != nil {
		logger.Warn("private key has loose permissions", zap.String("path", expanded), zap.String("mode", info.Mode().Perm().String()))
	}

	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(raw)
}

// Close closes the underlying SSH connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Exec runs cmd to completion, enforcing ctx's deadline and the
// client's configured command timeout, whichever is tighter.
func (c *Client) Exec(ctx context.Context, cmd string) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, lpemerr.New("sshexec.Exec", lpemerr.SSHTransport, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := c.cfg.CommandTimeout
	if timeout == 0 {
		timeout = defaultCmdTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, lpemerr.New("sshexec.Exec", lpemerr.SSHCommand, runCtx.Err())
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, lpemerr.New("sshexec.Exec", lpemerr.SSHCommand, err)
			}
		}
		return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	}
}

// RunInteractive runs cmd with a PTY attached, for commands that need
// one (e.g. those that probe isatty).
func (c *Client) RunInteractive(ctx context.Context, cmd string) (*Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, lpemerr.New("sshexec.RunInteractive", lpemerr.SSHTransport, err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED:  14400,
		ssh.TTY_OP_OSPEED:  14400,
	}
	if err := session.RequestPty("xterm", 80, 40, modes); err != nil {
		return nil, lpemerr.New("sshexec.RunInteractive", lpemerr.SSHTransport, err)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(cmd); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitStatus()}, nil
		}
		return nil, lpemerr.New("sshexec.RunInteractive", lpemerr.SSHCommand, err)
	}
	return &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

// Put copies a local file to a remote path over SFTP, creating any
// missing parent directories on the remote side.
func (c *Client) Put(localPath, remotePath string) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return lpemerr.New("sshexec.Put", lpemerr.SSHTransport, err)
	}
	defer sftpClient.Close()

	if err := mkdirAll(sftpClient, path.Dir(remotePath)); err != nil {
		return lpemerr.New("sshexec.Put", lpemerr.SSHTransport, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return lpemerr.New("sshexec.Put", lpemerr.SSHTransport, err)
	}
	defer src.Close()

	dst, err := sftpClient.Create(remotePath)
	if err != nil {
		return lpemerr.New("sshexec.Put", lpemerr.SSHTransport, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return lpemerr.New("sshexec.Put", lpemerr.SSHTransport, err)
	}
	return nil
}

func mkdirAll(client *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if info, err := client.Stat(dir); err == nil && info.IsDir() {
		return nil
	}
	if err := mkdirAll(client, path.Dir(dir)); err != nil {
		return err
	}
	if err := client.Mkdir(dir); err != nil {
		if info, statErr := client.Stat(dir); statErr == nil && info.IsDir() {
			return nil
		}
		return err
	}
	return nil
}
