package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Result is the outcome of a remote command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	Duration   time.Duration
}

// Client is a lazily connected SSH client. It is safe for concurrent use;
// commands share one connection and open a session each.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	conn *ssh.Client
}

// NewClient validates cfg and returns an unconnected client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "ssh").Str("address", cfg.Address()).Logger(),
	}, nil
}

// connection returns the live connection, dialing if needed.
func (c *Client) connection(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if _, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return c.conn, nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		_ = c.conn.Close()
		c.conn = nil
	}

	clientConfig, err := c.cfg.ClientConfig()
	if err != nil {
		te := permanent("connect", err)
		te.Auth = true
		return nil, te
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		return nil, retryable("connect", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.cfg.Address(), clientConfig)
	if err != nil {
		_ = netConn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) || strings.Contains(err.Error(), "unable to authenticate") {
			te := permanent("connect", err)
			te.Auth = true
			return nil, te
		}
		return nil, retryable("connect", err)
	}
	_ = netConn.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.logger.Info().Msg("SSH connection established")
	return c.conn, nil
}

// Run executes cmd on the remote host. A non-zero exit status is returned
// as a non-retryable *TransportError alongside the captured output.
func (c *Client) Run(ctx context.Context, cmd string) (*Result, error) {
	if c.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}

	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, retryable("exec", fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	res := &Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	c.logger.Debug().
		Str("command", cmd).
		Dur("duration", res.Duration).
		Err(runErr).
		Msg("Command completed")

	if runErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
		te := permanent("exec", fmt.Errorf("command exited with code %d: %s", res.ExitStatus, res.Stderr))
		te.ExitStatus = res.ExitStatus
		return res, te
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		res.ExitStatus = -1
		return res, permanent("exec", runErr)
	default:
		res.ExitStatus = -1
		return res, retryable("exec", runErr)
	}
}

// Upload copies a local file to remotePath over SFTP, creating parent
// directories. It returns the number of bytes written.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) (int64, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return 0, permanent("upload", fmt.Errorf("failed to open local file: %w", err))
	}
	defer local.Close()

	conn, err := c.connection(ctx)
	if err != nil {
		return 0, err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return 0, retryable("upload", fmt.Errorf("failed to start sftp: %w", err))
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, permanent("upload", fmt.Errorf("failed to create remote directory: %w", err))
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return 0, retryable("upload", fmt.Errorf("failed to create remote file: %w", err))
	}
	defer remote.Close()

	start := time.Now()
	n, err := io.Copy(remote, &ctxReader{ctx: ctx, r: local})
	if err != nil {
		if ctx.Err() != nil {
			return n, permanent("upload", ctx.Err())
		}
		return n, retryable("upload", fmt.Errorf("failed to copy file: %w", err))
	}

	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			c.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to set file permissions")
		}
	}

	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("File uploaded")
	return n, nil
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
