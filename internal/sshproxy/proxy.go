// Package sshproxy runs commands on the managed VNF host over SSH.
//
// A Proxy holds the target address and credentials. Every call dials a fresh
// connection, authenticates, runs one command in one session and closes the
// connection again; nothing is kept open between actions. Transport failures
// never escape as Go errors: Run renders them into stderr and
// VerifyCredentials collapses them to false, because the invoking action must
// always report a structured result.
package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/charmed-osm/vyos-config/internal/logging"
	"github.com/charmed-osm/vyos-config/internal/sshkeys"
)

const (
	// DefaultConnectTimeout bounds dial plus handshake.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCommandTimeout bounds a single remote command.
	DefaultCommandTimeout = 5 * time.Minute

	defaultPort = 22

	verifyCommand = "true"
)

var (
	// ErrNotConfigured is reported when the target has no hostname.
	ErrNotConfigured = errors.New("SSH hostname not configured")

	// ErrConnectionLost is reported when the session ends without an exit
	// status after the command was started.
	ErrConnectionLost = errors.New("connection lost")
)

// Target is the remote host and the credentials used to reach it.
type Target struct {
	Hostname string
	Username string
	Password string
	Port     int
}

// Configured reports whether a hostname has been set.
func (t Target) Configured() bool {
	return strings.TrimSpace(t.Hostname) != ""
}

// Addr returns host:port, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(strings.TrimSpace(t.Hostname), strconv.Itoa(port))
}

// ActionResult is the structured outcome of one proxy operation.
type ActionResult struct {
	Success      bool   `json:"success"`
	Output       string `json:"output,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithSigner enables public key authentication, tried before the password.
func WithSigner(s ssh.Signer) Option {
	return func(p *Proxy) { p.signer = s }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.connectTimeout = d
		}
	}
}

func WithCommandTimeout(d time.Duration) Option {
	return func(p *Proxy) {
		if d > 0 {
			p.commandTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l.Named("sshproxy")
		}
	}
}

// WithHistory records every call into h.
func WithHistory(h *History) Option {
	return func(p *Proxy) { p.history = h }
}

// WithKnownHostKey sets the host key fingerprint seen previously. A different
// key is accepted but logged.
func WithKnownHostKey(fingerprint string) Option {
	return func(p *Proxy) { p.knownHostKey = fingerprint }
}

// Proxy executes commands on a single Target.
type Proxy struct {
	target         Target
	signer         ssh.Signer
	connectTimeout time.Duration
	commandTimeout time.Duration
	logger         *zap.Logger
	history        *History
	knownHostKey   string

	mu          sync.Mutex
	lastHostKey string
}

func New(target Target, opts ...Option) *Proxy {
	p := &Proxy{
		target:         target,
		connectTimeout: DefaultConnectTimeout,
		commandTimeout: DefaultCommandTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Target returns the host this proxy talks to.
func (p *Proxy) Target() Target {
	return p.target
}

// HostKeyFingerprint returns the host key fingerprint observed on the most
// recent successful handshake, or "" if there was none.
func (p *Proxy) HostKeyFingerprint() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHostKey
}

// Run executes command on the target and returns the captured output streams.
// Connection, authentication and session failures are reported in stderr. A
// non-zero exit status with no stderr output is reported as "exit status N".
func (p *Proxy) Run(ctx context.Context, command string) (stdout, stderr string) {
	stdout, stderr, err := p.Exec(ctx, command)
	if err != nil {
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			stderr += "\n"
		}
		stderr += err.Error()
	}
	return stdout, stderr
}

// Exec is Run with the transport error kept apart from the remote stderr.
// err wraps ErrConnectionLost when the session dropped after the command
// started.
func (p *Proxy) Exec(ctx context.Context, command string) (stdout, stderr string, err error) {
	start := time.Now()
	stdout, stderr, exitCode, err := p.run(ctx, command)
	if err == nil && exitCode != 0 && stderr == "" {
		stderr = fmt.Sprintf("exit status %d", exitCode)
	}

	elapsed := time.Since(start)
	p.history.record(CallRecord{
		Command:   logging.Sanitize(command),
		StartedAt: start,
		Duration:  elapsed,
		ExitCode:  exitCode,
		Error:     errString(err),
	})

	fields := []zap.Field{
		zap.String("host", p.target.Addr()),
		zap.String("command", truncate(logging.Sanitize(command), 80)),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		p.logger.Warn("remote command failed", append(fields, zap.Error(err))...)
	} else {
		p.logger.Info("remote command finished", fields...)
	}
	return stdout, stderr, err
}

// Execute runs command and folds the streams into an ActionResult. The result
// is successful iff stderr is empty.
func (p *Proxy) Execute(ctx context.Context, command string) ActionResult {
	stdout, stderr := p.Run(ctx, command)
	return ActionResult{
		Success:      stderr == "",
		Output:       stdout,
		ErrorMessage: stderr,
	}
}

// VerifyCredentials reports whether the target is reachable and accepts the
// configured credentials, by running a no-op command.
func (p *Proxy) VerifyCredentials(ctx context.Context) bool {
	_, _, exitCode, err := p.run(ctx, verifyCommand)
	if err != nil {
		p.logger.Info("credential verification failed",
			zap.String("host", p.target.Addr()),
			zap.String("user", logging.Sanitize(p.target.Username)),
			zap.Error(err))
		return false
	}
	return exitCode == 0
}

// run performs one dial/auth/exec cycle. exitCode is -1 when the command
// never produced an exit status.
func (p *Proxy) run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	if !p.target.Configured() {
		return "", "", -1, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, p.commandTimeout)
	defer cancel()

	client, err := p.dial(ctx)
	if err != nil {
		return "", "", -1, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		// Closing the client unblocks session.Run.
		client.Close()
		<-done
		return outBuf.String(), errBuf.String(), -1, fmt.Errorf("remote command timed out: %w", ctx.Err())
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(runErr, &missing) || errors.Is(runErr, io.EOF) {
			return outBuf.String(), errBuf.String(), -1, fmt.Errorf("%w: remote command exited without status", ErrConnectionLost)
		}
		return outBuf.String(), errBuf.String(), -1, fmt.Errorf("run remote command: %w", runErr)
	}
	return outBuf.String(), errBuf.String(), 0, nil
}

func (p *Proxy) dial(ctx context.Context) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	if p.signer != nil {
		auth = append(auth, ssh.PublicKeys(p.signer))
	}
	if p.target.Password != "" {
		auth = append(auth, ssh.Password(p.target.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh credentials configured")
	}

	hostKeyCallback, seen := sshkeys.MakeHostKeyCallback(p.knownHostKey, p.logger)
	cfg := &ssh.ClientConfig{
		User:            p.target.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         p.connectTimeout,
	}

	addr := p.target.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: p.connectTimeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The handshake itself ignores the context; bound it with a deadline.
	deadline, _ := dialCtx.Deadline()
	netConn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	p.mu.Lock()
	p.lastHostKey = *seen
	p.mu.Unlock()

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// ShellQuote wraps s in single quotes for use as one POSIX shell word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
