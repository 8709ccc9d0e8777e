package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// StdioTransport speaks newline-delimited JSON-RPC to a butler subprocess.
type StdioTransport struct {
	command string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  io.ReadCloser
	mu      sync.Mutex
	running bool
}

// NewStdioTransport starts a subprocess and connects to its stdio.
func NewStdioTransport(command string, args []string, env map[string]string, logger *slog.Logger) (*StdioTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command %q: %w", command, err)
	}

	t := &StdioTransport{
		command: command,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		stderr:  stderr,
		running: true,
	}
	go func() {
		scanner := bufio.NewScanner(t.stderr)
		for scanner.Scan() {
			logger.Debug("butler stderr", "command", command, "msg", scanner.Text())
		}
	}()
	return t, nil
}

func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("stdio transport %s closed", t.command)
	}
	line := make([]byte, 0, len(msg)+1)
	line = append(line, msg...)
	line = append(line, '\n')
	if _, err := t.stdin.Write(line); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive reads one line. The read runs in a goroutine so ctx can cancel the wait.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.stdout.ReadBytes('\n')
		ch <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return json.RawMessage(res.msg), nil
	}
}

// Close kills the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	return nil
}

// ReconnectableTransport restarts the subprocess when a send fails.
type ReconnectableTransport struct {
	command string
	args    []string
	env     map[string]string
	logger  *slog.Logger

	mu        sync.Mutex
	transport *StdioTransport
	closed    bool
	maxRetry  uint
	initial   time.Duration
}

func NewReconnectableTransport(command string, args []string, env map[string]string, logger *slog.Logger) (*ReconnectableTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := NewStdioTransport(command, args, env, logger)
	if err != nil {
		return nil, err
	}
	return &ReconnectableTransport{
		command:   command,
		args:      args,
		env:       env,
		logger:    logger,
		transport: t,
		maxRetry:  3,
		initial:   time.Second,
	}, nil
}

func (r *ReconnectableTransport) Send(ctx context.Context, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("stdio transport %s closed", r.command)
	}

	err := r.transport.Send(ctx, msg)
	if err == nil {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.Multiplier = 2
	attempt := 0
	_, retryErr := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		r.logger.Info("stdio transport reconnecting", "command", r.command, "attempt", attempt)
		_ = r.transport.Close()
		next, err := NewStdioTransport(r.command, r.args, r.env, r.logger)
		if err != nil {
			return struct{}{}, err
		}
		r.transport = next
		return struct{}{}, next.Send(ctx, msg)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(r.maxRetry))
	if retryErr != nil {
		return fmt.Errorf("reconnect %s failed after %d attempts: %w", r.command, attempt, err)
	}
	r.logger.Info("stdio transport reconnected", "command", r.command)
	return nil
}

// Receive follows the current subprocess, moving on to a replacement when a
// reconnect swapped it out mid-read.
func (r *ReconnectableTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	for {
		r.mu.Lock()
		t := r.transport
		r.mu.Unlock()

		msg, err := t.Receive(ctx)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.mu.Lock()
		swapped := r.transport != t
		closed := r.closed
		r.mu.Unlock()
		if !swapped || closed {
			return nil, err
		}
	}
}

func (r *ReconnectableTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.transport.Close()
}

// stdioCommand maps stdio://<command>?arg=a&arg=b (or stdio:///abs/path) to argv.
func stdioCommand(u *url.URL) (string, []string, error) {
	command := u.Host + u.Path
	if command == "" {
		return "", nil, fmt.Errorf("stdio endpoint %q has no command", u.String())
	}
	return command, u.Query()["arg"], nil
}
