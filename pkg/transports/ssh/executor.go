package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes a command on the remote host.
func (c *Client) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	return c.run(ctx, cmd, false, "")
}

// RunSudo executes a command with sudo privileges. The sudoPassword
// parameter can be empty if NOPASSWD is configured.
func (c *Client) RunSudo(ctx context.Context, cmd string, sudoPassword string) (*ExecResult, error) {
	return c.run(ctx, cmd, true, sudoPassword)
}

// run is the internal implementation of command execution. A non-zero
// exit code is returned as a non-temporary TransportError alongside the
// result, so callers can still read stderr.
func (c *Client) run(ctx context.Context, cmd string, useSudo bool, sudoPassword string) (*ExecResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("command", cmd).
		Bool("sudo", useSudo).
		Str("host", c.config.Host).
		Msg("executing command")

	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	if useSudo {
		if sudoPassword != "" {
			finalCmd = fmt.Sprintf("echo '%s' | sudo -S %s", sudoPassword, cmd)
		} else {
			finalCmd = fmt.Sprintf("sudo %s", cmd)
		}
	}

	timeout := c.config.CommandTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(finalCmd)
	}()

	var execErr error
	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = runCtx.Err()
	case execErr = <-doneChan:
	}

	result := &ExecResult{
		Stdout:    strings.TrimSpace(stdoutBuf.String()),
		Stderr:    strings.TrimSpace(stderrBuf.String()),
		StartedAt: startTime,
		Duration:  time.Since(startTime),
	}

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(execErr).
		Msg("command completed")

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			// Command ran but returned non-zero exit code
			result.ExitCode = exitErr.ExitStatus()
			return result, &TransportError{
				Op:          "execute",
				Err:         fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), result.Stderr),
				IsTemporary: false,
				IsAuthError: false,
			}
		}
		// Connection dropped mid-command or timeout
		result.ExitCode = -1
		return result, &TransportError{
			Op:          "execute",
			Err:         execErr,
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	return result, nil
}
