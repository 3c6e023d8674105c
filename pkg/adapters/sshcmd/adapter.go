// Package sshcmd implements the imperative SSH lifecycle adapter. It
// reaches hosts directly over the SSH transport, runs configured
// shutdown and startup commands with sudo, and optionally stages a
// script over SFTP first. A host that stops answering SSH after a
// shutdown command is treated as stopped; SSH cannot start a powered
// off host, so startup without a configured command escalates to the
// next strategy.
package sshcmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
	"github.com/rackcycle/rackcycle/pkg/transports/ssh"
)

// Labels understood by this adapter.
const (
	// labelShutdownCmd overrides the shutdown command.
	labelShutdownCmd = "shutdown_cmd"

	// labelStartupCmd is the startup command. Without it the adapter
	// cannot start the host and escalates.
	labelStartupCmd = "startup_cmd"

	// labelStatusCmd is an optional health probe command. Exit zero
	// means running.
	labelStatusCmd = "status_cmd"

	// labelShutdownScript is a local script path staged to the host and
	// executed instead of the shutdown command.
	labelShutdownScript = "shutdown_script"
)

const (
	defaultShutdownCmd = "shutdown -h now"
	defaultSSHPort     = 22

	// remoteScriptPath is where staged shutdown scripts land.
	remoteScriptPath = "/tmp/rackcycle-shutdown.sh"
)

// commandRunner is the slice of the SSH transport the adapter uses.
type commandRunner interface {
	Run(ctx context.Context, cmd string) (*ssh.ExecResult, error)
	RunSudo(ctx context.Context, cmd string, sudoPassword string) (*ssh.ExecResult, error)
	StageScript(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
	Close() error
}

// dialTransport opens a connected SSH transport. Overridable for tests.
var dialTransport = func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Adapter drives hosts over SSH.
type Adapter struct {
	logger         zerolog.Logger
	poller         *poll.Poller
	knownHostsPath string
	strictHostKey  bool
	connectTimeout time.Duration
}

// Option configures the adapter.
type Option func(*Adapter)

// WithKnownHosts sets the known-hosts file used for host key checks.
func WithKnownHosts(path string) Option {
	return func(a *Adapter) {
		a.knownHostsPath = path
		a.strictHostKey = true
	}
}

// WithInsecureHostKeys disables host key verification.
func WithInsecureHostKeys() Option {
	return func(a *Adapter) {
		a.strictHostKey = false
	}
}

// WithConnectTimeout bounds each dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.connectTimeout = d
	}
}

// NewAdapter creates the SSH command adapter.
func NewAdapter(logger zerolog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		logger:         logger.With().Str("component", "sshcmd").Logger(),
		poller:         poll.New(logger),
		strictHostKey:  true,
		connectTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind identifies this adapter's backend variety.
func (a *Adapter) Kind() engine.AdapterKind {
	return engine.AdapterKindSSH
}

// Applicable reports whether the target exposes an SSH endpoint and the
// session carries a user with password or key material.
func (a *Adapter) Applicable(target *engine.Target, sess *broker.Session) bool {
	if target.EndpointFor(engine.AdapterKindSSH) == "" {
		return false
	}
	return sess != nil && sess.Username != "" && (sess.Password != "" || sess.KeyPath != "")
}

// Status reads the host's state. A host whose SSH endpoint does not
// answer is reported stopped; shutdown orchestration treats a dark host
// and a powered-off host the same way.
func (a *Adapter) Status(ctx context.Context, target *engine.Target, sess *broker.Session) (*engine.StateSnapshot, error) {
	cfg, err := a.transportConfig(target, sess)
	if err != nil {
		return nil, err
	}

	runner, err := dialTransport(ctx, cfg)
	if err != nil {
		if terr, ok := ssh.AsTransportError(err); ok {
			if terr.IsAuthError {
				return nil, engine.NewUnauthenticatedError("ssh authentication rejected", err).
					WithTarget(target.Name).
					WithCode(engine.ErrCodeAuthExpired)
			}
			if terr.IsTemporary {
				return &engine.StateSnapshot{
					State:      engine.StateStopped,
					Detail:     "ssh endpoint not answering",
					ObservedAt: time.Now(),
				}, nil
			}
		}
		return nil, engine.NewTransientError("ssh dial failed", err).WithTarget(target.Name)
	}
	defer runner.Close()

	statusCmd := target.Labels[labelStatusCmd]
	if statusCmd == "" {
		return &engine.StateSnapshot{
			State:      engine.StateRunning,
			Detail:     "ssh reachable",
			ObservedAt: time.Now(),
		}, nil
	}

	res, err := runner.Run(ctx, statusCmd)
	if err != nil {
		if res != nil && res.ExitCode > 0 {
			return &engine.StateSnapshot{
				State:      engine.StateDegraded,
				Detail:     commandDetail(res),
				ObservedAt: time.Now(),
			}, nil
		}
		return nil, engine.NewTransientError("status command failed", err).WithTarget(target.Name)
	}

	return &engine.StateSnapshot{
		State:      engine.StateRunning,
		Detail:     commandDetail(res),
		ObservedAt: time.Now(),
	}, nil
}

// Transition runs the operation's command on the host. For shutdown, a
// connection dropped mid-command counts as accepted: the host tears the
// session down as it goes.
func (a *Adapter) Transition(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session) error {
	cmd, err := a.commandFor(target, op)
	if err != nil {
		return err
	}

	cfg, err := a.transportConfig(target, sess)
	if err != nil {
		return err
	}

	runner, err := dialTransport(ctx, cfg)
	if err != nil {
		return classifyDial("ssh dial failed", target.Name, err)
	}
	defer runner.Close()

	if op == engine.OperationShutdown {
		if scriptPath := target.Labels[labelShutdownScript]; scriptPath != "" {
			staged, err := a.stageScript(ctx, runner, target, scriptPath)
			if err != nil {
				return err
			}
			cmd = staged
		}
	}

	a.logger.Debug().
		Str("target", target.Name).
		Str("operation", string(op)).
		Str("cmd", cmd).
		Msg("Running transition command")

	res, err := runner.RunSudo(ctx, cmd, sess.Password)
	if err != nil {
		terr, ok := ssh.AsTransportError(err)
		switch {
		case ok && terr.IsAuthError:
			return engine.NewUnauthenticatedError("ssh authentication rejected", err).
				WithTarget(target.Name).
				WithCode(engine.ErrCodeAuthExpired)
		case ok && terr.IsTemporary && op == engine.OperationShutdown:
			// The session died under the shutdown command.
			a.logger.Debug().
				Str("target", target.Name).
				Msg("Connection dropped during shutdown command")
			return nil
		case ok && terr.IsTemporary:
			return engine.NewTransientError("command interrupted", err).WithTarget(target.Name)
		default:
			detail := ""
			if res != nil {
				detail = commandDetail(res)
			}
			return engine.NewTerminalError(fmt.Sprintf("command failed: %s", detail), err).
				WithTarget(target.Name).
				WithOperation(string(op))
		}
	}
	return nil
}

// Await probes the host by dialing fresh each interval. Shutdown
// converges when SSH stops answering twice in a row; startup converges
// when SSH answers and the optional status command passes.
func (a *Adapter) Await(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session, interval, maxTotal time.Duration) (*poll.Outcome, error) {
	cfg, err := a.transportConfig(target, sess)
	if err != nil {
		return nil, err
	}

	statusCmd := target.Labels[labelStatusCmd]
	unreachableStreak := 0

	probe := func(ctx context.Context) (poll.State, error) {
		runner, err := dialTransport(ctx, cfg)
		if err != nil {
			terr, ok := ssh.AsTransportError(err)
			switch {
			case ok && terr.IsTemporary:
				unreachableStreak++
				if op == engine.OperationShutdown && unreachableStreak >= 2 {
					return poll.Ready(), nil
				}
				return poll.Partial("ssh not answering"), nil
			case ok && terr.IsAuthError && op == engine.OperationStartup:
				// A rejected login still proves sshd is up.
				return poll.Ready(), nil
			case ok && terr.IsAuthError:
				return poll.Partial("sshd still answering"), nil
			default:
				return poll.State{}, err
			}
		}
		defer runner.Close()

		unreachableStreak = 0
		if op == engine.OperationShutdown {
			return poll.Partial("host still reachable"), nil
		}

		if statusCmd == "" {
			return poll.Ready(), nil
		}
		res, err := runner.Run(ctx, statusCmd)
		if err != nil {
			if res != nil && res.ExitCode > 0 {
				return poll.Partial(commandDetail(res)), nil
			}
			return poll.State{}, err
		}
		return poll.Ready(), nil
	}

	return a.poller.Poll(ctx, probe, interval, maxTotal)
}

func (a *Adapter) commandFor(target *engine.Target, op engine.Operation) (string, error) {
	switch op {
	case engine.OperationShutdown:
		if cmd := target.Labels[labelShutdownCmd]; cmd != "" {
			return cmd, nil
		}
		return defaultShutdownCmd, nil
	case engine.OperationStartup:
		if cmd := target.Labels[labelStartupCmd]; cmd != "" {
			return cmd, nil
		}
		return "", engine.NewTerminalError("no startup command configured; ssh cannot start a powered off host", nil).
			WithTarget(target.Name).
			WithOperation(string(op)).
			WithCode(engine.ErrCodeUnsupportedVerb)
	default:
		return "", engine.NewTerminalError(fmt.Sprintf("operation %s has no ssh command", op), nil).
			WithTarget(target.Name).
			WithCode(engine.ErrCodeUnsupportedVerb)
	}
}

func (a *Adapter) stageScript(ctx context.Context, runner commandRunner, target *engine.Target, scriptPath string) (string, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", engine.NewTerminalError("shutdown script unreadable", err).
			WithTarget(target.Name).
			WithDetail("script", scriptPath)
	}
	if err := runner.StageScript(ctx, content, remoteScriptPath, 0o700); err != nil {
		return "", engine.NewTransientError("script staging failed", err).WithTarget(target.Name)
	}
	a.logger.Debug().
		Str("target", target.Name).
		Str("script", scriptPath).
		Str("remote", remoteScriptPath).
		Msg("Staged shutdown script")
	return remoteScriptPath, nil
}

func (a *Adapter) transportConfig(target *engine.Target, sess *broker.Session) (*ssh.Config, error) {
	if sess == nil || sess.Username == "" {
		return nil, engine.NewUnauthenticatedError("no ssh credentials", nil).
			WithTarget(target.Name).
			WithCode(engine.ErrCodeSessionUnavailable)
	}

	endpoint := target.EndpointFor(engine.AdapterKindSSH)
	host, port := splitEndpoint(endpoint)

	cfg := ssh.DefaultConfig(host, sess.Username)
	cfg.Port = port
	cfg.StrictHostKeyChecking = a.strictHostKey
	if a.knownHostsPath != "" {
		cfg.KnownHostsPath = a.knownHostsPath
	}
	cfg.ConnectTimeout = a.connectTimeout

	if sess.KeyPath != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = sess.KeyPath
	} else {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = sess.Password
	}
	return cfg, nil
}

func classifyDial(message, targetName string, err error) error {
	if terr, ok := ssh.AsTransportError(err); ok {
		if terr.IsAuthError {
			return engine.NewUnauthenticatedError(message, err).
				WithTarget(targetName).
				WithCode(engine.ErrCodeAuthExpired)
		}
		if terr.IsTemporary {
			return engine.NewTransientError(message, err).
				WithTarget(targetName).
				WithCode(engine.ErrCodeUnreachable)
		}
	}
	return engine.NewTransientError(message, err).WithTarget(targetName)
}

func splitEndpoint(endpoint string) (string, int) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, defaultSSHPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, defaultSSHPort
	}
	return host, port
}

func commandDetail(res *ssh.ExecResult) string {
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		out = strings.TrimSpace(res.Stderr)
	}
	if len(out) > 200 {
		out = out[:200]
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("exit %d: %s", res.ExitCode, out)
	}
	return out
}
