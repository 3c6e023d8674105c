package sshcmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
	"github.com/rackcycle/rackcycle/pkg/transports/ssh"
)

type fakeRunner struct {
	mu         sync.Mutex
	runCmds    []string
	sudoCmds   []string
	sudoPasses []string
	staged     map[string][]byte
	stagedMode os.FileMode
	runResult  *ssh.ExecResult
	runErr     error
	sudoResult *ssh.ExecResult
	sudoErr    error
	stageErr   error
	closed     bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		staged:     make(map[string][]byte),
		runResult:  &ssh.ExecResult{Stdout: "ok", Duration: time.Millisecond},
		sudoResult: &ssh.ExecResult{Duration: time.Millisecond},
	}
}

func (f *fakeRunner) Run(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCmds = append(f.runCmds, cmd)
	return f.runResult, f.runErr
}

func (f *fakeRunner) RunSudo(ctx context.Context, cmd string, sudoPassword string) (*ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sudoCmds = append(f.sudoCmds, cmd)
	f.sudoPasses = append(f.sudoPasses, sudoPassword)
	return f.sudoResult, f.sudoErr
}

func (f *fakeRunner) StageScript(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stageErr != nil {
		return f.stageErr
	}
	f.staged[remotePath] = content
	f.stagedMode = mode
	return nil
}

func (f *fakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRunner) getSudoCmds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sudoCmds...)
}

func (f *fakeRunner) getRunCmds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runCmds...)
}

// withDial swaps the transport dialer for the test's lifetime.
func withDial(t *testing.T, fn func(ctx context.Context, cfg *ssh.Config) (commandRunner, error)) {
	t.Helper()
	orig := dialTransport
	dialTransport = fn
	t.Cleanup(func() { dialTransport = orig })
}

func hostTarget(labels map[string]string) *engine.Target {
	return &engine.Target{
		Name:        "compute-7",
		AdapterKind: engine.AdapterKindSSH,
		Endpoint:    "compute-7.rack:2222",
		Backend:     "hosts",
		Labels:      labels,
	}
}

func sshSession() *broker.Session {
	return &broker.Session{
		BackendID: "hosts",
		Kind:      broker.SessionKindSSH,
		Username:  "rackops",
		Password:  "hunter2",
	}
}

func unreachableErr() error {
	return &ssh.TransportError{Op: "dial", Err: errors.New("connection refused"), IsTemporary: true}
}

func authErr() error {
	return &ssh.TransportError{Op: "dial", Err: errors.New("unable to authenticate"), IsAuthError: true}
}

func TestApplicable(t *testing.T) {
	adapter := NewAdapter(zerolog.Nop())

	if !adapter.Applicable(hostTarget(nil), sshSession()) {
		t.Error("Expected adapter to be applicable with endpoint and credentials")
	}
	if adapter.Applicable(hostTarget(nil), nil) {
		t.Error("Expected adapter to be inapplicable without a session")
	}
	if adapter.Applicable(hostTarget(nil), &broker.Session{Username: "rackops"}) {
		t.Error("Expected adapter to be inapplicable without password or key")
	}

	restOnly := &engine.Target{
		Name:        "mgr-1",
		AdapterKind: engine.AdapterKindTokenREST,
		Endpoint:    "https://mgr-1.example",
		Backend:     "manager",
	}
	if adapter.Applicable(restOnly, sshSession()) {
		t.Error("Expected adapter to be inapplicable without an ssh endpoint")
	}
}

func TestStatusReachableHost(t *testing.T) {
	runner := newFakeRunner()
	var gotCfg *ssh.Config
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		gotCfg = cfg
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	snap, err := adapter.Status(context.Background(), hostTarget(nil), sshSession())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if snap.State != engine.StateRunning {
		t.Errorf("Expected running, got %s", snap.State)
	}
	if gotCfg.Host != "compute-7.rack" || gotCfg.Port != 2222 {
		t.Errorf("Expected endpoint split into host/port, got %s:%d", gotCfg.Host, gotCfg.Port)
	}
	if gotCfg.User != "rackops" || gotCfg.Password != "hunter2" {
		t.Errorf("Expected session credentials on config, got %s/%s", gotCfg.User, gotCfg.Password)
	}
	if !runner.closed {
		t.Error("Expected transport to be closed after status read")
	}
}

func TestStatusUnreachableHostReportsStopped(t *testing.T) {
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return nil, unreachableErr()
	})

	adapter := NewAdapter(zerolog.Nop())
	snap, err := adapter.Status(context.Background(), hostTarget(nil), sshSession())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.State != engine.StateStopped {
		t.Errorf("Expected dark host to read as stopped, got %s", snap.State)
	}
}

func TestStatusAuthRejection(t *testing.T) {
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return nil, authErr()
	})

	adapter := NewAdapter(zerolog.Nop())
	_, err := adapter.Status(context.Background(), hostTarget(nil), sshSession())
	if err == nil {
		t.Fatal("Expected auth rejection to surface")
	}
	if !engine.IsUnauthenticated(err) {
		t.Errorf("Expected unauthenticated classification, got: %v", err)
	}
}

func TestStatusCommandExitCodes(t *testing.T) {
	runner := newFakeRunner()
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	target := hostTarget(map[string]string{labelStatusCmd: "systemctl is-system-running"})

	runner.runResult = &ssh.ExecResult{Stdout: "running\n"}
	snap, err := adapter.Status(context.Background(), target, sshSession())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.State != engine.StateRunning || snap.Detail != "running" {
		t.Errorf("Expected running/running, got %s/%q", snap.State, snap.Detail)
	}

	runner.runResult = &ssh.ExecResult{ExitCode: 1, Stdout: "degraded\n"}
	runner.runErr = &ssh.TransportError{Op: "exec", Err: errors.New("command exited with code 1")}
	snap, err = adapter.Status(context.Background(), target, sshSession())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.State != engine.StateDegraded {
		t.Errorf("Expected degraded for failing probe, got %s", snap.State)
	}

	cmds := runner.getRunCmds()
	if len(cmds) != 2 || cmds[0] != "systemctl is-system-running" {
		t.Errorf("Unexpected probe commands: %v", cmds)
	}
}

func TestTransitionShutdownRunsDefaultCommand(t *testing.T) {
	runner := newFakeRunner()
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	err := adapter.Transition(context.Background(), hostTarget(nil), engine.OperationShutdown, sshSession())
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	cmds := runner.getSudoCmds()
	if len(cmds) != 1 || cmds[0] != "shutdown -h now" {
		t.Errorf("Expected default shutdown command, got %v", cmds)
	}
	if runner.sudoPasses[0] != "hunter2" {
		t.Errorf("Expected session password for sudo, got %q", runner.sudoPasses[0])
	}
}

func TestTransitionShutdownCommandOverride(t *testing.T) {
	runner := newFakeRunner()
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	target := hostTarget(map[string]string{labelShutdownCmd: "poweroff --halt"})
	if err := adapter.Transition(context.Background(), target, engine.OperationShutdown, sshSession()); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	cmds := runner.getSudoCmds()
	if len(cmds) != 1 || cmds[0] != "poweroff --halt" {
		t.Errorf("Expected overridden command, got %v", cmds)
	}
}

func TestTransitionShutdownConnectionDropAccepted(t *testing.T) {
	runner := newFakeRunner()
	runner.sudoErr = &ssh.TransportError{Op: "exec", Err: errors.New("connection lost"), IsTemporary: true}
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	err := adapter.Transition(context.Background(), hostTarget(nil), engine.OperationShutdown, sshSession())
	if err != nil {
		t.Errorf("Expected dropped connection during shutdown to count as accepted, got: %v", err)
	}
}

func TestTransitionStartupWithoutCommandEscalates(t *testing.T) {
	dials := 0
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		dials++
		return newFakeRunner(), nil
	})

	adapter := NewAdapter(zerolog.Nop())
	err := adapter.Transition(context.Background(), hostTarget(nil), engine.OperationStartup, sshSession())
	if err == nil {
		t.Fatal("Expected startup without command to fail")
	}
	if !engine.IsTerminal(err) {
		t.Errorf("Expected terminal classification, got: %v", err)
	}
	if dials != 0 {
		t.Errorf("Expected no dial for an unsupported operation, got %d", dials)
	}
}

func TestTransitionStartupWithCommand(t *testing.T) {
	runner := newFakeRunner()
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	target := hostTarget(map[string]string{labelStartupCmd: "systemctl start stack.target"})
	if err := adapter.Transition(context.Background(), target, engine.OperationStartup, sshSession()); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	cmds := runner.getSudoCmds()
	if len(cmds) != 1 || cmds[0] != "systemctl start stack.target" {
		t.Errorf("Expected startup command, got %v", cmds)
	}
}

func TestTransitionStagesShutdownScript(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "drain.sh")
	script := []byte("#!/bin/sh\nstop-everything\n")
	if err := os.WriteFile(scriptPath, script, 0o600); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	runner := newFakeRunner()
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	target := hostTarget(map[string]string{labelShutdownScript: scriptPath})
	if err := adapter.Transition(context.Background(), target, engine.OperationShutdown, sshSession()); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	staged, ok := runner.staged[remoteScriptPath]
	if !ok {
		t.Fatal("Expected script to be staged")
	}
	if string(staged) != string(script) {
		t.Errorf("Staged content mismatch: %q", staged)
	}
	if runner.stagedMode != 0o700 {
		t.Errorf("Expected mode 0700, got %o", runner.stagedMode)
	}

	cmds := runner.getSudoCmds()
	if len(cmds) != 1 || cmds[0] != remoteScriptPath {
		t.Errorf("Expected staged script to be executed, got %v", cmds)
	}
}

func TestTransitionCommandFailureIsTerminal(t *testing.T) {
	runner := newFakeRunner()
	runner.sudoResult = &ssh.ExecResult{ExitCode: 127, Stderr: "shutdown: not found"}
	runner.sudoErr = &ssh.TransportError{Op: "exec", Err: errors.New("command exited with code 127")}
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		return runner, nil
	})

	adapter := NewAdapter(zerolog.Nop())
	err := adapter.Transition(context.Background(), hostTarget(nil), engine.OperationShutdown, sshSession())
	if err == nil {
		t.Fatal("Expected command failure to surface")
	}
	if !engine.IsTerminal(err) {
		t.Errorf("Expected terminal classification, got: %v", err)
	}
}

func TestAwaitShutdownConvergesWhenHostGoesDark(t *testing.T) {
	dials := 0
	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		dials++
		if dials == 1 {
			return newFakeRunner(), nil
		}
		return nil, unreachableErr()
	})

	adapter := NewAdapter(zerolog.Nop())
	outcome, err := adapter.Await(context.Background(), hostTarget(nil), engine.OperationShutdown, sshSession(), time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	if outcome.Terminal != poll.TerminalReady {
		t.Errorf("Expected ready outcome, got %s", outcome.Terminal)
	}
	// Reachable once, then two dark probes to confirm.
	if outcome.Polls != 3 {
		t.Errorf("Expected 3 polls, got %d", outcome.Polls)
	}
}

func TestAwaitStartupWaitsForStatusCommand(t *testing.T) {
	dials := 0
	ready := newFakeRunner()
	notReady := newFakeRunner()
	notReady.runResult = &ssh.ExecResult{ExitCode: 1, Stdout: "starting"}
	notReady.runErr = &ssh.TransportError{Op: "exec", Err: errors.New("command exited with code 1")}

	withDial(t, func(ctx context.Context, cfg *ssh.Config) (commandRunner, error) {
		dials++
		switch dials {
		case 1:
			return nil, unreachableErr()
		case 2:
			return notReady, nil
		default:
			return ready, nil
		}
	})

	adapter := NewAdapter(zerolog.Nop())
	target := hostTarget(map[string]string{labelStatusCmd: "systemctl is-system-running"})
	outcome, err := adapter.Await(context.Background(), target, engine.OperationStartup, sshSession(), time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	if outcome.Terminal != poll.TerminalReady {
		t.Errorf("Expected ready outcome, got %s", outcome.Terminal)
	}
	if outcome.Polls != 3 {
		t.Errorf("Expected 3 polls, got %d", outcome.Polls)
	}
}
