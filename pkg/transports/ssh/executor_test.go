package ssh

import (
	"context"
	"strings"
	"testing"
)

func connectedTestClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	client, err := NewClient(testClientConfig(t, server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRunCapturesOutput(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedTestClient(t, server)

	tests := []struct {
		name           string
		command        string
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
			expectedStderr: "",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStdout: "",
			expectedStderr: "error",
		},
		{
			name:           "status probe",
			command:        "systemctl is-system-running",
			expectedStdout: "running",
			expectedStderr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := client.Run(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.ExitCode != 0 {
				t.Errorf("expected exit code 0, got %d", result.ExitCode)
			}
			if got := strings.TrimSpace(result.Stdout); got != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, got)
			}
			if got := strings.TrimSpace(result.Stderr); got != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, got)
			}
			if result.Duration <= 0 {
				t.Error("expected a positive duration")
			}
		})
	}
}

func TestRunNonZeroExitReturnsError(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedTestClient(t, server)

	result, err := client.Run(context.Background(), "exit 1")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if result == nil {
		t.Fatal("expected result alongside error")
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", result.ExitCode)
	}

	terr, ok := AsTransportError(err)
	if !ok {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if terr.IsTemporary {
		t.Errorf("expected command failure to be non-temporary, got %+v", terr)
	}
}

func TestRunSudoWrapsCommand(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedTestClient(t, server)

	// The test server echoes unrecognized commands back, which exposes
	// the exact command line sent over the wire.
	result, err := client.RunSudo(context.Background(), "shutdown -h now", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "command: sudo shutdown -h now" {
		t.Errorf("unexpected command line: %q", got)
	}
}

func TestRunSudoPipesPassword(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedTestClient(t, server)

	result, err := client.RunSudo(context.Background(), "shutdown -h now", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := strings.TrimSpace(result.Stdout)
	if !strings.Contains(got, "sudo -S shutdown -h now") {
		t.Errorf("expected password-fed sudo invocation, got %q", got)
	}
	if !strings.Contains(got, "echo 'secret'") {
		t.Errorf("expected password pipe, got %q", got)
	}
}

func TestRunCancelledContext(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectedTestClient(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Run(ctx, "sleep 60")
	if err == nil {
		t.Skip("command completed before cancellation was observed")
	}
}

func TestRunRequiresConnection(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client, err := NewClient(testClientConfig(t, server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := client.Run(context.Background(), "true"); err == nil {
		t.Fatal("expected error when not connected")
	}
}
