package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

func edgeTarget(endpoint string, unauthProbe bool) *engine.Target {
	target := &engine.Target{
		Name:        "edge-fw",
		AdapterKind: engine.AdapterKindBasicREST,
		Endpoint:    endpoint,
		Backend:     "edge",
	}
	if unauthProbe {
		target.Labels = map[string]string{labelUnauthenticatedProbe: "true"}
	}
	return target
}

func TestBasicAdapterSendsBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.Write([]byte(`{"state": "running"}`))
	}))
	defer server.Close()

	adapter := NewBasicAdapter(zerolog.Nop())
	snap, err := adapter.Status(context.Background(), edgeTarget(server.URL, false), basicSession())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if gotUser != "admin" || gotPass != "secret" {
		t.Errorf("Expected basic auth admin/secret, got %s/%s", gotUser, gotPass)
	}
	if snap.State != engine.StateRunning {
		t.Errorf("Expected running, got %s", snap.State)
	}
}

func TestBasicAdapterApplicable(t *testing.T) {
	adapter := NewBasicAdapter(zerolog.Nop())

	target := edgeTarget("https://edge.example", false)
	if !adapter.Applicable(target, basicSession()) {
		t.Error("Expected adapter to be applicable with endpoint and credentials")
	}
	if adapter.Applicable(target, tokenSession()) {
		t.Error("Expected adapter to be inapplicable without a username")
	}
	if adapter.Applicable(target, nil) {
		t.Error("Expected adapter to be inapplicable without a session")
	}
}

func TestBasicAdapterUnauthenticatedProbeMeansHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	adapter := NewBasicAdapter(zerolog.Nop())

	// The labeled edge appliance answers 401 while healthy.
	snap, err := adapter.Status(context.Background(), edgeTarget(server.URL, true), basicSession())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.State != engine.StateRunning {
		t.Errorf("Expected 401 to map to running for labeled target, got %s", snap.State)
	}

	// Every other basic-rest target treats 401 as a stale session.
	_, err = adapter.Status(context.Background(), edgeTarget(server.URL, false), basicSession())
	if err == nil {
		t.Fatal("Expected unlabeled target to surface the 401")
	}
	if !engine.IsUnauthenticated(err) {
		t.Errorf("Expected unauthenticated classification, got: %v", err)
	}
}

func TestBasicAdapterAwaitShutdownOfProbeAppliance(t *testing.T) {
	served := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case served <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	done := make(chan struct{})
	go func() {
		<-served
		server.Close()
		close(done)
	}()

	adapter := NewBasicAdapter(zerolog.Nop())
	outcome, err := adapter.Await(context.Background(), edgeTarget(server.URL, true), engine.OperationShutdown, basicSession(), 20*time.Millisecond, 5*time.Second)
	<-done
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	// While the appliance is up its liveness endpoint keeps answering
	// 401; convergence is the endpoint going dark.
	if outcome.Terminal != poll.TerminalReady {
		t.Errorf("Expected ready outcome, got %s (last: %s)", outcome.Terminal, outcome.LastDetail)
	}
}

func TestBasicAdapterTransitionRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shutdown endpoint disabled", http.StatusNotImplemented)
	}))
	defer server.Close()

	adapter := NewBasicAdapter(zerolog.Nop())
	err := adapter.Transition(context.Background(), edgeTarget(server.URL, false), engine.OperationShutdown, basicSession())
	if err == nil {
		t.Fatal("Expected rejection to surface")
	}
	if !engine.IsTerminal(err) {
		t.Errorf("Expected terminal classification for 501, got: %v", err)
	}
}
