package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newLoginServer(t *testing.T, logins *int32, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "operator" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(logins, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(token)
	}))
}

func tokenSource(authURL string) StaticSource {
	return StaticSource{
		"manager-api": &Credential{
			BackendID: "manager-api",
			Kind:      SessionKindToken,
			AuthURL:   authURL,
			Username:  "operator",
			Password:  "secret",
			TokenTTL:  600,
		},
	}
}

func TestAcquireEstablishesAndCaches(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "abc123")
	defer srv.Close()

	b := New(tokenSource(srv.URL), zerolog.Nop())

	sess, err := b.Acquire(context.Background(), "manager-api")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if sess.Token != "abc123" {
		t.Errorf("expected token abc123, got %q", sess.Token)
	}
	if sess.Kind != SessionKindToken {
		t.Errorf("expected token session, got %s", sess.Kind)
	}

	again, err := b.Acquire(context.Background(), "manager-api")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if again != sess {
		t.Error("expected cached session to be reused")
	}
	if got := atomic.LoadInt32(&logins); got != 1 {
		t.Errorf("expected 1 login, got %d", got)
	}
}

func TestAcquireEmptyBackendID(t *testing.T) {
	b := New(StaticSource{}, zerolog.Nop())

	sess, err := b.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if sess != nil {
		t.Error("expected nil session for empty backend ID")
	}
}

func TestAcquireUnknownBackend(t *testing.T) {
	b := New(StaticSource{}, zerolog.Nop())

	_, err := b.Acquire(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestRefreshReplacesSession(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "abc123")
	defer srv.Close()

	b := New(tokenSource(srv.URL), zerolog.Nop())

	first, err := b.Acquire(context.Background(), "manager-api")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	second, err := b.Refresh(context.Background(), "manager-api")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if first == second {
		t.Error("expected refresh to establish a new session")
	}
	if got := atomic.LoadInt32(&logins); got != 2 {
		t.Errorf("expected 2 logins, got %d", got)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	var logins int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&logins, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode("tok")
	}))
	defer slow.Close()

	b := New(tokenSource(slow.URL), zerolog.Nop())
	b.Invalidate("manager-api")

	const callers = 8
	var wg sync.WaitGroup
	sessions := make([]*Session, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := b.Acquire(context.Background(), "manager-api")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			sessions[i] = sess
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&logins); got != 1 {
		t.Errorf("expected concurrent acquires to share one login, got %d", got)
	}
	for i := 1; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Errorf("caller %d got a different session", i)
		}
	}
}

func TestExpiredSessionReestablished(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "abc123")
	defer srv.Close()

	now := time.Now()
	b := New(tokenSource(srv.URL), zerolog.Nop(), WithClock(func() time.Time { return now }))

	if _, err := b.Acquire(context.Background(), "manager-api"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// TokenTTL is 600s; jump past it.
	now = now.Add(time.Hour)

	if _, err := b.Acquire(context.Background(), "manager-api"); err != nil {
		t.Fatalf("Acquire after expiry failed: %v", err)
	}
	if got := atomic.LoadInt32(&logins); got != 2 {
		t.Errorf("expected expired session to trigger a new login, got %d logins", got)
	}
}

func TestLoginRejected(t *testing.T) {
	var logins int32
	srv := newLoginServer(t, &logins, "abc123")
	defer srv.Close()

	source := StaticSource{
		"manager-api": &Credential{
			BackendID: "manager-api",
			Kind:      SessionKindToken,
			AuthURL:   srv.URL,
			Username:  "operator",
			Password:  "wrong",
		},
	}
	b := New(source, zerolog.Nop())

	_, err := b.Acquire(context.Background(), "manager-api")
	if !errors.Is(err, ErrLoginRejected) {
		t.Errorf("expected ErrLoginRejected, got %v", err)
	}
}

func TestJWTExpiryUsed(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	token := makeUnsignedJWT(t, exp)

	var logins int32
	srv := newLoginServer(t, &logins, token)
	defer srv.Close()

	b := New(tokenSource(srv.URL), zerolog.Nop())

	sess, err := b.Acquire(context.Background(), "manager-api")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !sess.ExpiresAt.Equal(exp) {
		t.Errorf("expected expiry %v from JWT exp claim, got %v", exp, sess.ExpiresAt)
	}
}

func TestStaticKindsNeedNoWire(t *testing.T) {
	source := StaticSource{
		"edge": &Credential{
			BackendID: "edge",
			Kind:      SessionKindBasic,
			Username:  "admin",
			Password:  "pw",
		},
		"host-ssh": &Credential{
			BackendID: "host-ssh",
			Kind:      SessionKindSSH,
			Username:  "root",
			KeyPath:   "/etc/rackcycle/id_ed25519",
		},
	}
	b := New(source, zerolog.Nop())

	tests := []struct {
		backend string
		kind    SessionKind
	}{
		{"edge", SessionKindBasic},
		{"host-ssh", SessionKindSSH},
	}
	for _, tt := range tests {
		sess, err := b.Acquire(context.Background(), tt.backend)
		if err != nil {
			t.Fatalf("Acquire(%s) failed: %v", tt.backend, err)
		}
		if sess.Kind != tt.kind {
			t.Errorf("backend %s: expected kind %s, got %s", tt.backend, tt.kind, sess.Kind)
		}
	}
}

func TestParseFileSource(t *testing.T) {
	data := []byte(`
backends:
  - backend_id: manager-api
    kind: token
    auth_url: https://manager.rack.local/api/session
    username: operator
    password_env: RACKCYCLE_MANAGER_PASSWORD
  - backend_id: edge
    kind: basic
    username: admin
    password: pw
`)
	fs, err := ParseFileSource(data)
	if err != nil {
		t.Fatalf("ParseFileSource failed: %v", err)
	}

	cred, err := fs.Lookup("manager-api")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if cred.Kind != SessionKindToken {
		t.Errorf("expected token kind, got %s", cred.Kind)
	}

	if _, err := fs.Lookup("missing"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestParseFileSourceRejectsDuplicates(t *testing.T) {
	data := []byte(`
backends:
  - backend_id: edge
    kind: basic
  - backend_id: edge
    kind: basic
`)
	if _, err := ParseFileSource(data); err == nil {
		t.Error("expected duplicate backend_id to be rejected")
	}
}

// makeUnsignedJWT builds a syntactically valid JWT with only an exp claim.
func makeUnsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp.Unix())))
	return header + "." + payload + "."
}
