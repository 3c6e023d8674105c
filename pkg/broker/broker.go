package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Sentinel errors for callers that branch on broker failures.
var (
	// ErrUnknownBackend indicates no credential is configured for the backend.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrLoginRejected indicates the backend's auth endpoint refused the
	// configured credentials.
	ErrLoginRejected = errors.New("login rejected")
)

const defaultTokenTTL = 30 * time.Minute

// Broker caches one session per backend and establishes or refreshes
// them on demand. Establishment and refresh coalesce per backend ID so
// concurrent attempts share one flight.
type Broker struct {
	source CredentialSource
	logger zerolog.Logger
	client *http.Client

	mu       sync.RWMutex
	sessions map[string]*Session

	flight singleflight.Group

	// now is injectable for expiry tests.
	now func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithHTTPClient overrides the HTTP client used for token logins.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Broker) {
		b.client = client
	}
}

// WithClock overrides the broker's clock.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates a broker over a credential source.
func New(source CredentialSource, logger zerolog.Logger, opts ...Option) *Broker {
	b := &Broker{
		source:   source,
		logger:   logger.With().Str("component", "broker").Logger(),
		client:   &http.Client{Timeout: 30 * time.Second},
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Acquire returns a valid session for the backend, establishing one if
// none is cached or the cached one expired. An empty backend ID returns
// a nil session: the target needs no broker-held credentials.
func (b *Broker) Acquire(ctx context.Context, backendID string) (*Session, error) {
	if backendID == "" {
		return nil, nil
	}

	b.mu.RLock()
	sess := b.sessions[backendID]
	b.mu.RUnlock()
	if sess != nil && !sess.Expired(b.now()) {
		return sess, nil
	}

	return b.establish(ctx, backendID)
}

// Refresh discards any cached session for the backend and establishes a
// fresh one. Concurrent refreshes of the same backend share one flight.
func (b *Broker) Refresh(ctx context.Context, backendID string) (*Session, error) {
	if backendID == "" {
		return nil, nil
	}

	b.mu.Lock()
	delete(b.sessions, backendID)
	b.mu.Unlock()

	b.logger.Debug().Str("backend", backendID).Msg("Refreshing session")
	return b.establish(ctx, backendID)
}

// Invalidate drops a cached session without establishing a new one.
func (b *Broker) Invalidate(backendID string) {
	b.mu.Lock()
	delete(b.sessions, backendID)
	b.mu.Unlock()
}

func (b *Broker) establish(ctx context.Context, backendID string) (*Session, error) {
	v, err, _ := b.flight.Do(backendID, func() (interface{}, error) {
		// A concurrent flight may have repopulated the cache already.
		b.mu.RLock()
		cached := b.sessions[backendID]
		b.mu.RUnlock()
		if cached != nil && !cached.Expired(b.now()) {
			return cached, nil
		}

		cred, err := b.source.Lookup(backendID)
		if err != nil {
			return nil, err
		}

		sess, err := b.establishSession(ctx, cred)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.sessions[backendID] = sess
		b.mu.Unlock()

		b.logger.Debug().
			Str("backend", backendID).
			Str("kind", string(sess.Kind)).
			Time("expires_at", sess.ExpiresAt).
			Msg("Session established")
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (b *Broker) establishSession(ctx context.Context, cred *Credential) (*Session, error) {
	now := b.now()
	sess := &Session{
		BackendID: cred.BackendID,
		Kind:      cred.Kind,
		Username:  cred.Username,
		Password:  cred.ResolvePassword(),
		KeyPath:   cred.KeyPath,
		IssuedAt:  now,
	}

	switch cred.Kind {
	case SessionKindToken:
		token, err := b.login(ctx, cred)
		if err != nil {
			return nil, err
		}
		sess.Token = token
		sess.ExpiresAt = b.tokenExpiry(token, cred, now)
		// Login material is not needed once the token exists.
		sess.Password = ""
	case SessionKindBasic, SessionKindSSH:
		// Static material; nothing to establish over the wire.
	default:
		return nil, fmt.Errorf("backend %s: invalid session kind %s", cred.BackendID, cred.Kind)
	}
	return sess, nil
}

// login performs the token backend's session POST using basic auth and
// decodes the token from the response body. Backends answer either with
// a bare JSON string or an object carrying a token field.
func (b *Broker) login(ctx context.Context, cred *Credential) (string, error) {
	if cred.AuthURL == "" {
		return "", fmt.Errorf("backend %s: token backend has no auth_url", cred.BackendID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.AuthURL, nil)
	if err != nil {
		return "", fmt.Errorf("backend %s: building login request: %w", cred.BackendID, err)
	}
	req.SetBasicAuth(cred.Username, cred.ResolvePassword())
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend %s: login request: %w", cred.BackendID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("backend %s: reading login response: %w", cred.BackendID, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("backend %s: %w (status %d)", cred.BackendID, ErrLoginRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("backend %s: login returned status %d", cred.BackendID, resp.StatusCode)
	}

	token, err := decodeToken(body)
	if err != nil {
		return "", fmt.Errorf("backend %s: %w", cred.BackendID, err)
	}
	return token, nil
}

func decodeToken(body []byte) (string, error) {
	var bare string
	if err := json.Unmarshal(body, &bare); err == nil && bare != "" {
		return bare, nil
	}

	var obj struct {
		Token     string `json:"token"`
		Value     string `json:"value"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, t := range []string{obj.Token, obj.Value, obj.SessionID} {
			if t != "" {
				return t, nil
			}
		}
	}

	if token := strings.TrimSpace(string(body)); token != "" && !strings.ContainsAny(token, "{}\n") {
		return token, nil
	}
	return "", errors.New("login response carried no token")
}

// tokenExpiry derives session expiry from a JWT exp claim when the token
// is a JWT; otherwise the configured TTL applies. The claim is read
// without signature verification: the broker is the client here, not the
// token's audience.
func (b *Broker) tokenExpiry(token string, cred *Credential, issued time.Time) time.Time {
	if strings.Count(token, ".") == 2 {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
			if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
				return exp.Time
			}
		}
	}
	ttl := defaultTokenTTL
	if cred.TokenTTL > 0 {
		ttl = time.Duration(cred.TokenTTL) * time.Second
	}
	return issued.Add(ttl)
}
