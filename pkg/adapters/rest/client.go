// Package rest implements the REST-backed lifecycle adapters. Two
// authentication variants share one HTTP core: token-rest presents a
// session token obtained through the broker login flow, basic-rest
// presents static basic-auth material. Both speak the same small state
// API: GET /api/state for status, POST /api/shutdown and /api/startup
// for transitions.
package rest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

const (
	// tokenHeader carries the session token on token-rest requests.
	tokenHeader = "X-Auth-Token"

	defaultRequestTimeout = 30 * time.Second
)

// AuthFunc decorates an outgoing request with a session's credentials.
type AuthFunc func(req *http.Request, sess *broker.Session)

// TokenAuth presents the session token.
func TokenAuth(req *http.Request, sess *broker.Session) {
	if sess != nil && sess.Token != "" {
		req.Header.Set(tokenHeader, sess.Token)
	}
}

// BasicAuth presents basic-auth material.
func BasicAuth(req *http.Request, sess *broker.Session) {
	if sess != nil && sess.Username != "" {
		req.SetBasicAuth(sess.Username, sess.Password)
	}
}

// StatePayload is the wire shape of a backend's state read.
type StatePayload struct {
	// State is the backend's own state word.
	State string `json:"state"`

	// Detail is backend-specific context for the observation.
	Detail string `json:"detail,omitempty"`
}

// ComponentState maps the backend's state word onto the engine's
// lifecycle states. Unrecognized words map to unknown rather than
// failing the read.
func (p *StatePayload) ComponentState() engine.ComponentState {
	switch strings.ToLower(strings.TrimSpace(p.State)) {
	case "running", "poweredon", "on", "up", "healthy", "green", "ready":
		return engine.StateRunning
	case "stopping", "shuttingdown", "draining":
		return engine.StateStopping
	case "stopped", "poweredoff", "off", "down", "halted":
		return engine.StateStopped
	case "starting", "booting", "initializing":
		return engine.StateStarting
	case "degraded", "yellow", "partial":
		return engine.StateDegraded
	default:
		return engine.StateUnknown
	}
}

// Client is the HTTP core shared by the REST adapters.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithInsecureTLS disables certificate verification. Management
// endpoints on appliance backends routinely present self-signed
// certificates.
func WithInsecureTLS() Option {
	return func(c *Client) {
		transport, ok := c.httpClient.Transport.(*http.Transport)
		if !ok {
			transport = http.DefaultTransport.(*http.Transport).Clone()
		}
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.httpClient.Transport = transport
	}
}

// NewClient creates a REST client.
func NewClient(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultRequestTimeout,
		},
		logger: logger.With().Str("component", "rest-client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchState performs the non-mutating state read.
func (c *Client) FetchState(ctx context.Context, baseURL string, auth AuthFunc, sess *broker.Session, targetName string) (*StatePayload, error) {
	resp, err := c.do(ctx, http.MethodGet, baseURL+"/api/state", auth, sess)
	if err != nil {
		return nil, classifyTransport("state read failed", targetName, err)
	}
	defer resp.Body.Close()

	if err := classifyResponse("state read rejected", targetName, resp); err != nil {
		return nil, err
	}

	var payload StatePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, engine.NewTransientError("state payload undecodable", err).
			WithTarget(targetName)
	}
	return &payload, nil
}

// PostOperation requests a lifecycle transition. A 2xx response means
// the backend accepted the request, not that it completed.
func (c *Client) PostOperation(ctx context.Context, baseURL string, op engine.Operation, auth AuthFunc, sess *broker.Session, targetName string) error {
	resp, err := c.do(ctx, http.MethodPost, baseURL+"/api/"+string(op), auth, sess)
	if err != nil {
		return classifyTransport(fmt.Sprintf("%s request failed", op), targetName, err)
	}
	defer resp.Body.Close()

	return classifyResponse(fmt.Sprintf("%s rejected", op), targetName, resp)
}

func (c *Client) do(ctx context.Context, method, rawURL string, auth AuthFunc, sess *broker.Session) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if auth != nil {
		auth(req, sess)
	}

	c.logger.Trace().Str("method", method).Str("url", rawURL).Msg("REST request")
	return c.httpClient.Do(req)
}

// classifyResponse maps an HTTP status onto the engine error classes.
// 2xx is success. 401 means the session is stale. 408, 429, and 5xx are
// retryable. Remaining 4xx mean this strategy structurally cannot serve
// the request.
func classifyResponse(message, targetName string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body := readBodySnippet(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return engine.NewUnauthenticatedError(message, fmt.Errorf("status %d: %s", resp.StatusCode, body)).
			WithTarget(targetName).
			WithCode(engine.ErrCodeAuthExpired)
	case resp.StatusCode == http.StatusNotImplemented:
		return engine.NewTerminalError(message, fmt.Errorf("status %d: %s", resp.StatusCode, body)).
			WithTarget(targetName).
			WithCode(engine.ErrCodeUnsupportedVerb)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return engine.NewTransientError(message, fmt.Errorf("status %d: %s", resp.StatusCode, body)).
			WithTarget(targetName)
	default:
		return engine.NewTerminalError(message, fmt.Errorf("status %d: %s", resp.StatusCode, body)).
			WithTarget(targetName).
			WithCode(engine.ErrCodeUnsupportedVerb)
	}
}

// classifyTransport maps request-level failures. Network-level
// unreachability is tagged so await probes can recognize an endpoint
// that went dark.
func classifyTransport(message, targetName string, err error) error {
	e := engine.NewTransientError(message, err).WithTarget(targetName)
	if endpointUnreachable(err) {
		e = e.WithCode(engine.ErrCodeUnreachable)
	}
	return e
}

func endpointUnreachable(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}

	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"no route to host",
		"network is unreachable",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func readBodySnippet(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "<empty>"
	}
	return strings.TrimSpace(string(data))
}

// awaitViaStatus polls a status closure until the target reaches the
// operation's expected state. Backends that host their own management
// API go dark when they stop, so during shutdown two consecutive
// unreachable reads count as stopped; a single one could be a blip.
func awaitViaStatus(ctx context.Context, poller *poll.Poller, status func(context.Context) (*engine.StateSnapshot, error), target *engine.Target, op engine.Operation, interval, maxTotal time.Duration) (*poll.Outcome, error) {
	expected := engine.ExpectedStateFor(target, op)
	unreachableStreak := 0

	probe := func(ctx context.Context) (poll.State, error) {
		snap, err := status(ctx)
		if err != nil {
			if engine.CodeOf(err) == engine.ErrCodeUnreachable {
				unreachableStreak++
				if op == engine.OperationShutdown && expected == engine.StateStopped && unreachableStreak >= 2 {
					return poll.Ready(), nil
				}
				return poll.Partial("endpoint not answering"), nil
			}
			return poll.State{}, err
		}

		unreachableStreak = 0
		if snap.State == expected {
			return poll.Ready(), nil
		}
		if snap.Detail != "" {
			return poll.Partial(fmt.Sprintf("%s: %s", snap.State, snap.Detail)), nil
		}
		return poll.Partial(string(snap.State)), nil
	}

	return poller.Poll(ctx, probe, interval, maxTotal)
}
