package rest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

// TokenAdapter drives REST backends authenticated with a session token:
// control-plane managers and manager-mediated host operations. The token
// comes from the broker login flow; the adapter only presents it.
type TokenAdapter struct {
	client *Client
	poller *poll.Poller
	logger zerolog.Logger
}

// NewTokenAdapter creates the token-rest adapter.
func NewTokenAdapter(logger zerolog.Logger, opts ...Option) *TokenAdapter {
	return &TokenAdapter{
		client: NewClient(logger, opts...),
		poller: poll.New(logger),
		logger: logger.With().Str("component", "token-rest").Logger(),
	}
}

// Kind identifies this adapter's backend variety.
func (a *TokenAdapter) Kind() engine.AdapterKind {
	return engine.AdapterKindTokenREST
}

// Applicable reports whether the target exposes a token-rest endpoint
// and the session carries a token.
func (a *TokenAdapter) Applicable(target *engine.Target, sess *broker.Session) bool {
	return target.EndpointFor(engine.AdapterKindTokenREST) != "" &&
		sess != nil && sess.Token != ""
}

// Status performs a non-mutating state read.
func (a *TokenAdapter) Status(ctx context.Context, target *engine.Target, sess *broker.Session) (*engine.StateSnapshot, error) {
	base := target.EndpointFor(engine.AdapterKindTokenREST)
	payload, err := a.client.FetchState(ctx, base, TokenAuth, sess, target.Name)
	if err != nil {
		return nil, err
	}
	return &engine.StateSnapshot{
		State:      payload.ComponentState(),
		Detail:     payload.Detail,
		ObservedAt: time.Now(),
	}, nil
}

// Transition requests the operation.
func (a *TokenAdapter) Transition(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session) error {
	base := target.EndpointFor(engine.AdapterKindTokenREST)
	a.logger.Debug().
		Str("target", target.Name).
		Str("operation", string(op)).
		Msg("Requesting transition")
	return a.client.PostOperation(ctx, base, op, TokenAuth, sess, target.Name)
}

// Await blocks until the target converges to the operation's expected
// state, bounded by maxTotal.
func (a *TokenAdapter) Await(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session, interval, maxTotal time.Duration) (*poll.Outcome, error) {
	status := func(ctx context.Context) (*engine.StateSnapshot, error) {
		return a.Status(ctx, target, sess)
	}
	return awaitViaStatus(ctx, a.poller, status, target, op, interval, maxTotal)
}
