package rest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rackcycle/rackcycle/pkg/broker"
	"github.com/rackcycle/rackcycle/pkg/engine"
	"github.com/rackcycle/rackcycle/pkg/poll"
)

// labelUnauthenticatedProbe marks targets whose liveness endpoint
// answers 401 while healthy. The network-edge appliance refuses
// unauthenticated state reads, so the rejection itself is
// the liveness signal. The mapping lives here and nowhere else.
const labelUnauthenticatedProbe = "unauthenticated_probe"

// BasicAdapter drives REST backends authenticated with HTTP basic auth:
// the network-edge appliance and direct host management endpoints.
type BasicAdapter struct {
	client *Client
	poller *poll.Poller
	logger zerolog.Logger
}

// NewBasicAdapter creates the basic-rest adapter.
func NewBasicAdapter(logger zerolog.Logger, opts ...Option) *BasicAdapter {
	return &BasicAdapter{
		client: NewClient(logger, opts...),
		poller: poll.New(logger),
		logger: logger.With().Str("component", "basic-rest").Logger(),
	}
}

// Kind identifies this adapter's backend variety.
func (a *BasicAdapter) Kind() engine.AdapterKind {
	return engine.AdapterKindBasicREST
}

// Applicable reports whether the target exposes a basic-rest endpoint
// and the session carries basic-auth material.
func (a *BasicAdapter) Applicable(target *engine.Target, sess *broker.Session) bool {
	return target.EndpointFor(engine.AdapterKindBasicREST) != "" &&
		sess != nil && sess.Username != ""
}

// Status performs a non-mutating state read. For targets labeled with
// an unauthenticated liveness probe, a 401 response maps to running.
func (a *BasicAdapter) Status(ctx context.Context, target *engine.Target, sess *broker.Session) (*engine.StateSnapshot, error) {
	base := target.EndpointFor(engine.AdapterKindBasicREST)
	payload, err := a.client.FetchState(ctx, base, BasicAuth, sess, target.Name)
	if err != nil {
		if engine.IsUnauthenticated(err) && target.Labels[labelUnauthenticatedProbe] == "true" {
			return &engine.StateSnapshot{
				State:      engine.StateRunning,
				Detail:     "liveness endpoint rejecting reads while up",
				ObservedAt: time.Now(),
			}, nil
		}
		return nil, err
	}
	return &engine.StateSnapshot{
		State:      payload.ComponentState(),
		Detail:     payload.Detail,
		ObservedAt: time.Now(),
	}, nil
}

// Transition requests the operation.
func (a *BasicAdapter) Transition(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session) error {
	base := target.EndpointFor(engine.AdapterKindBasicREST)
	a.logger.Debug().
		Str("target", target.Name).
		Str("operation", string(op)).
		Msg("Requesting transition")
	return a.client.PostOperation(ctx, base, op, BasicAuth, sess, target.Name)
}

// Await blocks until the target converges to the operation's expected
// state, bounded by maxTotal.
func (a *BasicAdapter) Await(ctx context.Context, target *engine.Target, op engine.Operation, sess *broker.Session, interval, maxTotal time.Duration) (*poll.Outcome, error) {
	status := func(ctx context.Context) (*engine.StateSnapshot, error) {
		return a.Status(ctx, target, sess)
	}
	return awaitViaStatus(ctx, a.poller, status, target, op, interval, maxTotal)
}
