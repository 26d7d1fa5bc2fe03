package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/durabus/internal/runtime/durability"
	"github.com/drblury/durabus/internal/runtime/envelope"
	errspkg "github.com/drblury/durabus/internal/runtime/errors"
	"github.com/drblury/durabus/internal/runtime/ids"
	"github.com/drblury/durabus/internal/runtime/metadata"
	"github.com/drblury/durabus/internal/runtime/sending"
)

// SendOption adjusts an outgoing envelope before it is stored.
type SendOption func(env *envelope.Envelope, now time.Time)

// WithDelay holds the envelope back for d.
func WithDelay(d time.Duration) SendOption {
	return func(env *envelope.Envelope, now time.Time) {
		at := now.Add(d)
		env.ExecutionTime = &at
	}
}

// WithExecutionTime delivers the envelope at t.
func WithExecutionTime(t time.Time) SendOption {
	return func(env *envelope.Envelope, _ time.Time) {
		at := t
		env.ExecutionTime = &at
	}
}

// WithDeliverWithin discards the envelope when it is not delivered within d.
func WithDeliverWithin(d time.Duration) SendOption {
	return func(env *envelope.Envelope, now time.Time) {
		by := now.Add(d)
		env.DeliverBy = &by
	}
}

func WithCorrelationID(id string) SendOption {
	return func(env *envelope.Envelope, _ time.Time) { env.CorrelationID = id }
}

func WithReplyURI(uri string) SendOption {
	return func(env *envelope.Envelope, _ time.Time) { env.ReplyURI = uri }
}

func WithHeader(key, value string) SendOption {
	return func(env *envelope.Envelope, _ time.Time) {
		env.Headers = env.Headers.With(key, value)
	}
}

// WithGroupID selects the partition or message group on transports that
// support one.
func WithGroupID(id string) SendOption {
	return func(env *envelope.Envelope, _ time.Time) { env.GroupID = id }
}

// WithSessionID tags the envelope with a fresh session id when id is empty.
func WithSessionID(id string) SendOption {
	return func(env *envelope.Envelope, _ time.Time) {
		env.SessionID = id
		if id == "" {
			env.SessionID = ids.NewSessionID()
		}
	}
}

func WithContentType(contentType string) SendOption {
	return func(env *envelope.Envelope, _ time.Time) { env.ContentType = contentType }
}

// Send serializes msg, stores it as an outgoing envelope owned by this node
// and hands it to the sending agent of destination. Once Send returns the
// envelope survives a crash of this process.
func (r *Runtime) Send(ctx context.Context, destination string, msg any, opts ...SendOption) (*envelope.Envelope, error) {
	agent, env, err := r.prepare(destination, msg, opts)
	if err != nil {
		return nil, err
	}
	if err := r.store.StoreOutgoing(ctx, r.Conf.NodeID, env); err != nil {
		return nil, fmt.Errorf("store outgoing: %w", err)
	}
	if err := agent.Enqueue(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// SendTx stores the outgoing envelope inside tx, next to the business data
// written in the same transaction. Call the returned release function once
// tx has committed to hand the envelope to its sending agent; skip it on
// rollback. It requires the SQL store.
func (r *Runtime) SendTx(ctx context.Context, tx *sql.Tx, destination string, msg any, opts ...SendOption) (*envelope.Envelope, func(context.Context) error, error) {
	store, ok := r.store.(*durability.SQLStore)
	if !ok {
		return nil, nil, errors.New("durabus: transactional send needs the SQL store")
	}
	agent, env, err := r.prepare(destination, msg, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := store.StoreOutgoingTx(ctx, tx, r.Conf.NodeID, env); err != nil {
		return nil, nil, fmt.Errorf("store outgoing: %w", err)
	}
	release := func(ctx context.Context) error {
		return agent.Enqueue(ctx, env)
	}
	return env, release, nil
}

func (r *Runtime) prepare(destination string, msg any, opts []SendOption) (*sending.Agent, *envelope.Envelope, error) {
	if destination == "" {
		return nil, nil, errspkg.ErrDestinationRequired
	}
	agent, ok := r.agent(destination)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", errspkg.ErrUnknownDestination, destination)
	}

	now := r.now()
	env := &envelope.Envelope{
		ID:          ids.CreateULID(),
		Destination: destination,
		Source:      r.Conf.ServiceName,
		Headers:     metadata.Metadata{},
		Message:     msg,
	}
	for _, opt := range opts {
		opt(env, now)
	}
	if err := r.graph.Serialize(env); err != nil {
		return nil, nil, err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.ID
	}
	return agent, env, nil
}
