// Package store provides the append-only event store the runtime engine
// persists to. Records are envelopes plus a monotonically increasing
// sequence capturing insertion order; replay returns them in that order.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// ErrDuplicateID is returned when an envelope id already exists. The id is
// the primary key; uniqueness is what prevents double-insert.
var ErrDuplicateID = errors.New("store: duplicate envelope id")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// ReplayFilter bounds a replay. Zero values mean "no constraint".
type ReplayFilter struct {
	Tenant    string
	Workspace string
	Type      string
	AfterSeq  int64
	Limit     int
}

// Record pairs a stored envelope with its insertion sequence.
type Record struct {
	Seq      int64
	Envelope *envelope.Envelope
}

// EventStore is the durable append-only log.
//
// AppendBatch is all-or-nothing: either every envelope in the batch is
// recorded or none are. Replay and GetByIdempotencyKey return envelopes in
// insertion order.
type EventStore interface {
	Append(ctx context.Context, env *envelope.Envelope) error
	AppendBatch(ctx context.Context, envs []*envelope.Envelope) error
	Replay(ctx context.Context, filter ReplayFilter) ([]*envelope.Envelope, error)
	ReplayRecords(ctx context.Context, filter ReplayFilter) ([]Record, error)
	GetByIdempotencyKey(ctx context.Context, key, tenant, workspace string) ([]*envelope.Envelope, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}
