// Package source defines the committed-event feed the consumer indexes.
package source

import (
	"context"

	apperrors "github.com/louisbranch/messagevault/internal/platform/errors"
	"github.com/louisbranch/messagevault/internal/services/indexer/domain/event"
)

var (
	// ErrOffline reports a transient loss of connectivity to the ledger.
	ErrOffline = apperrors.New(apperrors.CodeSourceOffline, "event source offline")
	// ErrStreamClosed reports a subscription that ended; callers resubscribe.
	ErrStreamClosed = apperrors.New(apperrors.CodeSourceOffline, "event stream closed")
)

// Delivery is one message from a live subscription. Either Events holds newly
// committed transitions, or Retracted reports that every transition with seq
// at or above FromSeq is no longer canonical.
type Delivery struct {
	Events    []event.Transition
	Retracted bool
	FromSeq   uint64
}

// Stream is a live subscription.
type Stream interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Source is a ledger event feed.
type Source interface {
	// Fetch returns committed transitions with seq in (afterSeq, afterSeq+limit], ascending.
	Fetch(ctx context.Context, afterSeq uint64, limit int) ([]event.Transition, error)
	// Subscribe opens a live feed of transitions after afterSeq.
	Subscribe(ctx context.Context, afterSeq uint64) (Stream, error)
	// Finalized returns the highest seq that can no longer be retracted.
	Finalized(ctx context.Context) (uint64, error)
}

// Resumer is implemented by sources that derive finality from events they
// have observed. Resume tells them about the last event already indexed so
// finality can advance before any newer event arrives.
type Resumer interface {
	Resume(seq uint64, pos event.Position)
}
