// Package ledger implements the append-only event + snapshot store that is
// the kernel's single source of truth. It mirrors the storage-interface
// shape of the teacher's internal/storage package (an interface plus one or
// more concrete backends keyed by driver).
package ledger

import (
	"context"
	"time"

	"github.com/anvil-run/anvil/pkg/models"
)

// Order controls the sort direction of Query results.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Query selects a slice of the ledger. Zero-valued fields are unconstrained.
type Query struct {
	RunID      string
	SessionID  string
	Types      []models.EventType
	AfterSeq   int64
	BeforeSeq  int64
	Limit      int
	Order      Order
}

// CreateSnapshotInput is the argument to Ledger.CreateSnapshot.
type CreateSnapshotInput struct {
	SessionID string
	RunID     string
	Seq       int64
	Type      models.SnapshotType
	Data      any
}

// LatestSnapshotQuery selects the highest-seq snapshot matching the filter.
type LatestSnapshotQuery struct {
	SessionID string
	RunID     string
	Type      models.SnapshotType
}

// Ledger is the append-only event and snapshot store contract. Exactly one
// implementation backs a running kernel (internal/ledger/sqlitestore.go);
// tests use the same implementation opened on ":memory:".
type Ledger interface {
	// Append assigns eventId, seq (dense, monotonic per runId), and ts, then
	// durably appends the event. Atomic: a storage failure must not leave a
	// partial event visible to subsequent queries.
	Append(ctx context.Context, runID, sessionID string, eventType models.EventType, payload any) (models.Event, error)

	Query(ctx context.Context, q Query) ([]models.Event, error)

	// GetByRunID returns the dense, ascending event sequence for a run.
	GetByRunID(ctx context.Context, runID string) ([]models.Event, error)

	// QueryLatest returns the most recent event of the given type on a
	// session, or (Event{}, false) if none exists.
	QueryLatest(ctx context.Context, sessionID string, eventType models.EventType) (models.Event, bool, error)

	CreateSnapshot(ctx context.Context, in CreateSnapshotInput) (models.Snapshot, error)

	// GetLatestSnapshot returns the highest-seq snapshot matching q, or
	// (Snapshot{}, false) if none exists.
	GetLatestSnapshot(ctx context.Context, q LatestSnapshotQuery) (models.Snapshot, bool, error)

	// ListSessionIds returns session ids ordered by most-recent event ts,
	// descending.
	ListSessionIds(ctx context.Context) ([]string, error)

	// RebuildSeqCounters reconstructs the per-run seq hi-water mark from
	// persisted data. Must be called once at startup for durable backends.
	RebuildSeqCounters(ctx context.Context) error

	Close() error
}

// clockNow is overridable in tests; production code always uses time.Now.
var clockNow = time.Now
