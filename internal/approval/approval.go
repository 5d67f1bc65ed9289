// Package approval implements the Approval Gate: a registry of suspended
// tool calls keyed by approvalId, each represented as a one-shot future
// that resolves on an external decision (approve/deny), cancellation, or
// run termination.
package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/pkg/models"
)

// Decision is the caller's resolution of a pending approval.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// Resolution is the terminal value of an approval future.
type Resolution struct {
	Decision   Decision
	Reason     string
	ResolvedBy string
}

// Request is the argument to Gate.RequestApproval.
type Request struct {
	CallID  string
	ToolID  string
	Args    any
	Preview string
	Risk    models.RiskProfile
}

// future is a one-shot promise: exactly one of resolve or fail is ever
// called, and only once.
type future struct {
	done chan struct{}
	once sync.Once
	res  Resolution
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(res Resolution) {
	f.once.Do(func() {
		f.res = res
		close(f.done)
	})
}

func (f *future) fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future is resolved or failed.
func (f *future) Wait() (Resolution, error) {
	<-f.done
	return f.res, f.err
}

// Future is the awaitable half of a pending approval, returned to the
// caller that suspended on RequestApproval.
type Future interface {
	Wait() (Resolution, error)
}

type pendingEntry struct {
	approval models.PendingApproval
	future   *future
}

// Gate is the Approval Gate. Safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	newID func() string
	now   func() time.Time
}

// New constructs an empty Gate.
func New() *Gate {
	return &Gate{
		pending: make(map[string]*pendingEntry),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// RequestApproval registers a pending approval and returns its id plus an
// awaitable that resolves when the approval is decided, or fails on
// cancellation.
func (g *Gate) RequestApproval(req Request) (string, Future) {
	approvalID := g.newID()

	g.mu.Lock()
	defer g.mu.Unlock()

	entry := &pendingEntry{
		approval: models.PendingApproval{
			ApprovalID: approvalID,
			CallID:     req.CallID,
			ToolID:     req.ToolID,
			Args:       req.Args,
			Preview:    req.Preview,
			Risk:       req.Risk,
			CreatedAt:  g.now(),
		},
		future: newFuture(),
	}
	g.pending[approvalID] = entry
	return approvalID, entry.future
}

// ResolveApproval completes a pending approval's future with a decision and
// removes it from the registry. Fails with NotFound if the id is unknown.
func (g *Gate) ResolveApproval(approvalID string, decision Decision, reason, resolvedBy string) error {
	g.mu.Lock()
	entry, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()

	if !ok {
		return kernelerr.New(kernelerr.NotFound, "approval %q not found", approvalID)
	}

	// Completed outside the lock: futures must never block while the
	// registry mutex is held.
	entry.future.resolve(Resolution{Decision: decision, Reason: reason, ResolvedBy: resolvedBy})
	return nil
}

// CancelApproval removes a pending approval and fails its future with
// ApprovalCancelled. A no-op (not an error) if the id is already resolved
// or unknown, since cancellation races with resolution are expected.
func (g *Gate) CancelApproval(approvalID string) {
	g.mu.Lock()
	entry, ok := g.pending[approvalID]
	if ok {
		delete(g.pending, approvalID)
	}
	g.mu.Unlock()

	if ok {
		entry.future.fail(kernelerr.ErrApprovalCancelled)
	}
}

// CancelAll fails every currently pending approval with ApprovalCancelled.
// Called by the Run Manager on completeRun/failRun so no approval can
// outlive the run that raised it.
func (g *Gate) CancelAll() {
	g.mu.Lock()
	entries := make([]*pendingEntry, 0, len(g.pending))
	for _, entry := range g.pending {
		entries = append(entries, entry)
	}
	g.pending = make(map[string]*pendingEntry)
	g.mu.Unlock()

	for _, entry := range entries {
		entry.future.fail(kernelerr.ErrApprovalCancelled)
	}
}

// GetPending returns a snapshot of all pending approvals.
func (g *Gate) GetPending() []models.PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.PendingApproval, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry.approval)
	}
	return out
}

// HasPending reports whether approvalID is currently pending.
func (g *Gate) HasPending(approvalID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[approvalID]
	return ok
}

// Size returns the number of currently pending approvals.
func (g *Gate) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
