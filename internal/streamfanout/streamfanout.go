// Package streamfanout implements the Event Stream Fan-out: replaying a
// run's ledger history to a new subscriber, then switching over to live
// Run Manager broadcasts without dropping events in between.
package streamfanout

import (
	"context"
	"fmt"

	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/internal/runmanager"
	"github.com/anvil-run/anvil/pkg/models"
)

// liveBufferSize bounds how many live events can accumulate during the
// window between subscribing to the Run Manager and the replay query
// finishing. Generous relative to realistic per-run event rates, so the
// subscribe-then-query-then-forward sequencing below never needs to drop.
const liveBufferSize = 4096

// SubscribeRequest selects where a subscriber should resume from. AfterSeq
// takes precedence; LastEventID is resolved to a seq only when AfterSeq is
// unset (zero).
type SubscribeRequest struct {
	RunID       string
	AfterSeq    int64
	LastEventID string
}

// Fanout serves Subscribe against a Ledger (for replay) and a
// runmanager.Manager (for live events).
type Fanout struct {
	ledger ledger.Ledger
	runs   *runmanager.Manager
}

// New constructs a Fanout.
func New(ledgerDB ledger.Ledger, runs *runmanager.Manager) *Fanout {
	return &Fanout{ledger: ledgerDB, runs: runs}
}

// Subscribe replays req.RunID's history from after the resolved seq, then
// forwards live events for that run until a terminal event, ctx
// cancellation, or a replay/resolve error.
//
// Subscription to live Run Manager events happens before the replay query
// runs, so any event appended during the replay query is buffered rather
// than missed.
func (f *Fanout) Subscribe(ctx context.Context, req SubscribeRequest) (<-chan models.Event, error) {
	afterSeq := req.AfterSeq
	if afterSeq == 0 && req.LastEventID != "" {
		resolved, err := f.resolveResumeToken(ctx, req.RunID, req.LastEventID)
		if err != nil {
			return nil, err
		}
		afterSeq = resolved
	}

	out := make(chan models.Event, 64)
	live := make(chan models.Event, liveBufferSize)

	unsubscribe := f.runs.OnEvent(func(ev models.Event) {
		if ev.RunID != req.RunID {
			return
		}
		select {
		case live <- ev:
		default:
			// Buffer exhausted: this subscriber has fallen far enough behind
			// that no realistic bound would have saved it.
		}
	})

	go func() {
		defer unsubscribe()
		defer close(out)

		replay, err := f.ledger.Query(ctx, ledger.Query{RunID: req.RunID, AfterSeq: afterSeq, Order: ledger.Asc})
		if err != nil {
			return
		}

		lastSeq := afterSeq
		for _, ev := range replay {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			lastSeq = ev.Seq
			if isTerminal(ev.Type) {
				return
			}
		}

		for {
			select {
			case ev := <-live:
				if ev.Seq <= lastSeq {
					continue
				}
				lastSeq = ev.Seq
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if isTerminal(ev.Type) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (f *Fanout) resolveResumeToken(ctx context.Context, runID, lastEventID string) (int64, error) {
	events, err := f.ledger.GetByRunID(ctx, runID)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if ev.EventID == lastEventID {
			return ev.Seq, nil
		}
	}
	return 0, fmt.Errorf("streamfanout: resume token %q not found on run %q", lastEventID, runID)
}

func isTerminal(t models.EventType) bool {
	return t == models.EventRunCompleted || t == models.EventRunFailed
}
