package runmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, ledger.Ledger) {
	t.Helper()
	ld, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ld.Close() })
	return New(nil, ld), ld
}

func TestCreateRunFailsWhenSessionBusy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("create run-1: %v", err)
	}
	if _, err := m.StartRun(ctx, "run-1"); err != nil {
		t.Fatalf("start run-1: %v", err)
	}

	_, err := m.CreateRun(CreateRunConfig{RunID: "run-2", SessionID: "sess-1"})
	if !errors.Is(err, kernelerr.ErrSessionBusy) {
		t.Fatalf("expected SessionBusy, got %v", err)
	}
}

func TestStartRunEmitsRunStarted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1", Model: "claude"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	ev, err := m.StartRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if ev.Type != models.EventRunStarted {
		t.Fatalf("expected run.started, got %s", ev.Type)
	}
	if ev.Seq != 1 {
		t.Fatalf("expected run.started to be the first event, got seq %d", ev.Seq)
	}
	if !m.IsSessionLocked("sess-1") {
		t.Fatal("expected session to be locked after start")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	// paused is not reachable from created.
	_, err := m.PauseRun(ctx, "run-1", "approval-1")
	if !errors.Is(err, kernelerr.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition, got %v", err)
	}
}

func TestCompleteRunUnlocksSessionAndCancelsApprovals(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := m.StartRun(ctx, "run-1"); err != nil {
		t.Fatalf("start run: %v", err)
	}

	cancelled := false
	ev, err := m.CompleteRun(ctx, "run-1", "done", func() { cancelled = true })
	if err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if ev.Type != models.EventRunCompleted {
		t.Fatalf("expected run.completed, got %s", ev.Type)
	}
	if !cancelled {
		t.Fatal("expected cancelApprovals to be invoked")
	}
	if m.IsSessionLocked("sess-1") {
		t.Fatal("expected session to be unlocked after completion")
	}

	// Once terminal, no further transitions are allowed.
	if _, err := m.PauseRun(ctx, "run-1", "x"); !errors.Is(err, kernelerr.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition after terminal, got %v", err)
	}
}

func TestFailRunFromAnyActiveState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := m.StartRun(ctx, "run-1"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := m.PauseRun(ctx, "run-1", "approval-1"); err != nil {
		t.Fatalf("pause run: %v", err)
	}

	ev, err := m.FailRun(ctx, "run-1", errors.New("boom"), "ProviderError", nil)
	if err != nil {
		t.Fatalf("fail run: %v", err)
	}
	if ev.Type != models.EventRunFailed {
		t.Fatalf("expected run.failed, got %s", ev.Type)
	}
	if m.IsSessionLocked("sess-1") {
		t.Fatal("expected session unlocked after failure")
	}
}

func TestOnEventDeliversInAppendOrderAndSurvivesPanic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var seen []models.EventType
	unsubPanicker := m.OnEvent(func(models.Event) { panic("listener blew up") })
	defer unsubPanicker()
	unsub := m.OnEvent(func(ev models.Event) { seen = append(seen, ev.Type) })
	defer unsub()

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := m.StartRun(ctx, "run-1"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if _, err := m.CompleteRun(ctx, "run-1", "ok", nil); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 events delivered despite the panicking listener, got %d (%v)", len(seen), seen)
	}
	if seen[0] != models.EventRunStarted || seen[1] != models.EventRunCompleted {
		t.Fatalf("unexpected event order: %v", seen)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	count := 0
	unsub := m.OnEvent(func(models.Event) { count++ })

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := m.StartRun(ctx, "run-1"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	unsub()
	if _, err := m.CompleteRun(ctx, "run-1", "ok", nil); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestIncrementStepAndAddTokenUsage(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.CreateRun(CreateRunConfig{RunID: "run-1", SessionID: "sess-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := m.IncrementStep("run-1"); err != nil {
		t.Fatalf("increment step: %v", err)
	}
	if err := m.IncrementStep("run-1"); err != nil {
		t.Fatalf("increment step: %v", err)
	}
	if err := m.AddTokenUsage("run-1", models.TokenUsage{Input: 10, Output: 5}); err != nil {
		t.Fatalf("add token usage: %v", err)
	}
	if err := m.AddTokenUsage("run-1", models.TokenUsage{Input: 3, Output: 2}); err != nil {
		t.Fatalf("add token usage: %v", err)
	}

	rec, ok := m.GetRun("run-1")
	if !ok {
		t.Fatal("expected run to exist")
	}
	if rec.CurrentStep != 2 {
		t.Fatalf("expected currentStep 2, got %d", rec.CurrentStep)
	}
	if rec.TokenUsage.Input != 13 || rec.TokenUsage.Output != 7 {
		t.Fatalf("unexpected token usage: %+v", rec.TokenUsage)
	}
}
