// Package runmanager owns run records, the per-session lock set, and
// in-process event broadcast. It is the only writer of the run record map
// and the session lock set (internal/ledger is the only writer of events).
package runmanager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/pkg/models"
)

// Listener receives every event appended through a Manager, in append order,
// regardless of which run produced it. A panicking listener must not break
// emission or other listeners.
type Listener func(models.Event)

// CreateRunConfig is the argument to Manager.CreateRun.
type CreateRunConfig struct {
	RunID     string
	SessionID string
	Model     string
	Workspace string
	Prompt    string
	Skills    []string
}

// Manager implements the run lifecycle kernel module: RunState machine,
// session locking, and event broadcast layered on top of the ledger.
type Manager struct {
	log    *slog.Logger
	ledger ledger.Ledger

	mu      sync.RWMutex
	runs    map[string]*models.RunRecord
	locks   map[string]string // sessionId -> runId holding the lock

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextListener int

	clock func() time.Time
}

// New constructs a Manager backed by the given ledger.
func New(log *slog.Logger, ld ledger.Ledger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:       log,
		ledger:    ld,
		runs:      make(map[string]*models.RunRecord),
		locks:     make(map[string]string),
		listeners: make(map[int]Listener),
		clock:     time.Now,
	}
}

// CreateRun registers a new run record in the created state. It does not
// lock the session and does not emit an event; startRun does both.
func (m *Manager) CreateRun(cfg CreateRunConfig) (models.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.locks[cfg.SessionID]; busy {
		return models.RunRecord{}, kernelerr.New(kernelerr.SessionBusy, "session %q already has an active run", cfg.SessionID)
	}

	now := m.clock()
	rec := &models.RunRecord{
		RunID:     cfg.RunID,
		SessionID: cfg.SessionID,
		State:     models.RunCreated,
		CreatedAt: now,
		UpdatedAt: now,
		Model:     cfg.Model,
		Workspace: cfg.Workspace,
		Prompt:    cfg.Prompt,
		Skills:    cfg.Skills,
	}
	m.runs[cfg.RunID] = rec
	return *rec, nil
}

var validTransitions = map[models.RunState]map[models.RunState]bool{
	models.RunCreated: {models.RunRunning: true, models.RunFailed: true},
	models.RunRunning: {models.RunPaused: true, models.RunCompleted: true, models.RunFailed: true},
	models.RunPaused:  {models.RunRunning: true, models.RunFailed: true},
}

func (m *Manager) transition(runID string, to models.RunState) (*models.RunRecord, error) {
	rec, ok := m.runs[runID]
	if !ok {
		return nil, kernelerr.New(kernelerr.NotFound, "run %q not found", runID)
	}
	if rec.State.Terminal() || !validTransitions[rec.State][to] {
		return nil, kernelerr.New(kernelerr.InvalidTransition, "cannot transition run %q from %s to %s", runID, rec.State, to)
	}
	rec.State = to
	rec.UpdatedAt = m.clock()
	return rec, nil
}

// StartRun transitions created -> running, locks the session, and emits
// run.started.
func (m *Manager) StartRun(ctx context.Context, runID string) (models.Event, error) {
	m.mu.Lock()
	rec, err := m.transition(runID, models.RunRunning)
	if err != nil {
		m.mu.Unlock()
		return models.Event{}, err
	}
	m.locks[rec.SessionID] = runID
	sessionID := rec.SessionID
	m.mu.Unlock()

	return m.appendAndBroadcast(ctx, runID, sessionID, models.EventRunStarted, models.RunStartedPayload{
		Model:     rec.Model,
		Workspace: rec.Workspace,
		Prompt:    rec.Prompt,
		Skills:    rec.Skills,
	})
}

// PauseRun transitions running -> paused and emits run.paused.
func (m *Manager) PauseRun(ctx context.Context, runID, approvalID string) (models.Event, error) {
	m.mu.Lock()
	rec, err := m.transition(runID, models.RunPaused)
	if err != nil {
		m.mu.Unlock()
		return models.Event{}, err
	}
	sessionID := rec.SessionID
	m.mu.Unlock()

	return m.appendAndBroadcast(ctx, runID, sessionID, models.EventRunPaused, models.RunPausedPayload{
		Reason:     "approval",
		ApprovalID: approvalID,
	})
}

// ResumeRun transitions paused -> running and emits run.resumed.
func (m *Manager) ResumeRun(ctx context.Context, runID string) (models.Event, error) {
	m.mu.Lock()
	rec, err := m.transition(runID, models.RunRunning)
	if err != nil {
		m.mu.Unlock()
		return models.Event{}, err
	}
	sessionID := rec.SessionID
	m.mu.Unlock()

	return m.appendAndBroadcast(ctx, runID, sessionID, models.EventRunResumed, models.RunResumedPayload{})
}

// CompleteRun transitions running -> completed, unlocks the session, and
// emits run.completed with aggregate step count and token usage.
// cancelApprovals is invoked (if non-nil) to cancel any approvals stranded
// by this run.
func (m *Manager) CompleteRun(ctx context.Context, runID, summary string, cancelApprovals func()) (models.Event, error) {
	m.mu.Lock()
	rec, err := m.transition(runID, models.RunCompleted)
	if err != nil {
		m.mu.Unlock()
		return models.Event{}, err
	}
	delete(m.locks, rec.SessionID)
	sessionID := rec.SessionID
	step, usage := rec.CurrentStep, rec.TokenUsage
	m.mu.Unlock()

	if cancelApprovals != nil {
		cancelApprovals()
	}

	return m.appendAndBroadcast(ctx, runID, sessionID, models.EventRunCompleted, models.RunCompletedPayload{
		Summary:    summary,
		Steps:      step,
		TokenUsage: usage,
	})
}

// FailRun transitions any active state to failed, unlocks the session, and
// emits run.failed. cancelApprovals is invoked (if non-nil) to cancel any
// approvals stranded by this run.
func (m *Manager) FailRun(ctx context.Context, runID string, cause error, code string, cancelApprovals func()) (models.Event, error) {
	m.mu.Lock()
	rec, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return models.Event{}, kernelerr.New(kernelerr.NotFound, "run %q not found", runID)
	}
	if rec.State.Terminal() {
		m.mu.Unlock()
		return models.Event{}, kernelerr.New(kernelerr.InvalidTransition, "run %q is already terminal (%s)", runID, rec.State)
	}
	rec.State = models.RunFailed
	rec.UpdatedAt = m.clock()
	delete(m.locks, rec.SessionID)
	sessionID := rec.SessionID
	m.mu.Unlock()

	if cancelApprovals != nil {
		cancelApprovals()
	}

	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return m.appendAndBroadcast(ctx, runID, sessionID, models.EventRunFailed, models.RunFailedPayload{
		Error: message,
		Code:  code,
	})
}

// Emit appends an engine/tool event that does not change run state.
func (m *Manager) Emit(ctx context.Context, runID string, eventType models.EventType, payload any) (models.Event, error) {
	m.mu.RLock()
	rec, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return models.Event{}, kernelerr.New(kernelerr.NotFound, "run %q not found", runID)
	}
	return m.appendAndBroadcast(ctx, runID, rec.SessionID, eventType, payload)
}

// IncrementStep bumps a run's currentStep counter.
func (m *Manager) IncrementStep(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "run %q not found", runID)
	}
	rec.CurrentStep++
	rec.UpdatedAt = m.clock()
	return nil
}

// AddTokenUsage accumulates token counts onto a run's record.
func (m *Manager) AddTokenUsage(runID string, usage models.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "run %q not found", runID)
	}
	rec.TokenUsage.Input += usage.Input
	rec.TokenUsage.Output += usage.Output
	rec.UpdatedAt = m.clock()
	return nil
}

// GetRun returns a copy of a run record.
func (m *Manager) GetRun(runID string) (models.RunRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return models.RunRecord{}, false
	}
	return *rec, true
}

// IsSessionLocked reports whether a session currently has a non-terminal run.
func (m *Manager) IsSessionLocked(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, locked := m.locks[sessionID]
	return locked
}

// OnEvent registers a listener and returns an unsubscribe function. New
// listeners see only events appended strictly after OnEvent returns.
func (m *Manager) OnEvent(listener Listener) func() {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) appendAndBroadcast(ctx context.Context, runID, sessionID string, eventType models.EventType, payload any) (models.Event, error) {
	ev, err := m.ledger.Append(ctx, runID, sessionID, eventType, payload)
	if err != nil {
		return models.Event{}, err
	}
	m.broadcast(ev)
	return ev, nil
}

func (m *Manager) broadcast(ev models.Event) {
	m.listenersMu.RLock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		m.dispatchSafely(l, ev)
	}
}

func (m *Manager) dispatchSafely(l Listener, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("runmanager: listener panicked", "recover", r, "runId", ev.RunID, "eventType", ev.Type)
		}
	}()
	l(ev)
}
