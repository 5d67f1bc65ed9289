// Package memory implements the Memory Service: background distillation of
// a session's event history into short-term observations and, past a
// second threshold, long-term reflections.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/internal/runmanager"
	"github.com/anvil-run/anvil/pkg/models"
)

const (
	defaultObservationThreshold = 20
	defaultReflectionThreshold  = 10
)

// Classifier drives an LLM with a fixed prompt and a single
// structured-output tool, returning that tool call's raw arguments.
// Observer and Reflector are both thin wrappers around a Classifier call.
type Classifier interface {
	ClassifyOnce(ctx context.Context, systemPrompt, userContent string, tool engine.Tool) (json.RawMessage, error)
}

// ProviderClassifier adapts an engine.Provider into a Classifier by driving
// a single turn and capturing the first tool-call chunk it emits.
type ProviderClassifier struct {
	Provider engine.Provider
	Model    string
}

// ClassifyOnce runs one provider turn forcing the supplied tool, returning
// the arguments of the first tool call observed. If the provider never
// calls the tool, it returns nil, nil (callers treat this as empty output).
func (c ProviderClassifier) ClassifyOnce(ctx context.Context, systemPrompt, userContent string, tool engine.Tool) (json.RawMessage, error) {
	req := engine.EngineRunRequest{
		RunConfig:    engine.RunConfig{Model: c.Model, MaxSteps: 1},
		SystemPrompt: systemPrompt,
		Messages:     []engine.Message{{Role: "user", Content: userContent}},
		Tools:        []engine.Tool{tool},
	}

	noopExec := func(context.Context, string, string, json.RawMessage) (any, error) {
		return nil, nil
	}

	chunks, err := c.Provider.Stream(ctx, req, noopExec)
	if err != nil {
		return nil, err
	}

	for chunk := range chunks {
		switch chunk.Kind {
		case engine.ChunkToolCall:
			return chunk.Args, nil
		case engine.ChunkError:
			return nil, chunk.Err
		}
	}
	return nil, nil
}

// Config tunes the thresholds the Algorithm checks before distilling.
type Config struct {
	ObservationThreshold int
	ReflectionThreshold  int
}

// Service watches completed runs and distills their events into working
// memory, never failing the originating run on error.
type Service struct {
	log        *slog.Logger
	ledgerDB   ledger.Ledger
	classifier Classifier
	cfg        Config
}

// New constructs a Service. A nil or zero-valued Config falls back to the
// spec's default thresholds.
func New(log *slog.Logger, ledgerDB ledger.Ledger, classifier Classifier, cfg Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ObservationThreshold <= 0 {
		cfg.ObservationThreshold = defaultObservationThreshold
	}
	if cfg.ReflectionThreshold <= 0 {
		cfg.ReflectionThreshold = defaultReflectionThreshold
	}
	return &Service{log: log, ledgerDB: ledgerDB, classifier: classifier, cfg: cfg}
}

// Attach subscribes the service to a run manager's event stream, triggering
// distillation in the background whenever a run completes.
func (s *Service) Attach(runs *runmanager.Manager) func() {
	return runs.OnEvent(func(ev models.Event) {
		if ev.Type != models.EventRunCompleted {
			return
		}
		go func() {
			if err := s.Distill(context.Background(), ev.RunID, ev.SessionID); err != nil {
				s.log.Error("memory: distillation failed", "runId", ev.RunID, "sessionId", ev.SessionID, "error", err)
			}
		}()
	})
}

// Distill runs the Observer/Reflector algorithm for one completed run's
// session. Errors are logged by the caller (Attach) or returned to a direct
// caller; they never propagate to the run itself.
func (s *Service) Distill(ctx context.Context, runID, sessionID string) error {
	snapshot, lastObservedSeq, err := s.latestSessionSnapshot(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("memory: load session snapshot: %w", err)
	}

	events, err := s.ledgerDB.Query(ctx, ledger.Query{SessionID: sessionID, AfterSeq: lastObservedSeq, Order: ledger.Asc})
	if err != nil {
		return fmt.Errorf("memory: query events: %w", err)
	}
	if len(events) < s.cfg.ObservationThreshold {
		return nil
	}

	observations := s.observe(ctx, events)
	processedRange := models.SeqRange{Start: events[0].Seq, End: events[len(events)-1].Seq}

	if _, err := s.ledgerDB.Append(ctx, runID, sessionID, models.EventMemoryObserved, models.MemoryObservedPayload{
		Observations:      observations,
		ProcessedSeqRange: processedRange,
	}); err != nil {
		return fmt.Errorf("memory: emit memory.observed: %w", err)
	}

	allObservations := append(append([]models.Observation(nil), snapshot.Observations...), observations...)

	if err := s.saveSessionSnapshot(ctx, sessionID, runID, processedRange.End, allObservations, snapshot.Reflections); err != nil {
		return fmt.Errorf("memory: save session snapshot: %w", err)
	}

	if len(allObservations) < s.cfg.ReflectionThreshold {
		return nil
	}

	reflections := s.reflect(ctx, allObservations)
	if len(reflections) == 0 {
		return nil
	}

	if _, err := s.ledgerDB.Append(ctx, runID, sessionID, models.EventMemoryReflected, models.MemoryReflectedPayload{
		Reflections: reflections,
	}); err != nil {
		return fmt.Errorf("memory: emit memory.reflected: %w", err)
	}

	allReflections := append(append([]models.Reflection(nil), snapshot.Reflections...), reflections...)
	return s.saveSessionSnapshot(ctx, sessionID, runID, processedRange.End, allObservations, allReflections)
}

func (s *Service) latestSessionSnapshot(ctx context.Context, sessionID string) (models.SessionSnapshotData, int64, error) {
	snap, ok, err := s.ledgerDB.GetLatestSnapshot(ctx, ledger.LatestSnapshotQuery{SessionID: sessionID, Type: models.SnapshotSession})
	if err != nil {
		return models.SessionSnapshotData{}, 0, err
	}
	if !ok {
		return models.SessionSnapshotData{}, 0, nil
	}

	var data models.SessionSnapshotData
	b, err := json.Marshal(snap.Data)
	if err != nil {
		return models.SessionSnapshotData{}, 0, err
	}
	if err := json.Unmarshal(b, &data); err != nil {
		return models.SessionSnapshotData{}, 0, err
	}
	return data, data.LastObservedSeq, nil
}

func (s *Service) saveSessionSnapshot(ctx context.Context, sessionID, runID string, lastObservedSeq int64, observations []models.Observation, reflections []models.Reflection) error {
	_, err := s.ledgerDB.CreateSnapshot(ctx, ledger.CreateSnapshotInput{
		SessionID: sessionID,
		RunID:     runID,
		Seq:       lastObservedSeq,
		Type:      models.SnapshotSession,
		Data: models.SessionSnapshotData{
			LastObservedSeq: lastObservedSeq,
			Observations:    observations,
			Reflections:     reflections,
		},
	})
	return err
}

// observe calls the Observer: a structured-output LLM call that distills
// raw events into Observation values. A failed or empty tool call yields no
// observations rather than an error.
func (s *Service) observe(ctx context.Context, events []models.Event) []models.Observation {
	raw, err := s.classifier.ClassifyOnce(ctx, observerSystemPrompt, renderEventsForObserver(events), observerTool)
	if err != nil || raw == nil {
		if err != nil {
			s.log.Warn("memory: observer call failed", "error", err)
		}
		return nil
	}

	var parsed struct {
		Observations []struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"observations"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.log.Warn("memory: observer returned malformed arguments", "error", err)
		return nil
	}

	out := make([]models.Observation, 0, len(parsed.Observations))
	for _, o := range parsed.Observations {
		out = append(out, models.Observation{
			ID:      uuid.NewString(),
			Ts:      nowMillis(),
			Type:    models.ObservationType(o.Type),
			Content: o.Content,
		})
	}
	return out
}

// reflect calls the Reflector: a structured-output LLM call that distills
// accumulated observations into longer-lived Reflection values.
func (s *Service) reflect(ctx context.Context, observations []models.Observation) []models.Reflection {
	raw, err := s.classifier.ClassifyOnce(ctx, reflectorSystemPrompt, renderObservationsForReflector(observations), reflectorTool)
	if err != nil || raw == nil {
		if err != nil {
			s.log.Warn("memory: reflector call failed", "error", err)
		}
		return nil
	}

	var parsed struct {
		Reflections []struct {
			Topic     string `json:"topic"`
			Content   string `json:"content"`
			Frequency int    `json:"frequency"`
		} `json:"reflections"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.log.Warn("memory: reflector returned malformed arguments", "error", err)
		return nil
	}

	out := make([]models.Reflection, 0, len(parsed.Reflections))
	for _, r := range parsed.Reflections {
		out = append(out, models.Reflection{
			ID:        uuid.NewString(),
			Ts:        nowMillis(),
			Topic:     r.Topic,
			Content:   r.Content,
			Frequency: r.Frequency,
		})
	}
	return out
}
