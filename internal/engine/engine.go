package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anvil-run/anvil/internal/approval"
	"github.com/anvil-run/anvil/internal/runmanager"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/internal/toolkernel/repotools"
	"github.com/anvil-run/anvil/pkg/models"
)

// defaultMaxSteps bounds the provider's tool loop when RunConfig.MaxSteps
// is unset.
const defaultMaxSteps = 25

// denySentinel is returned to the provider in place of a tool result when
// an approval is denied or cancelled, so the conversation can continue
// rather than aborting the run.
const denySentinel = "[denied by approver]"

// Adapter drives a Provider's stream into canonical ledger events via the
// Run Manager, coupling tool execution to the Tool Kernel and Approval
// Gate as spelled out by each tool's resolved control path.
type Adapter struct {
	log      *slog.Logger
	runs     *runmanager.Manager
	kernel   *toolkernel.Kernel
	gate     *approval.Gate
	provider Provider
}

// New builds an Adapter wired to the given Run Manager, Tool Kernel and
// Approval Gate for the supplied Provider.
func New(log *slog.Logger, runs *runmanager.Manager, kernel *toolkernel.Kernel, gate *approval.Gate, provider Provider) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{log: log, runs: runs, kernel: kernel, gate: gate, provider: provider}
}

// Run drives the provider's tool loop for runID/sessionID inside
// workspaceRoot, translating chunks into ledger events until the stream
// completes, errors, or the step budget is exhausted.
func (a *Adapter) Run(ctx context.Context, runID, sessionID, workspaceRoot string, req EngineRunRequest) error {
	maxSteps := req.RunConfig.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	a.runs.Emit(ctx, runID, models.EventEngineRequest, models.EngineRequestPayload{
		Model:       req.RunConfig.Model,
		InputTokens: 0,
		StepNumber:  0,
	})

	exec := a.toolExecutor(runID, sessionID, workspaceRoot)

	stepNumber := 0
	var buf strings.Builder

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		a.runs.Emit(ctx, runID, models.EventOutputMessage, models.OutputMessagePayload{
			Role:    string(models.RoleAssistant),
			Content: buf.String(),
		})
		buf.Reset()
	}

	chunks, err := a.provider.Stream(ctx, req, exec)
	if err != nil {
		return fmt.Errorf("engine: start stream: %w", err)
	}

	steps := 0
	for chunk := range chunks {
		switch chunk.Kind {
		case ChunkTextDelta:
			buf.WriteString(chunk.Text)
			a.runs.Emit(ctx, runID, models.EventOutputDelta, models.OutputDeltaPayload{Text: chunk.Text})

		case ChunkToolCall:
			flush()
			a.runs.Emit(ctx, runID, models.EventToolCall, models.ToolCallPayload{
				CallID: chunk.ToolCallID,
				ToolID: chunk.ToolName,
				Args:   rawArgs(chunk.Args),
			})

		case ChunkToolResult:
			a.runs.Emit(ctx, runID, models.EventToolResult, models.ToolResultPayload{
				CallID:     chunk.ToolCallID,
				ToolID:     chunk.ToolName,
				Result:     chunk.Result,
				DurationMs: 0,
				Approved:   true,
			})

		case ChunkStepFinish:
			flush()
			steps++
			stepNumber++
			a.runs.Emit(ctx, runID, models.EventEngineResponse, models.EngineResponsePayload{
				OutputTokens: chunk.Usage.OutputTokens,
				FinishReason: chunk.FinishReason,
				StepNumber:   stepNumber,
			})
			a.runs.IncrementStep(runID)
			a.runs.AddTokenUsage(runID, models.TokenUsage{Input: chunk.Usage.InputTokens, Output: chunk.Usage.OutputTokens})
			if steps >= maxSteps {
				return fmt.Errorf("engine: exceeded max steps (%d)", maxSteps)
			}

		case ChunkError:
			flush()
			if chunk.Err != nil {
				return chunk.Err
			}
			return errors.New("engine: provider reported an error chunk")

		default:
			// Unknown chunk kinds are ignored per the adapter contract.
		}
	}

	flush()
	return nil
}

// toolExecutor returns the callback handed to the provider for running
// tool calls. It resolves the control path for each call and, when the
// policy engine requires it, routes through the Approval Gate before
// delegating to the Tool Kernel.
func (a *Adapter) toolExecutor(runID, sessionID, workspaceRoot string) ToolExecutor {
	return func(ctx context.Context, callID, toolName string, rawArgs json.RawMessage) (any, error) {
		args := map[string]any{}
		if len(rawArgs) > 0 {
			if err := json.Unmarshal(rawArgs, &args); err != nil {
				return nil, fmt.Errorf("engine: decode tool args: %w", err)
			}
		}

		if !a.kernel.NeedsApproval(toolName, args) {
			result, err := a.kernel.Execute(ctx, toolName, args, runID, sessionID, workspaceRoot)
			a.emitArtifact(ctx, runID, result)
			return result, err
		}

		risk := a.kernel.AssessRisk(toolName, args)
		req := approval.Request{CallID: callID, ToolID: toolName, Args: args, Risk: risk}
		approvalID, future := a.gate.RequestApproval(req)

		a.runs.Emit(ctx, runID, models.EventApprovalRequested, models.ApprovalRequestedPayload{
			ApprovalID: approvalID,
			CallID:     callID,
			ToolID:     toolName,
			Args:       args,
			Risk:       risk,
		})

		if err := a.runs.PauseRun(ctx, runID, approvalID); err != nil {
			a.log.Error("engine: pause run for approval failed", "runId", runID, "approvalId", approvalID, "error", err)
		}

		resolution, err := future.Wait()

		a.runs.Emit(ctx, runID, models.EventApprovalResolved, models.ApprovalResolvedPayload{
			ApprovalID: approvalID,
			Decision:   string(resolution.Decision),
			Reason:     resolution.Reason,
			ResolvedBy: resolution.ResolvedBy,
		})

		if resumeErr := a.runs.ResumeRun(ctx, runID); resumeErr != nil {
			a.log.Error("engine: resume run after approval failed", "runId", runID, "error", resumeErr)
		}

		if err != nil || resolution.Decision != approval.Approve {
			return denySentinel, nil
		}

		result, execErr := a.kernel.Execute(ctx, toolName, args, runID, sessionID, workspaceRoot)
		a.emitArtifact(ctx, runID, result)
		return result, execErr
	}
}

// emitArtifact follows a tool result that produced a durable artifact
// (currently only artifact.put) with an artifact.emitted ledger event.
func (a *Adapter) emitArtifact(ctx context.Context, runID string, result any) {
	art, ok := result.(repotools.ArtifactResult)
	if !ok {
		return
	}
	a.runs.Emit(ctx, runID, models.EventArtifactEmitted, models.ArtifactEmittedPayload{
		ArtifactID: art.ArtifactID,
		Name:       art.Name,
		MediaType:  art.MediaType,
		SizeBytes:  art.SizeBytes,
		Location:   art.Reference,
	})
}

func rawArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
