// Package anthropicprovider adapts the Anthropic Messages streaming API to
// the engine.Provider contract, owning the multi-step tool loop itself so
// the rest of the system only ever sees engine.Chunk values.
package anthropicprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/anvil-run/anvil/internal/engine"
)

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 4096
	defaultMaxRetries = 3
)

// Config configures a Provider instance.
type Config struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	BaseURL string

	// MaxRetries bounds retry attempts for transient stream-creation
	// failures. Default: 3.
	MaxRetries int

	// RetryDelay sets the base delay between retries; actual delay uses
	// exponential backoff. Default: 1 second.
	RetryDelay time.Duration

	// DefaultModel is used when a request does not specify one.
	DefaultModel string
}

// Provider drives Anthropic's Messages streaming API and owns the
// assistant/tool-result round trips needed to satisfy engine.Provider's
// full-loop contract.
type Provider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// New constructs a Provider from the given Config.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropicprovider: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name identifies this provider for routing and logging.
func (p *Provider) Name() string { return "anthropic" }

// Stream drives the tool loop for req, executing tool calls through exec
// and emitting engine.Chunk values for each step until the model stops
// requesting tools, an error occurs, or the caller's context is done.
func (p *Provider) Stream(ctx context.Context, req engine.EngineRunRequest, exec engine.ToolExecutor) (<-chan engine.Chunk, error) {
	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropicprovider: convert tools: %w", err)
	}

	out := make(chan engine.Chunk)

	go func() {
		defer close(out)

		messages := convertMessages(req.Messages)
		model := p.getModel(req.RunConfig.Model)

		for {
			turn, stopReason, usage, err := p.runTurn(ctx, model, req.SystemPrompt, messages, tools, out)
			if err != nil {
				out <- engine.Chunk{Kind: engine.ChunkError, Err: err}
				return
			}

			out <- engine.Chunk{
				Kind:         engine.ChunkStepFinish,
				Usage:        usage,
				FinishReason: stopReason,
			}

			if stopReason != "tool_use" || len(turn.toolCalls) == 0 {
				return
			}

			messages = append(messages, turn.assistantMessage())

			resultBlocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.toolCalls))
			for _, call := range turn.toolCalls {
				result, execErr := exec(ctx, call.id, call.name, call.input)
				isErr := execErr != nil
				content := resultContent(result, execErr)

				out <- engine.Chunk{
					Kind:       engine.ChunkToolResult,
					ToolCallID: call.id,
					ToolName:   call.name,
					Result:     result,
				}

				resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(call.id, content, isErr))
			}
			messages = append(messages, anthropic.NewUserMessage(resultBlocks...))
		}
	}()

	return out, nil
}

type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

type turnResult struct {
	text      string
	toolCalls []toolCall
}

func (t turnResult) assistantMessage() anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	if t.text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(t.text))
	}
	for _, c := range t.toolCalls {
		var input any
		_ = json.Unmarshal(c.input, &input)
		blocks = append(blocks, anthropic.NewToolUseBlock(c.id, input, c.name))
	}
	return anthropic.NewAssistantMessage(blocks...)
}

// runTurn performs a single Messages streaming call, relaying text deltas
// and completed tool_use blocks as engine.Chunk values, retrying stream
// creation with exponential backoff.
func (p *Provider) runTurn(ctx context.Context, model, system string, messages []anthropic.MessageParam, tools []anthropic.ToolUnionParam, out chan<- engine.Chunk) (turnResult, string, engine.Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  messages,
		Tools:     tools,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return turnResult{}, "", engine.Usage{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		result, stopReason, usage, err := p.streamOnce(ctx, params, out)
		if err == nil {
			return result, stopReason, usage, nil
		}
		lastErr = err
	}
	return turnResult{}, "", engine.Usage{}, fmt.Errorf("anthropicprovider: stream failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

// streamOnce consumes a single Messages streaming call to completion,
// relaying text deltas and completed tool_use blocks as engine.Chunk
// values.
func (p *Provider) streamOnce(ctx context.Context, params anthropic.MessageNewParams, out chan<- engine.Chunk) (turnResult, string, engine.Usage, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	var result turnResult
	var currentCall *toolCall
	var currentInput strings.Builder
	var usage engine.Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				currentCall = &toolCall{id: tu.ID, name: tu.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					result.text += delta.Text
					out <- engine.Chunk{Kind: engine.ChunkTextDelta, Text: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.input = json.RawMessage(currentInput.String())
				result.toolCalls = append(result.toolCalls, *currentCall)
				out <- engine.Chunk{
					Kind:       engine.ChunkToolCall,
					ToolCallID: currentCall.id,
					ToolName:   currentCall.name,
					Args:       currentCall.input,
				}
				currentCall = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			return result, finishReason(result), usage, nil
		}
	}

	if err := stream.Err(); err != nil {
		return turnResult{}, "", engine.Usage{}, err
	}
	return result, finishReason(result), usage, nil
}

// finishReason infers the Anthropic stop reason from the accumulated turn
// rather than trusting a streamed stop_reason field, since a turn with
// completed tool_use blocks always means the model wants tools run.
func finishReason(t turnResult) string {
	if len(t.toolCalls) > 0 {
		return "tool_use"
	}
	return "end_turn"
}

func (p *Provider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func convertMessages(messages []engine.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "tool":
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		case "assistant":
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return result
}

func convertTools(tools []engine.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for %s: %w", tool.ID, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.ID)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", tool.ID)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func resultContent(result any, execErr error) string {
	if execErr != nil {
		return execErr.Error()
	}
	if s, ok := result.(string); ok {
		return s
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(b)
}
