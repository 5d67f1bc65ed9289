package transport

import (
	"context"
	"testing"

	"github.com/anvil-run/anvil/internal/approval"
	"github.com/anvil-run/anvil/internal/engine"
	"github.com/anvil-run/anvil/internal/ledger"
	"github.com/anvil-run/anvil/internal/policy"
	"github.com/anvil-run/anvil/internal/promptassembly"
	"github.com/anvil-run/anvil/internal/runmanager"
	"github.com/anvil-run/anvil/internal/streamfanout"
	"github.com/anvil-run/anvil/internal/toolkernel"
)

// scriptedProvider replays a fixed chunk sequence for every run, mirroring
// internal/engine's own test double.
type scriptedProvider struct {
	chunks []engine.Chunk
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req engine.EngineRunRequest, exec engine.ToolExecutor) (<-chan engine.Chunk, error) {
	out := make(chan engine.Chunk, len(p.chunks)+1)
	go func() {
		defer close(out)
		for _, c := range p.chunks {
			out <- c
		}
	}()
	return out, nil
}

func newTestServer(t *testing.T, provider engine.Provider) (*Server, *runmanager.Manager, ledger.Ledger) {
	t.Helper()
	ld, err := ledger.Open(":memory:")
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ld.Close() })

	mgr := runmanager.New(nil, ld)
	root := t.TempDir()
	pol, err := policy.Load(root)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	kernel := toolkernel.New(pol)
	gate := approval.New()
	fanout := streamfanout.New(ld, mgr)
	adapter := engine.New(nil, mgr, kernel, gate, provider)

	srv := New(Config{
		Runs:             mgr,
		Ledger:           ld,
		Kernel:           kernel,
		Gate:             gate,
		Fanout:           fanout,
		Engine:           adapter,
		Assemble:         promptassembly.New(),
		DefaultModel:     "test-model",
		DefaultWorkspace: root,
	})
	return srv, mgr, ld
}
