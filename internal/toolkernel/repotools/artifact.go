package repotools

import (
	"context"
	"os"
	"strings"

	"github.com/anvil-run/anvil/internal/artifacts"
	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/internal/toolkernel"
	"github.com/anvil-run/anvil/pkg/models"
)

// ArtifactResult is artifact.put's return value. The Engine Adapter
// recognizes this type and follows a successful execution with an
// artifact.emitted ledger event.
type ArtifactResult struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name"`
	MediaType  string `json:"mediaType,omitempty"`
	SizeBytes  int64  `json:"sizeBytes"`
	Reference  string `json:"reference"`
}

const artifactPutSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"name": {"type": "string"},
		"mediaType": {"type": "string"},
		"type": {"type": "string"}
	},
	"required": ["path"]
}`

// ArtifactPutHandler implements artifact.put: it reads a file from the
// jailed workspace and hands it to the artifact Repository, producing a
// durable reference independent of the workspace's lifetime.
type ArtifactPutHandler struct {
	Repo artifacts.Repository
}

func (h ArtifactPutHandler) ID() string                    { return "artifact.put" }
func (h ArtifactPutHandler) Category() models.RiskCategory { return models.RiskRead }
func (h ArtifactPutHandler) InputSchema() string            { return artifactPutSchema }

func (h ArtifactPutHandler) Execute(ctx context.Context, k *toolkernel.Kernel, rc toolkernel.RunContext, args map[string]any) (any, error) {
	if h.Repo == nil {
		return nil, kernelerr.New(kernelerr.StorageError, "artifact store not configured")
	}

	relPath, _ := args["path"].(string)
	if relPath == "" {
		return nil, kernelerr.New(kernelerr.SchemaValidation, "path is required")
	}
	absPath, err := k.ValidatePath(rc.WorkspaceRoot, relPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, kernelerr.New(kernelerr.FileNotFound, "open artifact source: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, kernelerr.New(kernelerr.StorageError, "stat artifact source: %v", err)
	}

	artifactType, _ := args["type"].(string)
	if artifactType == "" {
		artifactType = "file"
	}
	mediaType, _ := args["mediaType"].(string)
	name, _ := args["name"].(string)
	if name == "" {
		name = relPath
		if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
			name = name[idx+1:]
		}
	}

	record := &artifacts.Record{
		RunID:     rc.RunID,
		SessionID: rc.SessionID,
		Type:      artifactType,
		MimeType:  mediaType,
		Filename:  name,
		Size:      info.Size(),
	}
	if err := h.Repo.StoreArtifact(ctx, record, f); err != nil {
		return nil, kernelerr.New(kernelerr.StorageError, "store artifact: %v", err)
	}

	return ArtifactResult{
		ArtifactID: record.ID,
		Name:       record.Filename,
		MediaType:  record.MimeType,
		SizeBytes:  record.Size,
		Reference:  record.Reference,
	}, nil
}
