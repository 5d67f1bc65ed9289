package artifacts

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// MaxInlineSize is the size threshold below which StoreArtifact keeps a
// copy of the data in memory instead of writing it to the backing Store.
const MaxInlineSize = MaxInlineDataBytes

// Record describes one artifact produced by a run — a screenshot, a file
// write, a captured log, anything a tool or the engine wants to persist
// as a durable side channel alongside the event it's attached to.
type Record struct {
	ID         string
	RunID      string
	SessionID  string
	Type       string
	MimeType   string
	Filename   string
	Size       int64
	Reference  string
	TTLSeconds int64
	Data       []byte
}

// Metadata is the durable record kept once artifact bytes are no longer
// held inline.
type Metadata struct {
	ID         string
	RunID      string
	SessionID  string
	Type       string
	MimeType   string
	Filename   string
	Size       int64
	Reference  string
	TTLSeconds int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Filter narrows ListArtifacts queries.
type Filter struct {
	RunID         string
	SessionID     string
	Type          string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
}

// PutOptions configures a Store.Put call.
type PutOptions struct {
	MimeType string
	TTL      time.Duration
	Metadata map[string]string
}

// Store persists artifact bytes and returns a reference string an
// implementation can later resolve back via Get.
type Store interface {
	Put(ctx context.Context, artifactID string, data io.Reader, opts PutOptions) (string, error)
	Get(ctx context.Context, artifactID string) (io.ReadCloser, error)
	Delete(ctx context.Context, artifactID string) error
	Exists(ctx context.Context, artifactID string) (bool, error)
	Close() error
}

// Repository tracks artifact metadata and brokers access to the
// underlying Store, including inline storage for small payloads.
type Repository interface {
	StoreArtifact(ctx context.Context, record *Record, data io.Reader) error
	GetArtifact(ctx context.Context, artifactID string) (*Record, io.ReadCloser, error)
	ListArtifacts(ctx context.Context, filter Filter) ([]*Record, error)
	DeleteArtifact(ctx context.Context, artifactID string) error
	PruneExpired(ctx context.Context) (int, error)
}

var (
	ttlMu sync.RWMutex
	ttls  = map[string]time.Duration{
		"screenshot": 7 * 24 * time.Hour,
		"recording":  30 * 24 * time.Hour,
		"file":       14 * 24 * time.Hour,
	}
)

// GetDefaultTTL returns the configured retention window for an artifact
// type, falling back to one day for anything unrecognized.
func GetDefaultTTL(artifactType string) time.Duration {
	key := strings.ToLower(strings.TrimSpace(artifactType))
	ttlMu.RLock()
	defer ttlMu.RUnlock()
	if d, ok := ttls[key]; ok {
		return d
	}
	return 24 * time.Hour
}

// SetDefaultTTLs merges overrides into the default TTL table. Empty keys
// and a nil map are ignored.
func SetDefaultTTLs(overrides map[string]time.Duration) {
	if overrides == nil {
		return
	}
	ttlMu.Lock()
	defer ttlMu.Unlock()
	for k, v := range overrides {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		ttls[k] = v
	}
}
