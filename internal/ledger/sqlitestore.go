package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure-Go driver, runtime reads/writes

	"github.com/anvil-run/anvil/internal/kernelerr"
	"github.com/anvil-run/anvil/pkg/models"
)

// SQLiteLedger is the embedded-database-backed Ledger. It serializes
// appends per runId with a process-wide map of mutexes so seq stays dense
// and monotonic even under concurrent writers to different runs.
type SQLiteLedger struct {
	db *sql.DB

	runLocksMu sync.Mutex
	runLocks   map[string]*sync.Mutex

	seqMu  sync.Mutex
	seqHi  map[string]int64 // runId -> highest assigned seq, populated by RebuildSeqCounters
}

// Open opens (and, for file-backed paths, migrates) a SQLiteLedger.
// path == ":memory:" skips migration tooling and creates the schema inline,
// since golang-migrate's sqlite3 driver needs a real file.
func Open(path string) (*SQLiteLedger, error) {
	if path != ":memory:" {
		if err := ApplySchema(path); err != nil {
			return nil, kernelerr.Wrap(kernelerr.StorageError, err, "apply schema")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time regardless of driver

	l := &SQLiteLedger{
		db:       db,
		runLocks: make(map[string]*sync.Mutex),
		seqHi:    make(map[string]int64),
	}

	if path == ":memory:" {
		if err := l.createSchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *SQLiteLedger) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id   TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			type       TEXT NOT NULL,
			payload    TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_seq ON events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_type_seq ON events(session_id, type, seq)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			run_id      TEXT,
			seq         INTEGER NOT NULL,
			type        TEXT NOT NULL,
			data        TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session_type_seq ON snapshots(session_id, type, seq DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return kernelerr.Wrap(kernelerr.StorageError, err, "create schema")
		}
	}
	return nil
}

func (l *SQLiteLedger) runLock(runID string) *sync.Mutex {
	l.runLocksMu.Lock()
	defer l.runLocksMu.Unlock()
	m, ok := l.runLocks[runID]
	if !ok {
		m = &sync.Mutex{}
		l.runLocks[runID] = m
	}
	return m
}

// Append assigns a dense, monotonic seq per runId and durably writes the
// event inside a transaction so a storage failure never leaves a partial
// event visible.
func (l *SQLiteLedger) Append(ctx context.Context, runID, sessionID string, eventType models.EventType, payload any) (models.Event, error) {
	lock := l.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, kernelerr.Wrap(kernelerr.StorageError, err, "marshal payload")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Event{}, kernelerr.Wrap(kernelerr.StorageError, err, "begin tx")
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return models.Event{}, kernelerr.Wrap(kernelerr.StorageError, err, "read max seq")
	}

	seq := maxSeq.Int64 + 1
	if !maxSeq.Valid {
		seq = 1
	}
	// Reconciled against the in-process hi-water mark too, in case this
	// process appended events not yet durably visible to this read.
	l.seqMu.Lock()
	if hi, ok := l.seqHi[runID]; ok && hi >= seq {
		seq = hi + 1
	}
	l.seqMu.Unlock()

	ev := models.Event{
		EventID:   uuid.NewString(),
		RunID:     runID,
		SessionID: sessionID,
		Seq:       seq,
		Ts:        clockNow().UnixMilli(),
		Type:      eventType,
		Payload:   payload,
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, session_id, seq, ts, type, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, ev.SessionID, ev.Seq, ev.Ts, string(ev.Type), string(payloadJSON),
	)
	if err != nil {
		return models.Event{}, kernelerr.Wrap(kernelerr.StorageError, err, "insert event")
	}

	if err := tx.Commit(); err != nil {
		return models.Event{}, kernelerr.Wrap(kernelerr.StorageError, err, "commit")
	}

	l.seqMu.Lock()
	l.seqHi[runID] = seq
	l.seqMu.Unlock()

	return ev, nil
}

func (l *SQLiteLedger) Query(ctx context.Context, q Query) ([]models.Event, error) {
	var where []string
	var args []any

	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if q.AfterSeq != 0 {
		where = append(where, "seq > ?")
		args = append(args, q.AfterSeq)
	}
	if q.BeforeSeq != 0 {
		where = append(where, "seq < ?")
		args = append(args, q.BeforeSeq)
	}

	order := "ASC"
	if q.Order == Desc {
		order = "DESC"
	}

	query := "SELECT event_id, run_id, session_id, seq, ts, type, payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY seq %s", order)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, err, "query events")
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.Event, error) {
	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var typ, payloadJSON string
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.SessionID, &ev.Seq, &ev.Ts, &typ, &payloadJSON); err != nil {
			return nil, kernelerr.Wrap(kernelerr.StorageError, err, "scan event")
		}
		ev.Type = models.EventType(typ)
		var payload any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, kernelerr.Wrap(kernelerr.StorageError, err, "unmarshal payload")
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, err, "iterate rows")
	}
	return out, nil
}

func (l *SQLiteLedger) GetByRunID(ctx context.Context, runID string) ([]models.Event, error) {
	return l.Query(ctx, Query{RunID: runID, Order: Asc})
}

func (l *SQLiteLedger) QueryLatest(ctx context.Context, sessionID string, eventType models.EventType) (models.Event, bool, error) {
	events, err := l.Query(ctx, Query{SessionID: sessionID, Types: []models.EventType{eventType}, Order: Desc, Limit: 1})
	if err != nil {
		return models.Event{}, false, err
	}
	if len(events) == 0 {
		return models.Event{}, false, nil
	}
	return events[0], true, nil
}

func (l *SQLiteLedger) CreateSnapshot(ctx context.Context, in CreateSnapshotInput) (models.Snapshot, error) {
	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return models.Snapshot{}, kernelerr.Wrap(kernelerr.StorageError, err, "marshal snapshot data")
	}

	snap := models.Snapshot{
		SnapshotID: uuid.NewString(),
		SessionID:  in.SessionID,
		RunID:      in.RunID,
		Seq:        in.Seq,
		Type:       in.Type,
		Data:       in.Data,
		CreatedAt:  clockNow(),
	}

	var runID sql.NullString
	if in.RunID != "" {
		runID = sql.NullString{String: in.RunID, Valid: true}
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, session_id, run_id, seq, type, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.SessionID, runID, snap.Seq, string(snap.Type), string(dataJSON), snap.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return models.Snapshot{}, kernelerr.Wrap(kernelerr.StorageError, err, "insert snapshot")
	}
	return snap, nil
}

func (l *SQLiteLedger) GetLatestSnapshot(ctx context.Context, q LatestSnapshotQuery) (models.Snapshot, bool, error) {
	var where []string
	var args []any
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}

	query := "SELECT snapshot_id, session_id, run_id, seq, type, data, created_at FROM snapshots"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT 1"

	row := l.db.QueryRowContext(ctx, query, args...)

	var snap models.Snapshot
	var typ, dataJSON string
	var runID sql.NullString
	var createdAtMs int64
	if err := row.Scan(&snap.SnapshotID, &snap.SessionID, &runID, &snap.Seq, &typ, &dataJSON, &createdAtMs); err != nil {
		if err == sql.ErrNoRows {
			return models.Snapshot{}, false, nil
		}
		return models.Snapshot{}, false, kernelerr.Wrap(kernelerr.StorageError, err, "scan snapshot")
	}
	snap.RunID = runID.String
	snap.Type = models.SnapshotType(typ)
	snap.CreatedAt = time.UnixMilli(createdAtMs)

	var data any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return models.Snapshot{}, false, kernelerr.Wrap(kernelerr.StorageError, err, "unmarshal snapshot data")
	}
	snap.Data = data

	return snap, true, nil
}

func (l *SQLiteLedger) ListSessionIds(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id FROM events
		GROUP BY session_id
		ORDER BY MAX(ts) DESC
	`)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.StorageError, err, "list session ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kernelerr.Wrap(kernelerr.StorageError, err, "scan session id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RebuildSeqCounters reconstructs the per-run seq hi-water mark from
// persisted data. Must run once at startup so new appends after a crash
// continue the same dense sequence rather than risk a duplicate/gap.
func (l *SQLiteLedger) RebuildSeqCounters(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT run_id, MAX(seq) FROM events GROUP BY run_id`)
	if err != nil {
		return kernelerr.Wrap(kernelerr.StorageError, err, "rebuild seq counters")
	}
	defer rows.Close()

	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	l.seqHi = make(map[string]int64)
	for rows.Next() {
		var runID string
		var maxSeq int64
		if err := rows.Scan(&runID, &maxSeq); err != nil {
			return kernelerr.Wrap(kernelerr.StorageError, err, "scan seq counter")
		}
		l.seqHi[runID] = maxSeq
	}
	return rows.Err()
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
