// Package sqlite provides a checkpoint saver backed by SQLite. It is the
// production store: one file, durable commits, upsert semantics on the
// checkpoint identity tuple.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AndreMMuniz/agent-multichat/graph"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	lineage_id           TEXT NOT NULL,
	checkpoint_ns        TEXT NOT NULL DEFAULT '',
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	ts                   INTEGER NOT NULL,
	checkpoint           TEXT NOT NULL,
	metadata             TEXT,
	PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id)
);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	lineage_id    TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	idx           INTEGER NOT NULL,
	channel       TEXT NOT NULL,
	value         TEXT,
	sequence      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (lineage_id, checkpoint_ns, checkpoint_id, task_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_lineage_ts
	ON checkpoints (lineage_id, checkpoint_ns, ts DESC);
`

// Saver persists checkpoints in two SQLite tables: one row per checkpoint
// and one row per pending write. The caller owns the *sql.DB.
type Saver struct {
	db *sql.DB
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver creates a saver over db and ensures the schema exists.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("sqlite saver: db is required")
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("sqlite saver: init schema: %w", err)
	}
	return &Saver{db: db}, nil
}

// Get retrieves a checkpoint, or the lineage head without an explicit ID.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint with metadata and writes. The head is the
// row with the greatest ts; an empty lineage returns nil without error.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	var row *sql.Row
	if checkpointID != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT checkpoint, metadata FROM checkpoints
			 WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?`,
			lineageID, ns, checkpointID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT checkpoint, metadata FROM checkpoints
			 WHERE lineage_id = ? AND checkpoint_ns = ?
			 ORDER BY ts DESC LIMIT 1`,
			lineageID, ns)
	}
	tuple, err := s.scanTuple(ctx, lineageID, ns, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if checkpointID != "" {
				return nil, graph.ErrCheckpointNotFound
			}
			return nil, nil
		}
		return nil, err
	}
	return tuple, nil
}

// List returns the lineage's tuples ordered by ts descending.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(config)

	query := `SELECT checkpoint, metadata FROM checkpoints
		WHERE lineage_id = ? AND checkpoint_ns = ?`
	args := []any{lineageID, ns}
	if filter != nil && filter.Before != nil {
		if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
			query += ` AND ts < (SELECT ts FROM checkpoints
				WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?)`
			args = append(args, lineageID, ns, beforeID)
		}
	}
	query += ` ORDER BY ts DESC`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite saver: list: %w", err)
	}
	defer rows.Close()

	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		var ckptJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&ckptJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("sqlite saver: scan: %w", err)
		}
		tuple, err := s.decodeTuple(ctx, lineageID, ns, ckptJSON, metaJSON)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	return tuples, rows.Err()
}

// Put upserts one checkpoint row.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(req.Config)
	if err := s.insertCheckpoint(ctx, s.db, lineageID, ns, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// PutWrites upserts write rows for an explicitly addressed checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return graph.ErrLineageIDAndCheckpointIDRequired
	}
	ns := graph.GetNamespace(req.Config)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite saver: begin: %w", err)
	}
	defer tx.Rollback()
	if err := s.insertWrites(ctx, tx, lineageID, ns, checkpointID, req.TaskID, req.Writes); err != nil {
		return err
	}
	return tx.Commit()
}

// PutFull stores a checkpoint and its writes in a single transaction.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(req.Config)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite saver: begin: %w", err)
	}
	defer tx.Rollback()
	if err := s.insertCheckpoint(ctx, tx, lineageID, ns, req.Checkpoint, req.Metadata); err != nil {
		return nil, err
	}
	taskID := ""
	if len(req.PendingWrites) > 0 {
		taskID = req.PendingWrites[0].TaskID
	}
	if err := s.insertWrites(ctx, tx, lineageID, ns, req.Checkpoint.ID, taskID, req.PendingWrites); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite saver: commit: %w", err)
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// DeleteLineage removes all rows for a lineage in both tables.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDEmpty
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite saver: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_writes WHERE lineage_id = ?`, lineageID); err != nil {
		return fmt.Errorf("sqlite saver: delete writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE lineage_id = ?`, lineageID); err != nil {
		return fmt.Errorf("sqlite saver: delete checkpoints: %w", err)
	}
	return tx.Commit()
}

// Close is a no-op; the *sql.DB belongs to the caller.
func (s *Saver) Close() error {
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Saver) insertCheckpoint(ctx context.Context, ex execer, lineageID, ns string, ckpt *graph.Checkpoint, meta *graph.CheckpointMetadata) error {
	ckptJSON, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("sqlite saver: marshal checkpoint: %w", err)
	}
	var metaJSON []byte
	if meta != nil {
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("sqlite saver: marshal metadata: %w", err)
		}
	}
	_, err = ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints
		 (lineage_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, ts, checkpoint, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lineageID, ns, ckpt.ID, ckpt.ParentCheckpointID,
		ckpt.Timestamp.UnixNano(), string(ckptJSON), string(metaJSON))
	if err != nil {
		return fmt.Errorf("sqlite saver: insert checkpoint: %w", err)
	}
	return nil
}

func (s *Saver) insertWrites(ctx context.Context, ex execer, lineageID, ns, checkpointID, taskID string, writes []graph.PendingWrite) error {
	for i, w := range writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("sqlite saver: marshal write value: %w", err)
		}
		rowTaskID := w.TaskID
		if rowTaskID == "" {
			rowTaskID = taskID
		}
		_, err = ex.ExecContext(ctx,
			`INSERT OR REPLACE INTO checkpoint_writes
			 (lineage_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			lineageID, ns, checkpointID, rowTaskID, i, w.Channel, string(valueJSON), w.Sequence)
		if err != nil {
			return fmt.Errorf("sqlite saver: insert write: %w", err)
		}
	}
	return nil
}

func (s *Saver) scanTuple(ctx context.Context, lineageID, ns string, row *sql.Row) (*graph.CheckpointTuple, error) {
	var ckptJSON string
	var metaJSON sql.NullString
	if err := row.Scan(&ckptJSON, &metaJSON); err != nil {
		return nil, err
	}
	return s.decodeTuple(ctx, lineageID, ns, ckptJSON, metaJSON)
}

func (s *Saver) decodeTuple(ctx context.Context, lineageID, ns, ckptJSON string, metaJSON sql.NullString) (*graph.CheckpointTuple, error) {
	var ckpt graph.Checkpoint
	if err := json.Unmarshal([]byte(ckptJSON), &ckpt); err != nil {
		return nil, fmt.Errorf("sqlite saver: unmarshal checkpoint: %w", err)
	}
	var meta *graph.CheckpointMetadata
	if metaJSON.Valid && metaJSON.String != "" {
		meta = &graph.CheckpointMetadata{}
		if err := json.Unmarshal([]byte(metaJSON.String), meta); err != nil {
			return nil, fmt.Errorf("sqlite saver: unmarshal metadata: %w", err)
		}
	}
	writes, err := s.loadWrites(ctx, lineageID, ns, ckpt.ID)
	if err != nil {
		return nil, err
	}
	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(lineageID, ckpt.ID, ns),
		Checkpoint:    &ckpt,
		Metadata:      meta,
		PendingWrites: writes,
	}
	if ckpt.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, ckpt.ParentCheckpointID, ns)
	}
	return tuple, nil
}

func (s *Saver) loadWrites(ctx context.Context, lineageID, ns, checkpointID string) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, channel, value, sequence FROM checkpoint_writes
		 WHERE lineage_id = ? AND checkpoint_ns = ? AND checkpoint_id = ?
		 ORDER BY task_id, idx`,
		lineageID, ns, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("sqlite saver: load writes: %w", err)
	}
	defer rows.Close()

	var writes []graph.PendingWrite
	for rows.Next() {
		var w graph.PendingWrite
		var valueJSON sql.NullString
		if err := rows.Scan(&w.TaskID, &w.Channel, &valueJSON, &w.Sequence); err != nil {
			return nil, fmt.Errorf("sqlite saver: scan write: %w", err)
		}
		if valueJSON.Valid && valueJSON.String != "" {
			if err := json.Unmarshal([]byte(valueJSON.String), &w.Value); err != nil {
				return nil, fmt.Errorf("sqlite saver: unmarshal write value: %w", err)
			}
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}
