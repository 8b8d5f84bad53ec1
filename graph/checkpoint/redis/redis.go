// Package redis provides a checkpoint saver backed by Redis. Checkpoints
// live in a hash per lineage and namespace; a sorted set indexed by creation
// time orders them for head lookups and history listings.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/AndreMMuniz/agent-multichat/graph"
)

const keyPrefix = "checkpoints"

// envelope is the stored form of one checkpoint.
type envelope struct {
	Checkpoint *graph.Checkpoint         `json:"checkpoint"`
	Metadata   *graph.CheckpointMetadata `json:"metadata,omitempty"`
	Writes     []graph.PendingWrite      `json:"writes,omitempty"`
}

// Saver stores checkpoints in Redis. The client is owned by the caller.
type Saver struct {
	client redis.UniversalClient
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver creates a saver over the given client.
func NewSaver(client redis.UniversalClient) *Saver {
	return &Saver{client: client}
}

func dataKey(lineageID, ns string) string {
	return fmt.Sprintf("%s:{%s}:%s", keyPrefix, lineageID, ns)
}

func indexKey(lineageID, ns string) string {
	return dataKey(lineageID, ns) + ":ts"
}

func namespacesKey(lineageID string) string {
	return fmt.Sprintf("%s:{%s}:namespaces", keyPrefix, lineageID)
}

// Get retrieves a checkpoint, or the lineage head without an explicit ID.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple. The head is the highest-scored
// member of the time index; an empty lineage returns nil without error.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	if checkpointID == "" {
		ids, err := s.client.ZRevRange(ctx, indexKey(lineageID, ns), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("redis saver: head lookup: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		checkpointID = ids[0]
	}
	raw, err := s.client.HGet(ctx, dataKey(lineageID, ns), checkpointID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, graph.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("redis saver: get: %w", err)
	}
	return decodeTuple(lineageID, ns, raw)
}

// List returns tuples ordered newest first via the time index.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(config)

	ids, err := s.client.ZRevRange(ctx, indexKey(lineageID, ns), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis saver: list index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var beforeID string
	if filter != nil && filter.Before != nil {
		beforeID = graph.GetCheckpointID(filter.Before)
	}
	skipping := beforeID != ""
	var tuples []*graph.CheckpointTuple
	for _, id := range ids {
		if skipping {
			if id == beforeID {
				skipping = false
			}
			continue
		}
		raw, err := s.client.HGet(ctx, dataKey(lineageID, ns), id).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis saver: list get: %w", err)
		}
		tuple, err := decodeTuple(lineageID, ns, raw)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

// Put upserts one checkpoint.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(req.Config)
	if err := s.store(ctx, lineageID, ns, req.Checkpoint, req.Metadata, nil); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// PutWrites upserts writes on an explicitly addressed checkpoint. Entries
// sharing a (TaskID, Sequence) key replace stored ones, so retries are safe.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return graph.ErrLineageIDAndCheckpointIDRequired
	}
	ns := graph.GetNamespace(req.Config)

	raw, err := s.client.HGet(ctx, dataKey(lineageID, ns), checkpointID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return graph.ErrCheckpointNotFound
		}
		return fmt.Errorf("redis saver: put_writes get: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("redis saver: decode envelope: %w", err)
	}
	env.Writes = graph.MergePendingWrites(env.Writes, req.Writes)
	encoded, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("redis saver: encode envelope: %w", err)
	}
	if err := s.client.HSet(ctx, dataKey(lineageID, ns), checkpointID, string(encoded)).Err(); err != nil {
		return fmt.Errorf("redis saver: put_writes set: %w", err)
	}
	return nil
}

// PutFull stores a checkpoint with its writes in one pipelined transaction.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(req.Config)
	if err := s.store(ctx, lineageID, ns, req.Checkpoint, req.Metadata, req.PendingWrites); err != nil {
		return nil, err
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// DeleteLineage removes all keys for a lineage across its namespaces.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDEmpty
	}
	namespaces, err := s.client.SMembers(ctx, namespacesKey(lineageID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis saver: namespaces: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, ns := range namespaces {
		pipe.Del(ctx, dataKey(lineageID, ns), indexKey(lineageID, ns))
	}
	pipe.Del(ctx, namespacesKey(lineageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis saver: delete lineage: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Saver) Close() error {
	return nil
}

func (s *Saver) store(ctx context.Context, lineageID, ns string, ckpt *graph.Checkpoint, meta *graph.CheckpointMetadata, writes []graph.PendingWrite) error {
	encoded, err := json.Marshal(&envelope{Checkpoint: ckpt, Metadata: meta, Writes: writes})
	if err != nil {
		return fmt.Errorf("redis saver: encode envelope: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dataKey(lineageID, ns), ckpt.ID, string(encoded))
	pipe.ZAdd(ctx, indexKey(lineageID, ns), redis.Z{
		Score:  float64(ckpt.Timestamp.UnixNano()),
		Member: ckpt.ID,
	})
	pipe.SAdd(ctx, namespacesKey(lineageID), ns)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis saver: store: %w", err)
	}
	return nil
}

func decodeTuple(lineageID, ns, raw string) (*graph.CheckpointTuple, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("redis saver: decode envelope: %w", err)
	}
	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(lineageID, env.Checkpoint.ID, ns),
		Checkpoint:    env.Checkpoint,
		Metadata:      env.Metadata,
		PendingWrites: env.Writes,
	}
	if env.Checkpoint.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, env.Checkpoint.ParentCheckpointID, ns)
	}
	return tuple, nil
}
