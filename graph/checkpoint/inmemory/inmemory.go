// Package inmemory provides a checkpoint saver backed by process memory.
// It is intended for tests and single-process development setups.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/AndreMMuniz/agent-multichat/graph"
)

type record struct {
	checkpoint *graph.Checkpoint
	metadata   *graph.CheckpointMetadata
	writes     []graph.PendingWrite
}

// Saver stores checkpoints in nested maps keyed by lineage, namespace and
// checkpoint ID.
type Saver struct {
	mu sync.RWMutex
	// lineage -> namespace -> checkpoint ID -> record
	records map[string]map[string]map[string]*record
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{records: make(map[string]map[string]map[string]*record)}
}

// Get retrieves a checkpoint. Without an explicit checkpoint ID it returns
// the lineage head, or nil when the lineage is empty.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple. An explicitly addressed checkpoint
// that does not exist is an error; an empty lineage head lookup is not.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.records[lineageID][ns]
	if checkpointID != "" {
		rec, ok := byID[checkpointID]
		if !ok {
			return nil, graph.ErrCheckpointNotFound
		}
		return s.tuple(lineageID, ns, rec), nil
	}
	head := latest(byID)
	if head == nil {
		return nil, nil
	}
	return s.tuple(lineageID, ns, head), nil
}

// List returns the lineage's tuples, most recent first.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(config)

	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.records[lineageID][ns]
	recs := make([]*record, 0, len(byID))
	for _, rec := range byID {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].checkpoint.Timestamp.After(recs[j].checkpoint.Timestamp)
	})

	var beforeID string
	if filter != nil && filter.Before != nil {
		beforeID = graph.GetCheckpointID(filter.Before)
	}
	tuples := make([]*graph.CheckpointTuple, 0, len(recs))
	skipping := beforeID != ""
	for _, rec := range recs {
		if skipping {
			if rec.checkpoint.ID == beforeID {
				skipping = false
			}
			continue
		}
		tuples = append(tuples, s.tuple(lineageID, ns, rec))
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

// Put upserts a checkpoint.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(req.Config)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(lineageID, ns, req.Checkpoint, req.Metadata, nil)
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// PutWrites attaches writes to an explicitly addressed checkpoint. A missing
// checkpoint ID is an error; writes are never attached to an implicit head.
// Entries sharing a (TaskID, Sequence) key replace stored ones.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return graph.ErrLineageIDAndCheckpointIDRequired
	}
	ns := graph.GetNamespace(req.Config)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[lineageID][ns][checkpointID]
	if !ok {
		return graph.ErrCheckpointNotFound
	}
	rec.writes = graph.MergePendingWrites(rec.writes, req.Writes)
	return nil
}

// PutFull stores a checkpoint and its writes in one critical section.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ns := graph.GetNamespace(req.Config)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(lineageID, ns, req.Checkpoint, req.Metadata, req.PendingWrites)
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// DeleteLineage removes everything stored for a lineage across namespaces.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, lineageID)
	return nil
}

// Close is a no-op for the in-memory saver.
func (s *Saver) Close() error {
	return nil
}

func (s *Saver) upsert(lineageID, ns string, ckpt *graph.Checkpoint, meta *graph.CheckpointMetadata, writes []graph.PendingWrite) {
	byNS, ok := s.records[lineageID]
	if !ok {
		byNS = make(map[string]map[string]*record)
		s.records[lineageID] = byNS
	}
	byID, ok := byNS[ns]
	if !ok {
		byID = make(map[string]*record)
		byNS[ns] = byID
	}
	stored := make([]graph.PendingWrite, len(writes))
	copy(stored, writes)
	byID[ckpt.ID] = &record{
		checkpoint: ckpt.Copy(),
		metadata:   meta,
		writes:     stored,
	}
}

func (s *Saver) tuple(lineageID, ns string, rec *record) *graph.CheckpointTuple {
	ckpt := rec.checkpoint.Copy()
	writes := make([]graph.PendingWrite, len(rec.writes))
	copy(writes, rec.writes)
	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(lineageID, ckpt.ID, ns),
		Checkpoint:    ckpt,
		Metadata:      rec.metadata,
		PendingWrites: writes,
	}
	if ckpt.ParentCheckpointID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, ckpt.ParentCheckpointID, ns)
	}
	return tuple
}

func latest(byID map[string]*record) *record {
	var head *record
	for _, rec := range byID {
		if head == nil || rec.checkpoint.Timestamp.After(head.checkpoint.Timestamp) {
			head = rec
		}
	}
	return head
}
