package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	// Savers reject payloads with a different version on restore.
	CheckpointVersion = 1

	// Checkpoint sources recorded in metadata.
	CheckpointSourceInput     = "input"
	CheckpointSourceLoop      = "loop"
	CheckpointSourceInterrupt = "interrupt"

	// DefaultCheckpointNamespace is the namespace used when callers do not
	// set one.
	DefaultCheckpointNamespace = ""
)

// Checkpoint is a snapshot of graph state after one node committed.
type Checkpoint struct {
	// Version is the checkpoint format version.
	Version int `json:"v"`
	// ID uniquely identifies this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created (UTC).
	Timestamp time.Time `json:"ts"`
	// ChannelValues holds the serialized state channels.
	ChannelValues map[string]any `json:"channel_values"`
	// ParentCheckpointID links to the checkpoint this one was derived from.
	// Empty for the first checkpoint of a lineage.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// UpdatedChannels lists the channels the committing node wrote.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// InterruptState is set when execution paused before a node.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
	// NextNodes names the nodes to execute when this checkpoint is resumed.
	NextNodes []string `json:"next_nodes,omitempty"`
}

// InterruptState records where execution paused.
type InterruptState struct {
	// NodeID is the node whose execution was deferred.
	NodeID string `json:"node_id"`
	// TaskID identifies the paused task.
	TaskID string `json:"task_id"`
	// Step is the step number at which the pause happened.
	Step int `json:"step"`
}

// CheckpointMetadata describes how and when a checkpoint was produced.
type CheckpointMetadata struct {
	// Source is one of the CheckpointSource constants.
	Source string `json:"source"`
	// Step counts committed steps within the lineage (-1 for input).
	Step int `json:"step"`
	// Extra holds additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// CheckpointTuple bundles a checkpoint with its addressing config, metadata
// and the writes committed alongside it.
type CheckpointTuple struct {
	Config        map[string]any      `json:"config"`
	Checkpoint    *Checkpoint         `json:"checkpoint"`
	Metadata      *CheckpointMetadata `json:"metadata"`
	ParentConfig  map[string]any      `json:"parent_config,omitempty"`
	PendingWrites []PendingWrite      `json:"pending_writes,omitempty"`
}

// PendingWrite is one channel write recorded against a checkpoint.
type PendingWrite struct {
	// TaskID is the task (node execution) that produced the write.
	TaskID string `json:"task_id"`
	// Channel is the state channel written.
	Channel string `json:"channel"`
	// Value is the written value.
	Value any `json:"value"`
	// Sequence orders writes deterministically within a task.
	Sequence int64 `json:"sequence"`
}

// MergePendingWrites folds incoming writes into existing ones. A write whose
// (TaskID, Sequence) key is already present replaces the stored entry, so a
// retried PutWrites call never duplicates rows.
func MergePendingWrites(existing, incoming []PendingWrite) []PendingWrite {
	merged := existing
	for _, w := range incoming {
		replaced := false
		for i := range merged {
			if merged[i].TaskID == w.TaskID && merged[i].Sequence == w.Sequence {
				merged[i] = w
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, w)
		}
	}
	return merged
}

// PutRequest carries a checkpoint to store.
type PutRequest struct {
	Config     map[string]any
	Checkpoint *Checkpoint
	Metadata   *CheckpointMetadata
}

// PutWritesRequest carries writes to attach to an existing checkpoint. The
// config must address the checkpoint explicitly; there is no head fallback.
type PutWritesRequest struct {
	Config map[string]any
	Writes []PendingWrite
	TaskID string
}

// PutFullRequest stores a checkpoint and its writes in one atomic commit.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	PendingWrites []PendingWrite
}

// CheckpointFilter restricts List results.
type CheckpointFilter struct {
	// Before limits results to checkpoints created before the one the
	// config addresses.
	Before map[string]any
	// Limit caps the number of returned tuples (0 means no cap).
	Limit int
}

// CheckpointSaver is the storage contract for checkpoints. Implementations
// must treat Put as an upsert on (lineage_id, namespace, checkpoint_id) and
// must make PutFull atomic.
type CheckpointSaver interface {
	// Get retrieves the checkpoint the config addresses, or the lineage
	// head when no checkpoint ID is set.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves the checkpoint together with metadata and writes.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List returns tuples for a lineage, most recent first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns the config addressing it.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores writes for an explicitly addressed checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull stores a checkpoint with its writes atomically.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteLineage removes every checkpoint and write for a lineage.
	DeleteLineage(ctx context.Context, lineageID string) error
	// Close releases resources held by the saver.
	Close() error
}

// NewCheckpoint creates a checkpoint with a fresh ID and timestamp.
func NewCheckpoint(channelValues map[string]any) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	return &Checkpoint{
		Version:       CheckpointVersion,
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		ChannelValues: channelValues,
	}
}

// NewCheckpointMetadata creates metadata for a checkpoint.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{Source: source, Step: step, Extra: make(map[string]any)}
}

// Copy returns a deep copy of the checkpoint. Channel values are copied one
// level deep; nested values are shared, which is safe because restored state
// is never mutated in place.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	values := make(map[string]any, len(c.ChannelValues))
	for k, v := range c.ChannelValues {
		values[k] = v
	}
	updated := make([]string, len(c.UpdatedChannels))
	copy(updated, c.UpdatedChannels)
	next := make([]string, len(c.NextNodes))
	copy(next, c.NextNodes)
	var interrupt *InterruptState
	if c.InterruptState != nil {
		is := *c.InterruptState
		interrupt = &is
	}
	return &Checkpoint{
		Version:            c.Version,
		ID:                 c.ID,
		Timestamp:          c.Timestamp,
		ChannelValues:      values,
		ParentCheckpointID: c.ParentCheckpointID,
		UpdatedChannels:    updated,
		InterruptState:     interrupt,
		NextNodes:          next,
	}
}

// CreateCheckpointConfig builds an addressing config map.
func CreateCheckpointConfig(lineageID, checkpointID, namespace string) map[string]any {
	configurable := map[string]any{
		CfgKeyLineageID:    lineageID,
		CfgKeyCheckpointNS: namespace,
	}
	if checkpointID != "" {
		configurable[CfgKeyCheckpointID] = checkpointID
	}
	return map[string]any{CfgKeyConfigurable: configurable}
}

// GetLineageID extracts the lineage ID from a config map.
func GetLineageID(config map[string]any) string {
	return getConfigString(config, CfgKeyLineageID)
}

// GetCheckpointID extracts the checkpoint ID from a config map.
func GetCheckpointID(config map[string]any) string {
	return getConfigString(config, CfgKeyCheckpointID)
}

// GetNamespace extracts the checkpoint namespace from a config map.
func GetNamespace(config map[string]any) string {
	return getConfigString(config, CfgKeyCheckpointNS)
}

func getConfigString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return ""
	}
	value, _ := configurable[key].(string)
	return value
}

// CheckpointManager wraps a saver with lineage-level operations.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a manager over the given saver.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Saver returns the underlying saver.
func (m *CheckpointManager) Saver() CheckpointSaver {
	return m.saver
}

// Latest returns the head tuple of a lineage, or nil when the lineage has no
// checkpoints yet.
func (m *CheckpointManager) Latest(ctx context.Context, lineageID, namespace string) (*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDEmpty
	}
	cfg := CreateCheckpointConfig(lineageID, "", namespace)
	tuple, err := m.saver.GetTuple(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return tuple, nil
}

// History lists the lineage's checkpoints, most recent first.
func (m *CheckpointManager) History(ctx context.Context, lineageID, namespace string, limit int) ([]*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDEmpty
	}
	cfg := CreateCheckpointConfig(lineageID, "", namespace)
	var filter *CheckpointFilter
	if limit > 0 {
		filter = &CheckpointFilter{Limit: limit}
	}
	return m.saver.List(ctx, cfg, filter)
}

// VerifyLineage walks parent pointers from the head and reports corruption
// when a parent reference cannot be resolved. A missing parent is an
// integrity fault, not a cache miss.
func (m *CheckpointManager) VerifyLineage(ctx context.Context, lineageID, namespace string) error {
	if lineageID == "" {
		return ErrLineageIDEmpty
	}
	tuples, err := m.saver.List(ctx, CreateCheckpointConfig(lineageID, "", namespace), nil)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(tuples))
	for _, t := range tuples {
		known[t.Checkpoint.ID] = true
	}
	for _, t := range tuples {
		parent := t.Checkpoint.ParentCheckpointID
		if parent != "" && !known[parent] {
			return fmt.Errorf("%w: checkpoint %s references parent %s",
				ErrLineageCorrupted, t.Checkpoint.ID, parent)
		}
	}
	return nil
}

// DeleteLineage removes all stored data for a lineage.
func (m *CheckpointManager) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return ErrLineageIDEmpty
	}
	return m.saver.DeleteLineage(ctx, lineageID)
}
