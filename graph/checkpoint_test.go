package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointConfigHelpers(t *testing.T) {
	cfg := CreateCheckpointConfig("lineage-1", "ckpt-1", "ns")
	require.Equal(t, "lineage-1", GetLineageID(cfg))
	require.Equal(t, "ckpt-1", GetCheckpointID(cfg))
	require.Equal(t, "ns", GetNamespace(cfg))

	headCfg := CreateCheckpointConfig("lineage-1", "", "")
	require.Empty(t, GetCheckpointID(headCfg))
	require.Empty(t, GetNamespace(headCfg))

	require.Empty(t, GetLineageID(nil))
	require.Empty(t, GetLineageID(map[string]any{"configurable": "bogus"}))
}

func TestNewCheckpoint(t *testing.T) {
	ckpt := NewCheckpoint(map[string]any{"a": 1})
	require.Equal(t, CheckpointVersion, ckpt.Version)
	require.NotEmpty(t, ckpt.ID)
	require.False(t, ckpt.Timestamp.IsZero())

	other := NewCheckpoint(nil)
	require.NotEqual(t, ckpt.ID, other.ID)
	require.NotNil(t, other.ChannelValues)
}

func TestCheckpointCopy(t *testing.T) {
	ckpt := NewCheckpoint(map[string]any{"a": 1})
	ckpt.InterruptState = &InterruptState{NodeID: "n", Step: 3}
	ckpt.NextNodes = []string{"n"}

	dup := ckpt.Copy()
	dup.ChannelValues["a"] = 2
	dup.InterruptState.NodeID = "other"
	dup.NextNodes[0] = "other"

	require.Equal(t, 1, ckpt.ChannelValues["a"])
	require.Equal(t, "n", ckpt.InterruptState.NodeID)
	require.Equal(t, []string{"n"}, ckpt.NextNodes)
}

func TestMergePendingWrites(t *testing.T) {
	stored := []PendingWrite{
		{TaskID: "t1", Channel: "a", Value: 1, Sequence: 0},
		{TaskID: "t1", Channel: "b", Value: 2, Sequence: 1},
	}

	// Same (TaskID, Sequence) replaces in place; new keys append.
	merged := MergePendingWrites(stored, []PendingWrite{
		{TaskID: "t1", Channel: "a", Value: 9, Sequence: 0},
		{TaskID: "t2", Channel: "a", Value: 3, Sequence: 0},
	})
	require.Len(t, merged, 3)
	require.Equal(t, 9, merged[0].Value)
	require.Equal(t, 2, merged[1].Value)
	require.Equal(t, "t2", merged[2].TaskID)
}

// listStub serves canned tuples for manager tests.
type listStub struct {
	CheckpointSaver
	tuples []*CheckpointTuple
}

func (s *listStub) List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error) {
	return s.tuples, nil
}

func TestVerifyLineage(t *testing.T) {
	a := NewCheckpoint(nil)
	b := NewCheckpoint(nil)
	b.ParentCheckpointID = a.ID

	intact := &listStub{tuples: []*CheckpointTuple{
		{Checkpoint: b}, {Checkpoint: a},
	}}
	manager := NewCheckpointManager(intact)
	require.NoError(t, manager.VerifyLineage(context.Background(), "lineage-1", ""))

	orphan := NewCheckpoint(nil)
	orphan.ParentCheckpointID = "missing"
	corrupted := &listStub{tuples: []*CheckpointTuple{{Checkpoint: orphan}}}
	manager = NewCheckpointManager(corrupted)
	err := manager.VerifyLineage(context.Background(), "lineage-1", "")
	require.ErrorIs(t, err, ErrLineageCorrupted)
}
