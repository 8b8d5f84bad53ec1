package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AndreMMuniz/agent-multichat/graph"
)

func putCheckpoint(t *testing.T, s *Saver, lineageID string, parent string, ts time.Time) *graph.Checkpoint {
	t.Helper()
	ckpt := graph.NewCheckpoint(map[string]any{"k": "v"})
	ckpt.Timestamp = ts
	ckpt.ParentCheckpointID = parent
	_, err := s.Put(context.Background(), graph.PutRequest{
		Config:     graph.CreateCheckpointConfig(lineageID, ckpt.ID, ""),
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 0),
	})
	require.NoError(t, err)
	return ckpt
}

func TestGetTupleHeadAndExplicit(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	base := time.Now().UTC()

	// Empty lineage head lookup is not an error.
	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.Nil(t, tuple)

	first := putCheckpoint(t, s, "l1", "", base)
	second := putCheckpoint(t, s, "l1", first.ID, base.Add(time.Second))

	head, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.Equal(t, second.ID, head.Checkpoint.ID)
	require.Equal(t, first.ID, graph.GetCheckpointID(head.ParentConfig))

	explicit, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", first.ID, ""))
	require.NoError(t, err)
	require.Equal(t, first.ID, explicit.Checkpoint.ID)

	_, err = s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "missing", ""))
	require.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestListOrderAndFilter(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	base := time.Now().UTC()

	a := putCheckpoint(t, s, "l1", "", base)
	b := putCheckpoint(t, s, "l1", a.ID, base.Add(time.Second))
	c := putCheckpoint(t, s, "l1", b.ID, base.Add(2*time.Second))

	tuples, err := s.List(ctx, graph.CreateCheckpointConfig("l1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	require.Equal(t, c.ID, tuples[0].Checkpoint.ID)
	require.Equal(t, a.ID, tuples[2].Checkpoint.ID)

	limited, err := s.List(ctx, graph.CreateCheckpointConfig("l1", "", ""),
		&graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)

	before, err := s.List(ctx, graph.CreateCheckpointConfig("l1", "", ""),
		&graph.CheckpointFilter{Before: graph.CreateCheckpointConfig("l1", c.ID, "")})
	require.NoError(t, err)
	require.Len(t, before, 2)
	require.Equal(t, b.ID, before[0].Checkpoint.ID)
}

func TestPutWritesRequiresExplicitCheckpointID(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	ckpt := putCheckpoint(t, s, "l1", "", time.Now().UTC())

	err := s.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("l1", "", ""),
		Writes: []graph.PendingWrite{{Channel: "x", Value: 1}},
	})
	require.ErrorIs(t, err, graph.ErrLineageIDAndCheckpointIDRequired)

	err = s.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("l1", ckpt.ID, ""),
		Writes: []graph.PendingWrite{{TaskID: "t1", Channel: "x", Value: 1}},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", ckpt.ID, ""))
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	require.Equal(t, "x", tuple.PendingWrites[0].Channel)
}

func TestPutWritesRetryIsIdempotent(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	ckpt := putCheckpoint(t, s, "l1", "", time.Now().UTC())
	cfg := graph.CreateCheckpointConfig("l1", ckpt.ID, "")

	write := graph.PendingWrite{TaskID: "t1", Channel: "x", Value: 1, Sequence: 0}
	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg,
		Writes: []graph.PendingWrite{write}}))

	// A crash-retry replays the same write; the stored row is replaced, not
	// duplicated, and the latest value wins.
	write.Value = 2
	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg,
		Writes: []graph.PendingWrite{write}}))

	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	require.Equal(t, 2, tuple.PendingWrites[0].Value)

	// A different sequence under the same task is a distinct write.
	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg,
		Writes: []graph.PendingWrite{{TaskID: "t1", Channel: "y", Value: 3, Sequence: 1}}}))
	tuple, err = s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
}

func TestPutFullStoresWritesWithCheckpoint(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	ckpt := graph.NewCheckpoint(map[string]any{"k": "v"})
	_, err := s.PutFull(ctx, graph.PutFullRequest{
		Config:     graph.CreateCheckpointConfig("l1", ckpt.ID, ""),
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, 1),
		PendingWrites: []graph.PendingWrite{
			{TaskID: "t1", Channel: "a", Value: 1, Sequence: 0},
			{TaskID: "t1", Channel: "b", Value: 2, Sequence: 1},
		},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", ckpt.ID, ""))
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	require.Equal(t, 1, tuple.Metadata.Step)
}

func TestDeleteLineage(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	putCheckpoint(t, s, "l1", "", time.Now().UTC())
	putCheckpoint(t, s, "l2", "", time.Now().UTC())

	require.NoError(t, s.DeleteLineage(ctx, "l1"))

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.Nil(t, tuple)

	tuple, err = s.GetTuple(ctx, graph.CreateCheckpointConfig("l2", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
}

func TestStoredCheckpointIsIsolatedFromCaller(t *testing.T) {
	s := NewSaver()
	ctx := context.Background()
	ckpt := putCheckpoint(t, s, "l1", "", time.Now().UTC())
	ckpt.ChannelValues["k"] = "mutated"

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", ckpt.ID, ""))
	require.NoError(t, err)
	require.Equal(t, "v", tuple.Checkpoint.ChannelValues["k"])
}
