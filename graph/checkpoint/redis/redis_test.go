package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/AndreMMuniz/agent-multichat/graph"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSaver(client)
}

func put(t *testing.T, s *Saver, lineageID, parent string, ts time.Time) *graph.Checkpoint {
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

func TestHeadAndExplicitLookup(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	base := time.Now().UTC()

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.Nil(t, tuple)

	first := put(t, s, "l1", "", base)
	second := put(t, s, "l1", first.ID, base.Add(time.Second))

	head, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.Equal(t, second.ID, head.Checkpoint.ID)
	require.Equal(t, first.ID, graph.GetCheckpointID(head.ParentConfig))

	_, err = s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "missing", ""))
	require.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestListNewestFirst(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	base := time.Now().UTC()
	a := put(t, s, "l1", "", base)
	b := put(t, s, "l1", a.ID, base.Add(time.Second))
	c := put(t, s, "l1", b.ID, base.Add(2*time.Second))

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
	s := newTestSaver(t)
	ctx := context.Background()
	ckpt := put(t, s, "l1", "", time.Now().UTC())

	err := s.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("l1", "", ""),
		Writes: []graph.PendingWrite{{TaskID: "t", Channel: "x", Value: float64(1)}},
	})
	require.ErrorIs(t, err, graph.ErrLineageIDAndCheckpointIDRequired)

	err = s.PutWrites(ctx, graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("l1", ckpt.ID, ""),
		Writes: []graph.PendingWrite{{TaskID: "t", Channel: "x", Value: float64(1)}},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", ckpt.ID, ""))
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
}

func TestPutWritesRetryIsIdempotent(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	ckpt := put(t, s, "l1", "", time.Now().UTC())
	cfg := graph.CreateCheckpointConfig("l1", ckpt.ID, "")

	write := graph.PendingWrite{TaskID: "t1", Channel: "x", Value: float64(1), Sequence: 0}
	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg,
		Writes: []graph.PendingWrite{write}}))

	// Replaying the same (TaskID, Sequence) write replaces the stored row.
	write.Value = float64(2)
	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg,
		Writes: []graph.PendingWrite{write}}))

	tuple, err := s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 1)
	require.Equal(t, float64(2), tuple.PendingWrites[0].Value)

	require.NoError(t, s.PutWrites(ctx, graph.PutWritesRequest{Config: cfg,
		Writes: []graph.PendingWrite{{TaskID: "t1", Channel: "y", Value: float64(3), Sequence: 1}}}))
	tuple, err = s.GetTuple(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
}

func TestPutFullStoresEnvelope(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	ckpt := graph.NewCheckpoint(map[string]any{"k": "v"})
	ckpt.InterruptState = &graph.InterruptState{NodeID: "gate", Step: 2}
	_, err := s.PutFull(ctx, graph.PutFullRequest{
		Config:     graph.CreateCheckpointConfig("l1", ckpt.ID, ""),
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceInterrupt, 2),
		PendingWrites: []graph.PendingWrite{
			{TaskID: "t", Channel: "a", Value: "one", Sequence: 0},
		},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.Equal(t, "gate", tuple.Checkpoint.InterruptState.NodeID)
	require.Len(t, tuple.PendingWrites, 1)
	require.Equal(t, 2, tuple.Metadata.Step)
}

func TestDeleteLineage(t *testing.T) {
	s := newTestSaver(t)
	ctx := context.Background()
	put(t, s, "l1", "", time.Now().UTC())
	put(t, s, "l2", "", time.Now().UTC())

	require.NoError(t, s.DeleteLineage(ctx, "l1"))

	tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.Nil(t, tuple)

	tuple, err = s.GetTuple(ctx, graph.CreateCheckpointConfig("l2", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
}
