package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AndreMMuniz/agent-multichat/graph"
	"github.com/AndreMMuniz/agent-multichat/graph/checkpoint/inmemory"
	"github.com/AndreMMuniz/agent-multichat/model"
)

func newTestEngine(t *testing.T, m model.Model) (*Engine, *Store) {
	t.Helper()
	store := newTestStore(t)
	engine, err := NewEngine(store, m, &stubRetriever{}, inmemory.NewSaver())
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine, store
}

func TestRunCompletesOrdinaryTurn(t *testing.T) {
	engine, _ := newTestEngine(t, &stubModel{reply: "Temos três planos disponíveis."})
	ctx := context.Background()

	result, err := engine.Run(ctx, "u1", "whatsapp", "quais os planos de vocês?")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.NotZero(t, result.ConversationID)
	require.NotEmpty(t, result.Response)

	// The lineage head is a clean completed checkpoint.
	head, err := engine.Head(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, head.Checkpoint.InterruptState)
	require.Equal(t, []string{graph.End}, head.Checkpoint.NextNodes)
	require.NoError(t, engine.VerifyLineage(ctx, "u1"))
}

func TestRefundRequestPausesForApproval(t *testing.T) {
	// A failing model exercises every fallback and still flags the refund.
	engine, store := newTestEngine(t, &stubModel{err: errors.New("model down")})
	ctx := context.Background()

	result, err := engine.Run(ctx, "u1", "whatsapp", "quero um estorno da última cobrança")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, result.Status)
	require.NotZero(t, result.PendingActionID)
	require.Contains(t, result.Response, "requires approval")

	action, err := store.PendingActionByID(ctx, result.PendingActionID)
	require.NoError(t, err)
	require.Equal(t, ActionStatusPending, action.Status)
	require.Equal(t, "refund", action.ActionType)
	require.Equal(t, ThreadID("u1"), action.ThreadID)

	// The pause survives restarts: a fresh Run on the same lineage reports
	// the interrupt again instead of executing anything.
	again, err := engine.Run(ctx, "u1", "whatsapp", "e aí, aprovou?")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, again.Status)

	approved, err := engine.Approve(ctx, result.PendingActionID, true)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, approved.Status)
	require.Contains(t, approved.Response, "Reembolso processado")

	action, err = store.PendingActionByID(ctx, result.PendingActionID)
	require.NoError(t, err)
	require.Equal(t, ActionStatusApproved, action.Status)
	require.NotNil(t, action.ResolvedAt)

	head, err := engine.Head(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, head.Checkpoint.InterruptState)
}

func TestRejectedActionTellsTheUser(t *testing.T) {
	engine, store := newTestEngine(t, &stubModel{err: errors.New("model down")})
	ctx := context.Background()

	result, err := engine.Run(ctx, "u2", "telegram", "preciso de um reembolso urgente")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, result.Status)

	rejected, err := engine.Approve(ctx, result.PendingActionID, false)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, rejected.Status)
	require.Contains(t, rejected.Response, "rejeitada")
	require.Contains(t, rejected.Response, "suporte telefônico")

	action, err := store.PendingActionByID(ctx, result.PendingActionID)
	require.NoError(t, err)
	require.Equal(t, ActionStatusRejected, action.Status)
}

func TestApproveTwiceFails(t *testing.T) {
	engine, _ := newTestEngine(t, &stubModel{err: errors.New("model down")})
	ctx := context.Background()

	result, err := engine.Run(ctx, "u1", "whatsapp", "quero um estorno")
	require.NoError(t, err)
	require.Equal(t, StatusPendingApproval, result.Status)

	_, err = engine.Approve(ctx, result.PendingActionID, true)
	require.NoError(t, err)

	_, err = engine.Approve(ctx, result.PendingActionID, true)
	require.ErrorIs(t, err, ErrActionResolved)
}

func TestApproveUnknownActionFails(t *testing.T) {
	engine, _ := newTestEngine(t, &stubModel{})
	_, err := engine.Approve(context.Background(), 999, true)
	require.ErrorIs(t, err, ErrActionNotFound)
}

func TestOmnichannelStateIsShared(t *testing.T) {
	engine, _ := newTestEngine(t, &stubModel{reply: "ok"})
	ctx := context.Background()

	first, err := engine.Run(ctx, "u1", "whatsapp", "mensagem pelo whatsapp")
	require.NoError(t, err)
	second, err := engine.Run(ctx, "u1", "email", "mensagem pelo email")
	require.NoError(t, err)

	// Same conversation and same checkpoint lineage regardless of channel.
	require.Equal(t, first.ConversationID, second.ConversationID)
	history, err := engine.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.NoError(t, engine.VerifyLineage(ctx, "u1"))
}

func TestHistoryGrowsAcrossTurns(t *testing.T) {
	engine, _ := newTestEngine(t, &stubModel{reply: "ok"})
	ctx := context.Background()

	_, err := engine.Run(ctx, "u1", "whatsapp", "primeira")
	require.NoError(t, err)
	after1, err := engine.History(ctx, "u1", 0)
	require.NoError(t, err)

	_, err = engine.Run(ctx, "u1", "whatsapp", "segunda")
	require.NoError(t, err)
	after2, err := engine.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Greater(t, len(after2), len(after1))

	// Parent chain stays intact across turns.
	require.NoError(t, engine.VerifyLineage(ctx, "u1"))
}

func TestThreadID(t *testing.T) {
	require.Equal(t, "user_abc", ThreadID("abc"))
}
