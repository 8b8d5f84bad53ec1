package chat

import (
	"context"
	"time"

	"github.com/AndreMMuniz/agent-multichat/graph"
	"github.com/AndreMMuniz/agent-multichat/knowledge"
	"github.com/AndreMMuniz/agent-multichat/log"
	"github.com/AndreMMuniz/agent-multichat/metrics"
	"github.com/AndreMMuniz/agent-multichat/model"
)

// ThreadID derives the checkpoint lineage for a user. One lineage per user
// across every channel, so conversation state is omnichannel.
func ThreadID(userID string) string {
	return "user_" + userID
}

// BuildGraph wires the full pipeline. The layout is a linear flow with two
// conditional branches: the approval detour after detect_critical_action and
// the optional context save after summarize_conversation. Execution always
// pauses before execute_approved_action to wait for the human decision.
func BuildGraph(nodes *Nodes) (*graph.Graph, error) {
	sg := graph.NewStateGraph(NewSchema())
	sg.AddNode(NodeManageHistory, nodes.ManageHistory)
	sg.AddNode(NodeCheckUserProfile, nodes.CheckUserProfile)
	sg.AddNode(NodeLoadUserContext, nodes.LoadUserContext)
	sg.AddNode(NodeClassifyMessage, nodes.ClassifyMessage)
	sg.AddNode(NodeRetrieveKnowledge, nodes.RetrieveKnowledge)
	sg.AddNode(NodeGenerateResponse, nodes.GenerateResponse)
	sg.AddNode(NodeExtractUserInfo, nodes.ExtractUserInfo)
	sg.AddNode(NodeSaveUserProfile, nodes.SaveUserProfile)
	sg.AddNode(NodeDetectCriticalAction, nodes.DetectCriticalAction)
	sg.AddNode(NodeCreatePendingAction, nodes.CreatePendingAction)
	sg.AddNode(NodeExecuteApprovedAction, nodes.ExecuteApprovedAction)
	sg.AddNode(NodeSaveResponse, nodes.SaveResponse)
	sg.AddNode(NodeSummarizeConversation, nodes.SummarizeConversation)
	sg.AddNode(NodeSaveUserContext, nodes.SaveUserContext)

	sg.SetEntryPoint(NodeManageHistory)
	sg.AddEdge(NodeManageHistory, NodeCheckUserProfile)
	sg.AddEdge(NodeCheckUserProfile, NodeLoadUserContext)
	sg.AddEdge(NodeLoadUserContext, NodeClassifyMessage)
	sg.AddEdge(NodeClassifyMessage, NodeRetrieveKnowledge)
	sg.AddEdge(NodeRetrieveKnowledge, NodeGenerateResponse)
	sg.AddEdge(NodeGenerateResponse, NodeExtractUserInfo)
	sg.AddEdge(NodeExtractUserInfo, NodeSaveUserProfile)
	sg.AddEdge(NodeSaveUserProfile, NodeDetectCriticalAction)
	sg.AddConditionalEdges(NodeDetectCriticalAction, RouteCriticalAction, map[string]string{
		routeCreatePending: NodeCreatePendingAction,
		routeSaveResponse:  NodeSaveResponse,
	})
	sg.AddEdge(NodeCreatePendingAction, NodeExecuteApprovedAction)
	sg.AddEdge(NodeExecuteApprovedAction, NodeSaveResponse)
	sg.AddEdge(NodeSaveResponse, NodeSummarizeConversation)
	sg.AddConditionalEdges(NodeSummarizeConversation, RouteSummary, map[string]string{
		routeSaveContext: NodeSaveUserContext,
		routeEnd:         graph.End,
	})
	sg.SetFinishPoint(NodeSaveUserContext)
	sg.WithInterruptBefore(NodeExecuteApprovedAction)
	return sg.Compile()
}

// Result is the engine's answer to one chat turn or approval decision.
type Result struct {
	Status            string `json:"status"`
	Response          string `json:"response,omitempty"`
	ConversationID    int64  `json:"conversation_id,omitempty"`
	Intent            string `json:"intent,omitempty"`
	PendingActionID   int64  `json:"pending_action_id,omitempty"`
	ActionDescription string `json:"action_description,omitempty"`
}

// Result statuses surfaced to API clients.
const (
	StatusCompleted       = "completed"
	StatusPendingApproval = "pending_approval"
)

// Engine drives the pipeline: one Run per incoming message, one Approve per
// human decision on a flagged action.
type Engine struct {
	executor *graph.Executor
	store    *Store
	saver    graph.CheckpointSaver
}

// NewEngine assembles nodes, graph and executor over the given
// collaborators.
func NewEngine(store *Store, m model.Model, retriever knowledge.Retriever, saver graph.CheckpointSaver) (*Engine, error) {
	compiled, err := BuildGraph(NewNodes(store, m, retriever))
	if err != nil {
		return nil, err
	}
	executor, err := graph.NewExecutor(compiled, graph.WithCheckpointSaver(saver))
	if err != nil {
		return nil, err
	}
	return &Engine{executor: executor, store: store, saver: saver}, nil
}

// Store exposes the relational layer for the HTTP API.
func (e *Engine) Store() *Store {
	return e.store
}

// Close releases the executor's resources.
func (e *Engine) Close() {
	e.executor.Close()
}

// Run processes one incoming user message.
func (e *Engine) Run(ctx context.Context, userID, channel, content string) (*Result, error) {
	started := time.Now()
	defer func() { metrics.RunDuration.Observe(time.Since(started).Seconds()) }()
	lineageID := ThreadID(userID)
	input := graph.State{
		KeyCurrentInput: content,
		KeyChannel:      channel,
		KeyUserID:       userID,
		// A fresh turn must not inherit the previous turn's decisions.
		KeyRequiresApproval: false,
		KeyActionApproved:   false,
		KeyResponse:         "",
		KeyExtractedName:    "",
	}
	result, err := e.executor.Run(ctx, lineageID, input)
	if err != nil && !graph.IsInterrupt(err) {
		metrics.RunsTotal.WithLabelValues(string(graph.RunStatusFailed)).Inc()
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()
	return e.toResult(result), nil
}

// Approve resolves a pending action and resumes the paused lineage so the
// agent can tell the user the outcome. The resume happens whether the action
// was approved or rejected.
func (e *Engine) Approve(ctx context.Context, actionID int64, approved bool) (*Result, error) {
	action, err := e.store.PendingActionByID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	status := ActionStatusRejected
	if approved {
		status = ActionStatusApproved
	}
	if err := e.store.ResolvePendingAction(ctx, actionID, status); err != nil {
		return nil, err
	}
	log.Infof("pending action %d %s, resuming thread %s", actionID, status, action.ThreadID)
	metrics.ApprovalsTotal.WithLabelValues(status).Inc()

	result, err := e.executor.Resume(ctx, action.ThreadID, graph.State{
		KeyActionApproved: approved,
	})
	if err != nil && !graph.IsInterrupt(err) {
		metrics.RunsTotal.WithLabelValues(string(graph.RunStatusFailed)).Inc()
		return nil, err
	}
	metrics.RunsTotal.WithLabelValues(string(result.Status)).Inc()
	return e.toResult(result), nil
}

// Head returns the user's latest checkpoint tuple, or nil.
func (e *Engine) Head(ctx context.Context, userID string) (*graph.CheckpointTuple, error) {
	return e.executor.Head(ctx, ThreadID(userID))
}

// History lists the user's checkpoints, most recent first.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]*graph.CheckpointTuple, error) {
	return e.executor.History(ctx, ThreadID(userID), limit)
}

func (e *Engine) toResult(run *graph.RunResult) *Result {
	state := run.State
	if run.Status == graph.RunStatusInterrupted {
		metrics.InterruptsTotal.Inc()
		description := ""
		if pending := stateMap(state, KeyPendingAction); pending != nil {
			description, _ = pending["description"].(string)
		}
		return &Result{
			Status:            StatusPendingApproval,
			Response:          "Action requires approval. Please review and approve/reject.",
			ConversationID:    stateInt64(state, KeyConversationID),
			Intent:            stateString(state, KeyIntent),
			PendingActionID:   stateInt64(state, KeyPendingActionID),
			ActionDescription: description,
		}
	}
	response := stateString(state, KeyResponse)
	if response == "" {
		response = "No response generated."
	}
	return &Result{
		Status:         StatusCompleted,
		Response:       response,
		ConversationID: stateInt64(state, KeyConversationID),
		Intent:         stateString(state, KeyIntent),
	}
}

// VerifyLineage checks a user's checkpoint chain for dangling parents.
func (e *Engine) VerifyLineage(ctx context.Context, userID string) error {
	manager := graph.NewCheckpointManager(e.saver)
	return manager.VerifyLineage(ctx, ThreadID(userID), graph.DefaultCheckpointNamespace)
}
