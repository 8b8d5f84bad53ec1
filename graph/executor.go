package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AndreMMuniz/agent-multichat/log"
	"github.com/AndreMMuniz/agent-multichat/telemetry/trace"
)

const (
	defaultMaxSteps       = 25
	defaultWorkerPoolSize = 64
)

// RunStatus is the terminal status of one Run or Resume call.
type RunStatus string

const (
	// RunStatusCompleted means the graph reached End.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusInterrupted means execution paused before a flagged node.
	RunStatusInterrupted RunStatus = "interrupted"
	// RunStatusFailed means the run aborted; the last committed checkpoint
	// remains resumable.
	RunStatusFailed RunStatus = "failed"
)

// RunResult reports the outcome of a Run or Resume call.
type RunResult struct {
	Status       RunStatus
	State        State
	PausedNode   string
	LineageID    string
	CheckpointID string
}

// Executor walks a compiled graph one node at a time, committing a
// checkpoint after every node. Runs on the same lineage are serialized; node
// bodies execute on a bounded shared worker pool so one lineage's blocking
// I/O cannot starve others.
type Executor struct {
	graph    *Graph
	saver    CheckpointSaver
	maxSteps int
	pool     *ants.Pool
	locks    sync.Map
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCheckpointSaver sets the checkpoint store. Without one the executor
// refuses to run: durability is the point.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(e *Executor) { e.saver = saver }
}

// WithMaxSteps bounds the number of node executions per call.
func WithMaxSteps(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithWorkerPoolSize sets the shared pool capacity for node bodies.
func WithWorkerPoolSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			poolSize := n
			e.pool, _ = ants.NewPool(poolSize)
		}
	}
}

// NewExecutor creates an executor over a compiled graph.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, NewConfigError("graph is required")
	}
	e := &Executor{graph: g, maxSteps: defaultMaxSteps}
	for _, opt := range opts {
		opt(e)
	}
	if e.saver == nil {
		return nil, NewConfigError("checkpoint saver is required")
	}
	if e.pool == nil {
		pool, err := ants.NewPool(defaultWorkerPoolSize)
		if err != nil {
			return nil, err
		}
		e.pool = pool
	}
	return e, nil
}

// Close releases the worker pool. The saver is owned by the caller.
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.Release()
	}
}

func (e *Executor) lineageLock(lineageID string) *sync.Mutex {
	lock, _ := e.locks.LoadOrStore(lineageID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Run executes the graph for a lineage. A fresh lineage starts at the entry
// point; a completed lineage starts a new turn at the entry point on top of
// the head checkpoint's state. A pause returns the interrupted result
// together with an *InterruptError; callers distinguish it from a failure
// with IsInterrupt. Calling Run on an already interrupted lineage reports the
// pause again without executing anything; only Resume moves past it.
func (e *Executor) Run(ctx context.Context, lineageID string, input State) (*RunResult, error) {
	if lineageID == "" {
		return nil, ErrLineageIDEmpty
	}
	lock := e.lineageLock(lineageID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := trace.Tracer.Start(ctx, "graph.run")
	defer span.End()
	span.SetAttributes(attribute.String("graph.lineage_id", lineageID))

	head, err := e.headTuple(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	state, err := e.restoredState(head)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		state = e.graph.Schema().ApplyUpdate(state, input)
	}

	var startNode string
	var parentID string
	step := 0
	switch {
	case head == nil:
		startNode = e.graph.EntryPoint()
	case head.Checkpoint.InterruptState != nil:
		interrupt := head.Checkpoint.InterruptState
		return &RunResult{
				Status:       RunStatusInterrupted,
				State:        state,
				PausedNode:   interrupt.NodeID,
				LineageID:    lineageID,
				CheckpointID: head.Checkpoint.ID,
			}, &InterruptError{
				NodeID:       interrupt.NodeID,
				CheckpointID: head.Checkpoint.ID,
				Step:         interrupt.Step,
			}
	default:
		parentID = head.Checkpoint.ID
		if head.Metadata != nil {
			step = head.Metadata.Step + 1
		}
		startNode = e.graph.EntryPoint()
		if len(head.Checkpoint.NextNodes) > 0 && head.Checkpoint.NextNodes[0] != End {
			startNode = head.Checkpoint.NextNodes[0]
		}
	}
	return e.loop(ctx, lineageID, state, startNode, parentID, step, "")
}

// Resume continues an interrupted lineage. The patch is merged through the
// schema reducers before the paused node executes; the interrupt grant is
// consumed exactly once. A later pause in the same walk surfaces as an
// *InterruptError again, like Run.
func (e *Executor) Resume(ctx context.Context, lineageID string, patch State) (*RunResult, error) {
	if lineageID == "" {
		return nil, ErrLineageIDEmpty
	}
	lock := e.lineageLock(lineageID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := trace.Tracer.Start(ctx, "graph.resume")
	defer span.End()
	span.SetAttributes(attribute.String("graph.lineage_id", lineageID))

	head, err := e.headTuple(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	if head == nil || head.Checkpoint.InterruptState == nil {
		return nil, ErrNotInterrupted
	}
	state, err := e.restoredState(head)
	if err != nil {
		return nil, err
	}
	if len(patch) > 0 {
		state = e.graph.Schema().ApplyUpdate(state, patch)
	}
	interrupt := head.Checkpoint.InterruptState
	return e.loop(ctx, lineageID, state, interrupt.NodeID, head.Checkpoint.ID, interrupt.Step, interrupt.NodeID)
}

// loop walks nodes from startNode, committing one checkpoint per node.
// resumeGrant names a node allowed through its interrupt gate exactly once.
func (e *Executor) loop(
	ctx context.Context,
	lineageID string,
	state State,
	startNode string,
	parentID string,
	step int,
	resumeGrant string,
) (*RunResult, error) {
	current := startNode
	executed := 0
	for current != End {
		if executed >= e.maxSteps {
			return &RunResult{
				Status:       RunStatusFailed,
				State:        state,
				LineageID:    lineageID,
				CheckpointID: parentID,
			}, ErrMaxStepsExceeded
		}
		node, ok := e.graph.Node(current)
		if !ok {
			return nil, NewConfigError("checkpoint names unknown node %s", current)
		}

		if e.graph.InterruptBefore(current) && current != resumeGrant {
			ckptID, err := e.commitInterrupt(ctx, lineageID, state, current, parentID, step)
			if err != nil {
				return nil, err
			}
			log.Infof("graph run interrupted: lineage=%s node=%s", lineageID, current)
			return &RunResult{
					Status:       RunStatusInterrupted,
					State:        state,
					PausedNode:   current,
					LineageID:    lineageID,
					CheckpointID: ckptID,
				}, &InterruptError{
					NodeID:       current,
					CheckpointID: ckptID,
					Step:         step,
				}
		}
		resumeGrant = ""

		update, err := e.executeNode(ctx, node, state)
		if err != nil {
			log.Errorf("graph node failed: lineage=%s node=%s err=%v", lineageID, current, err)
			return &RunResult{
				Status:       RunStatusFailed,
				State:        state,
				LineageID:    lineageID,
				CheckpointID: parentID,
			}, err
		}
		if update != nil {
			state = e.graph.Schema().ApplyUpdate(state, update)
		}

		next, err := e.graph.NextNode(ctx, current, state)
		if err != nil {
			return &RunResult{
				Status:       RunStatusFailed,
				State:        state,
				LineageID:    lineageID,
				CheckpointID: parentID,
			}, err
		}

		ckptID, err := e.commitStep(ctx, lineageID, state, update, parentID, next, step)
		if err != nil {
			return nil, err
		}
		parentID = ckptID
		current = next
		step++
		executed++
	}
	return &RunResult{
		Status:       RunStatusCompleted,
		State:        state,
		LineageID:    lineageID,
		CheckpointID: parentID,
	}, nil
}

// executeNode runs a node body on the shared pool and waits for it.
func (e *Executor) executeNode(ctx context.Context, node *Node, state State) (State, error) {
	ctx, span := trace.Tracer.Start(ctx, "graph.node")
	defer span.End()
	span.SetAttributes(attribute.String("graph.node_id", node.ID))

	type outcome struct {
		update State
		err    error
	}
	done := make(chan outcome, 1)
	snapshot := state.Clone()
	submitErr := e.pool.Submit(func() {
		update, err := node.Function(ctx, snapshot)
		done <- outcome{update: update, err: err}
	})
	if submitErr != nil {
		return nil, &NodeError{NodeID: node.ID, Err: submitErr}
	}
	result := <-done
	if result.err != nil {
		return nil, &NodeError{NodeID: node.ID, Err: result.err}
	}
	return result.update, nil
}

// commitStep stores the post-node checkpoint and the node's writes in one
// atomic commit.
func (e *Executor) commitStep(
	ctx context.Context,
	lineageID string,
	state State,
	update State,
	parentID string,
	next string,
	step int,
) (string, error) {
	values, err := EncodeState(state)
	if err != nil {
		return "", &PersistenceError{Op: "encode", Err: err}
	}
	ckpt := NewCheckpoint(values)
	ckpt.ParentCheckpointID = parentID
	ckpt.NextNodes = []string{next}
	source := CheckpointSourceLoop
	if parentID == "" {
		source = CheckpointSourceInput
	}

	taskID := uuid.New().String()
	channels := make([]string, 0, len(update))
	for channel := range update {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	ckpt.UpdatedChannels = channels
	writes := make([]PendingWrite, 0, len(channels))
	for i, channel := range channels {
		writes = append(writes, PendingWrite{
			TaskID:   taskID,
			Channel:  channel,
			Value:    values[channel],
			Sequence: int64(i),
		})
	}

	cfg := CreateCheckpointConfig(lineageID, ckpt.ID, DefaultCheckpointNamespace)
	_, err = e.saver.PutFull(ctx, PutFullRequest{
		Config:        cfg,
		Checkpoint:    ckpt,
		Metadata:      NewCheckpointMetadata(source, step),
		PendingWrites: writes,
	})
	if err != nil {
		return "", &PersistenceError{Op: "put_full", Err: err}
	}
	return ckpt.ID, nil
}

// commitInterrupt stores a checkpoint marking the pause before nodeID.
func (e *Executor) commitInterrupt(
	ctx context.Context,
	lineageID string,
	state State,
	nodeID string,
	parentID string,
	step int,
) (string, error) {
	values, err := EncodeState(state)
	if err != nil {
		return "", &PersistenceError{Op: "encode", Err: err}
	}
	ckpt := NewCheckpoint(values)
	ckpt.ParentCheckpointID = parentID
	ckpt.NextNodes = []string{nodeID}
	ckpt.InterruptState = &InterruptState{
		NodeID: nodeID,
		TaskID: uuid.New().String(),
		Step:   step,
	}
	cfg := CreateCheckpointConfig(lineageID, ckpt.ID, DefaultCheckpointNamespace)
	_, err = e.saver.Put(ctx, PutRequest{
		Config:     cfg,
		Checkpoint: ckpt,
		Metadata:   NewCheckpointMetadata(CheckpointSourceInterrupt, step),
	})
	if err != nil {
		return "", &PersistenceError{Op: "put", Err: err}
	}
	return ckpt.ID, nil
}

// Head returns the lineage's most recent checkpoint tuple, or nil.
func (e *Executor) Head(ctx context.Context, lineageID string) (*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDEmpty
	}
	return e.headTuple(ctx, lineageID)
}

// History lists the lineage's checkpoints, most recent first.
func (e *Executor) History(ctx context.Context, lineageID string, limit int) ([]*CheckpointTuple, error) {
	if lineageID == "" {
		return nil, ErrLineageIDEmpty
	}
	cfg := CreateCheckpointConfig(lineageID, "", DefaultCheckpointNamespace)
	var filter *CheckpointFilter
	if limit > 0 {
		filter = &CheckpointFilter{Limit: limit}
	}
	tuples, err := e.saver.List(ctx, cfg, filter)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return tuples, nil
}

func (e *Executor) headTuple(ctx context.Context, lineageID string) (*CheckpointTuple, error) {
	cfg := CreateCheckpointConfig(lineageID, "", DefaultCheckpointNamespace)
	tuple, err := e.saver.GetTuple(ctx, cfg)
	if err != nil {
		return nil, &PersistenceError{Op: "get_tuple", Err: err}
	}
	return tuple, nil
}

func (e *Executor) restoredState(head *CheckpointTuple) (State, error) {
	if head == nil {
		return State{}, nil
	}
	state, err := RestoreState(e.graph.Schema(), head.Checkpoint)
	if err != nil {
		return nil, &PersistenceError{Op: "restore", Err: err}
	}
	return state, nil
}
