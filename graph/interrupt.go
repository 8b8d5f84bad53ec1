package graph

import (
	"errors"
	"fmt"
)

// InterruptError signals that execution paused before a flagged node. The
// run is not a failure: a checkpoint naming the paused node was committed
// and the lineage can be resumed.
type InterruptError struct {
	// NodeID is the node execution paused before.
	NodeID string
	// CheckpointID addresses the committed interrupt checkpoint.
	CheckpointID string
	// Step is the step number the pause happened at.
	Step int
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("execution interrupted before node %s at step %d", e.NodeID, e.Step)
}

// IsInterrupt reports whether err is an interrupt marker.
func IsInterrupt(err error) bool {
	var interrupt *InterruptError
	return errors.As(err, &interrupt)
}
