package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for checkpoint addressing and lineage integrity.
var (
	ErrLineageIDRequired                = errors.New("lineage_id is required")
	ErrLineageIDEmpty                   = errors.New("lineage_id cannot be empty")
	ErrLineageIDAndCheckpointIDRequired = errors.New("lineage_id and checkpoint_id are required")
	ErrCheckpointNotFound               = errors.New("checkpoint not found")
	ErrLineageCorrupted                 = errors.New("lineage corrupted: dangling parent checkpoint reference")
	ErrMaxStepsExceeded                 = errors.New("maximum execution steps exceeded")
	ErrNotInterrupted                   = errors.New("lineage head is not an interrupted checkpoint")
)

// ConfigError reports an invalid graph definition or routing configuration.
// It is raised at compile time for dangling references and at run time when a
// routing function returns a label absent from its path map.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return "graph configuration error: " + e.Detail
}

// NewConfigError creates a ConfigError with a formatted detail message.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Detail: fmt.Sprintf(format, args...)}
}

// NodeError reports a failure inside a node body. The run aborts but the last
// committed checkpoint remains valid, so the lineage is resumable from there.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// PersistenceError reports a checkpoint store failure. In-memory progress for
// the current call is discarded; the store keeps whatever was last committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
