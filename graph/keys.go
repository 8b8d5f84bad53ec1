package graph

// Configuration map keys. Checkpoint addressing travels as a nested map so
// savers and callers share one wire shape:
//
//	{"configurable": {"lineage_id": ..., "checkpoint_ns": ..., "checkpoint_id": ...}}
const (
	// CfgKeyConfigurable is the top-level key holding addressing fields.
	CfgKeyConfigurable = "configurable"
	// CfgKeyLineageID identifies the conversation lineage (thread).
	CfgKeyLineageID = "lineage_id"
	// CfgKeyCheckpointNS is the checkpoint namespace within a lineage.
	CfgKeyCheckpointNS = "checkpoint_ns"
	// CfgKeyCheckpointID addresses one specific checkpoint.
	CfgKeyCheckpointID = "checkpoint_id"
)
