package chat

import (
	"reflect"

	"github.com/AndreMMuniz/agent-multichat/graph"
	"github.com/AndreMMuniz/agent-multichat/model"
)

// State channel names. The schema below is the closed channel set of the
// pipeline; every node reads and writes through these keys.
const (
	KeyMessages            = "messages"
	KeyCurrentInput        = "current_input"
	KeyChannel             = "channel"
	KeyUserID              = "user_id"
	KeyConversationID      = "conversation_id"
	KeyIntent              = "intent"
	KeyResponse            = "response"
	KeyRetrievedContext    = "retrieved_context"
	KeyUserContext         = "user_context"
	KeyShouldSummarize     = "should_summarize"
	KeyConversationSummary = "conversation_summary"
	KeyRequiresApproval    = "requires_approval"
	KeyPendingAction       = "pending_action"
	KeyPendingActionID     = "pending_action_id"
	KeyActionApproved      = "action_approved"
	KeyUserProfile         = "user_profile"
	KeyIsFirstContact      = "is_first_contact"
	KeyHasName             = "has_name"
	KeyExtractedName       = "extracted_name"
	KeyProfileUpdated      = "profile_updated"
)

// NewSchema declares the pipeline's state channels. Messages accumulate
// across nodes; everything else is overwritten by the last writer.
func NewSchema() *graph.StateSchema {
	schema := graph.NewStateSchema()
	schema.AddField(KeyMessages, graph.StateField{
		Type:    reflect.TypeOf([]model.Message{}),
		Reducer: graph.MessageReducer,
		Default: func() any { return []model.Message{} },
	})
	for _, key := range []string{
		KeyCurrentInput, KeyChannel, KeyUserID, KeyIntent, KeyResponse,
		KeyRetrievedContext, KeyUserContext, KeyConversationSummary,
		KeyExtractedName,
	} {
		schema.AddField(key, graph.StateField{
			Type:    reflect.TypeOf(""),
			Reducer: graph.OverwriteReducer,
		})
	}
	for _, key := range []string{
		KeyShouldSummarize, KeyRequiresApproval, KeyActionApproved,
		KeyIsFirstContact, KeyHasName, KeyProfileUpdated,
	} {
		schema.AddField(key, graph.StateField{
			Type:    reflect.TypeOf(false),
			Reducer: graph.OverwriteReducer,
		})
	}
	for _, key := range []string{KeyConversationID, KeyPendingActionID} {
		schema.AddField(key, graph.StateField{
			Type:    reflect.TypeOf(int64(0)),
			Reducer: graph.OverwriteReducer,
		})
	}
	for _, key := range []string{KeyPendingAction, KeyUserProfile} {
		schema.AddField(key, graph.StateField{
			Type:    reflect.TypeOf(map[string]any{}),
			Reducer: graph.OverwriteReducer,
		})
	}
	return schema
}

// String state accessors tolerate missing keys so nodes read defensively.

func stateString(s graph.State, key string) string {
	v, _ := s[key].(string)
	return v
}

func stateBool(s graph.State, key string) bool {
	v, _ := s[key].(bool)
	return v
}

func stateInt64(s graph.State, key string) int64 {
	switch v := s[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func stateMessages(s graph.State) []model.Message {
	v, _ := s[KeyMessages].([]model.Message)
	return v
}

func stateMap(s graph.State, key string) map[string]any {
	v, _ := s[key].(map[string]any)
	return v
}
