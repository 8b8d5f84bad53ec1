package graph

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AndreMMuniz/agent-multichat/model"
)

func TestStateClone(t *testing.T) {
	original := State{"a": 1, "b": "two"}
	clone := original.Clone()
	clone["a"] = 99
	require.Equal(t, 1, original["a"])
	require.Equal(t, "two", clone["b"])
}

func TestApplyUpdateReducers(t *testing.T) {
	schema := NewStateSchema().
		AddField("counter", StateField{Type: reflect.TypeOf(0)}).
		AddField("messages", StateField{
			Type:    reflect.TypeOf([]model.Message{}),
			Reducer: MessageReducer,
			Default: func() any { return []model.Message{} },
		})

	state := schema.ApplyUpdate(State{}, State{
		"counter":  1,
		"messages": []model.Message{model.NewUserMessage("hello")},
	})
	state = schema.ApplyUpdate(state, State{
		"counter":  2,
		"messages": []model.Message{model.NewAssistantMessage("hi there")},
	})

	require.Equal(t, 2, state["counter"])
	msgs := state["messages"].([]model.Message)
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)
}

func TestApplyUpdateUndeclaredChannelOverwrites(t *testing.T) {
	schema := NewStateSchema()
	state := schema.ApplyUpdate(State{"x": 1}, State{"x": 2})
	require.Equal(t, 2, state["x"])
}

func TestApplyUpdateDoesNotMutateInputs(t *testing.T) {
	schema := NewStateSchema().
		AddField("tags", StateField{Reducer: StringSliceReducer})
	current := State{"tags": []string{"a"}}
	_ = schema.ApplyUpdate(current, State{"tags": []string{"b"}})
	require.Equal(t, []string{"a"}, current["tags"])
}

func TestValidate(t *testing.T) {
	schema := NewStateSchema().
		AddField("name", StateField{Type: reflect.TypeOf(""), Required: true})

	require.Error(t, schema.Validate(State{}))
	require.Error(t, schema.Validate(State{"name": 42}))
	require.NoError(t, schema.Validate(State{"name": "ok"}))
}

func TestMergeReducer(t *testing.T) {
	merged := MergeReducer(
		map[string]any{"a": 1, "b": 2},
		map[string]any{"b": 3, "c": 4},
	).(map[string]any)
	require.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, merged)
}

func TestAppendReducerTypeMismatchFallsBackToUpdate(t *testing.T) {
	out := AppendReducer("not a slice", []any{1})
	require.Equal(t, []any{1}, out)
}
