package graph

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AndreMMuniz/agent-multichat/model"
)

func TestEncodeRestoreRoundTrip(t *testing.T) {
	schema := NewStateSchema().
		AddField("count", StateField{Type: reflect.TypeOf(int64(0))}).
		AddField("name", StateField{Type: reflect.TypeOf("")}).
		AddField("flag", StateField{Type: reflect.TypeOf(false)}).
		AddField("meta", StateField{Type: reflect.TypeOf(map[string]any{})}).
		AddField("messages", StateField{
			Type:    reflect.TypeOf([]model.Message{}),
			Reducer: MessageReducer,
		})

	state := State{
		"count": int64(7),
		"name":  "ana",
		"flag":  true,
		"meta":  map[string]any{"k": "v"},
		"messages": []model.Message{
			model.NewUserMessage("oi"),
			model.NewAssistantMessage("olá"),
		},
	}

	values, err := EncodeState(state)
	require.NoError(t, err)

	ckpt := NewCheckpoint(values)
	restored, err := RestoreState(schema, ckpt)
	require.NoError(t, err)

	require.Equal(t, int64(7), restored["count"])
	require.Equal(t, "ana", restored["name"])
	require.Equal(t, true, restored["flag"])
	require.Equal(t, map[string]any{"k": "v"}, restored["meta"])
	msgs := restored["messages"].([]model.Message)
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "olá", msgs[1].Content)
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	ckpt := NewCheckpoint(map[string]any{"x": 1})
	ckpt.Version = 99
	_, err := RestoreState(NewStateSchema(), ckpt)
	require.Error(t, err)
}

func TestRestoreKeepsUndeclaredChannelsGeneric(t *testing.T) {
	ckpt := NewCheckpoint(map[string]any{"extra": "stuff"})
	restored, err := RestoreState(NewStateSchema(), ckpt)
	require.NoError(t, err)
	require.Equal(t, "stuff", restored["extra"])
}

func TestEncodeStateDoesNotAliasInput(t *testing.T) {
	state := State{"meta": map[string]any{"k": "v"}}
	values, err := EncodeState(state)
	require.NoError(t, err)
	values["meta"].(map[string]any)["k"] = "changed"
	require.Equal(t, "v", state["meta"].(map[string]any)["k"])
}
