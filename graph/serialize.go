package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Checkpoint payloads are stored as plain JSON documents, one value per
// channel. The schema owns the per-channel type contract: EncodeState
// produces JSON-safe values and RestoreState coerces them back to the
// declared Go types, so a checkpoint written by one process round-trips
// exactly in another.

// EncodeState converts a state into JSON-safe channel values for storage.
// Values are passed through a marshal/unmarshal cycle so the stored form
// never aliases live state.
func EncodeState(state State) (map[string]any, error) {
	values := make(map[string]any, len(state))
	for key, value := range state {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode channel %s: %w", key, err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("encode channel %s: %w", key, err)
		}
		values[key] = generic
	}
	return values, nil
}

// RestoreState rebuilds a State from stored channel values, coercing each
// declared channel to its schema type. Undeclared channels are kept as
// generic JSON values. A checkpoint with an unknown format version is
// rejected.
func RestoreState(schema *StateSchema, ckpt *Checkpoint) (State, error) {
	if ckpt == nil {
		return State{}, nil
	}
	if ckpt.Version != CheckpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d (want %d)",
			ckpt.Version, CheckpointVersion)
	}
	state := make(State, len(ckpt.ChannelValues))
	for key, value := range ckpt.ChannelValues {
		field, declared := schema.Field(key)
		if !declared || field.Type == nil || value == nil {
			state[key] = value
			continue
		}
		coerced, err := coerceValue(value, field.Type)
		if err != nil {
			return nil, fmt.Errorf("restore channel %s: %w", key, err)
		}
		state[key] = coerced
	}
	return state, nil
}

// coerceValue converts a generic JSON value to the target type via a
// marshal/unmarshal cycle. Values already of the target type pass through.
func coerceValue(value any, target reflect.Type) (any, error) {
	if reflect.TypeOf(value) == target {
		return value, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(target)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}
