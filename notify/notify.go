// Package notify defines the notification-type capability Charon's server
// and client sides share: a pure function from a full JSON state to its
// identifier value, plus a sentinel identifier meaning "never matches".
//
// Two concrete types ship with this package, mirroring the two notification
// types the original Charon server/client registered: state (the identifier
// is the state value itself) and pending (the identifier is the state's
// integer version field).
package notify

import (
	"encoding/json"
	"fmt"
)

// Type extracts a comparable state identifier from a notification's full
// JSON state. Implementations must be pure: the same state always yields an
// equal identifier, so the waiter loop and Client.WaitForChange can dedup on
// it. An identifier may be a decoded JSON object or array, so both compare
// identifiers by value rather than with ==.
type Type interface {
	// ExtractStateID returns the identifier for the given state value.
	ExtractStateID(state json.RawMessage) (interface{}, error)

	// AlwaysBlockID returns the sentinel identifier that never compares equal
	// to any real extracted identifier, used by callers with no known prior
	// state to force a wait.
	AlwaysBlockID() interface{}
}

// alwaysBlock is a private type so no caller-supplied identifier can ever
// collide with the sentinel by accident.
type alwaysBlock struct{}

// stateType implements the "state" notification: the identifier is the raw
// JSON value itself, compared as its decoded Go representation (typically a
// string, e.g. a block hash).
type stateType struct{}

// State is the "state" notification type: the identifier is the state value
// itself.
var State Type = stateType{}

func (stateType) ExtractStateID(state json.RawMessage) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(state, &v); err != nil {
		return nil, fmt.Errorf("notify: state is not valid JSON: %w", err)
	}
	return v, nil
}

func (stateType) AlwaysBlockID() interface{} {
	return alwaysBlock{}
}

// pendingType implements the "pending" notification: the identifier is the
// integer version field of the state object.
type pendingType struct{}

// Pending is the "pending" notification type: the identifier is the state
// object's integer "version" field.
var Pending Type = pendingType{}

func (pendingType) ExtractStateID(state json.RawMessage) (interface{}, error) {
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(state, &v); err != nil {
		return nil, fmt.Errorf("notify: pending state is not valid JSON: %w", err)
	}
	return v.Version, nil
}

func (pendingType) AlwaysBlockID() interface{} {
	return alwaysBlock{}
}

// ByName resolves the two built-in notification types by their type names,
// "state" and "pending". The CLI binaries register their notifications
// under the names "waitforchange" and "waitforpendingchange" instead.
func ByName(name string) (Type, bool) {
	switch name {
	case "state":
		return State, true
	case "pending":
		return Pending, true
	default:
		return nil, false
	}
}
