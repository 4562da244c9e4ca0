// Package status fans out session state changes to interested observers.
//
// Events are published synchronously by the session goroutine (or by the
// session manager on request) through a [Hub]. The hub does not buffer or
// replay: an observer that registers late asks the manager to republish the
// current values.
package status

import (
	"encoding/json"
	"fmt"
)

// EventType classifies status events.
type EventType int

const (
	// EventPortAssigned carries the port the session actually bound.
	EventPortAssigned EventType = iota

	// EventBindError reports whether binding the requested port failed.
	EventBindError

	// EventPermissionDenied reports whether microphone access was refused.
	EventPermissionDenied

	// EventRunningChanged reports that streaming started or stopped.
	EventRunningChanged
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventPortAssigned:
		return "port_assigned"
	case EventBindError:
		return "bind_error"
	case EventPermissionDenied:
		return "permission_denied"
	case EventRunningChanged:
		return "running_changed"
	default:
		return "unknown"
	}
}

// Event is a tagged status change. Port is set for EventPortAssigned; Value
// is set for the three boolean event types.
type Event struct {
	Type  EventType
	Port  int
	Value bool
}

// PortAssigned returns an EventPortAssigned event.
func PortAssigned(port int) Event { return Event{Type: EventPortAssigned, Port: port} }

// BindError returns an EventBindError event.
func BindError(failed bool) Event { return Event{Type: EventBindError, Value: failed} }

// PermissionDenied returns an EventPermissionDenied event.
func PermissionDenied(denied bool) Event { return Event{Type: EventPermissionDenied, Value: denied} }

// RunningChanged returns an EventRunningChanged event.
func RunningChanged(running bool) Event { return Event{Type: EventRunningChanged, Value: running} }

func (e Event) String() string {
	if e.Type == EventPortAssigned {
		return fmt.Sprintf("%s(%d)", e.Type, e.Port)
	}
	return fmt.Sprintf("%s(%t)", e.Type, e.Value)
}

type eventJSON struct {
	Type  string `json:"type"`
	Port  *int   `json:"port,omitempty"`
	Value *bool  `json:"value,omitempty"`
}

// MarshalJSON encodes the event as {"type":..., "port":...} or
// {"type":..., "value":...}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{Type: e.Type.String()}
	if e.Type == EventPortAssigned {
		out.Port = &e.Port
	} else {
		out.Value = &e.Value
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var in eventJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	var ev Event
	switch in.Type {
	case "port_assigned":
		ev.Type = EventPortAssigned
	case "bind_error":
		ev.Type = EventBindError
	case "permission_denied":
		ev.Type = EventPermissionDenied
	case "running_changed":
		ev.Type = EventRunningChanged
	default:
		return fmt.Errorf("status: unknown event type %q", in.Type)
	}
	if in.Port != nil {
		ev.Port = *in.Port
	}
	if in.Value != nil {
		ev.Value = *in.Value
	}
	*e = ev
	return nil
}
