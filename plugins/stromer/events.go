package stromer

import "time"

// EventKind is one of the edge-triggered bike events.
type EventKind string

const (
	EventActivatedTheft   EventKind = "theft_activated"
	EventUnlocked         EventKind = "bike_unlocked"
	EventBatteryLow       EventKind = "battery_low"
	EventBatteryHealthLow EventKind = "battery_health_low"
)

// Event is raised on a qualifying transition between two snapshots. Value
// carries the new level for the battery events.
type Event struct {
	Kind   EventKind `json:"event"`
	BikeID string    `json:"bike_id"`
	Value  float64   `json:"value,omitempty"`
	At     time.Time `json:"at"`
}

// Matches applies a consumer's threshold filter: battery events match when
// the threshold is at or above the reported level; other events always match.
func (e Event) Matches(threshold float64) bool {
	switch e.Kind {
	case EventBatteryLow, EventBatteryHealthLow:
		return threshold >= e.Value
	default:
		return true
	}
}

// Diff lists the events implied by moving from prev to next.
func Diff(prev, next Snapshot) []Event {
	var events []Event

	wasTheft, _ := prev.Bool(Theft)
	if theft, ok := next.Bool(Theft); ok && theft && !wasTheft {
		events = append(events, Event{Kind: EventActivatedTheft})
	}

	if wasLocked, ok := prev.Bool(Locked); ok && wasLocked {
		if locked, ok := next.Bool(Locked); ok && !locked {
			events = append(events, Event{Kind: EventUnlocked})
		}
	}

	if e, ok := decreased(prev, next, Battery, EventBatteryLow); ok {
		events = append(events, e)
	}
	if e, ok := decreased(prev, next, BatteryHealth, EventBatteryHealthLow); ok {
		events = append(events, e)
	}
	return events
}

func decreased(prev, next Snapshot, c Capability, kind EventKind) (Event, bool) {
	before, ok := prev.Float(c)
	if !ok {
		return Event{}, false
	}
	after, ok := next.Float(c)
	if !ok || after >= before {
		return Event{}, false
	}
	return Event{Kind: kind, Value: after}, true
}

// Sink receives everything a reconciler publishes about its bike.
type Sink interface {
	Emit(event Event)
	SnapshotChanged(bike BikeIdentity, snapshot Snapshot)
	AvailabilityChanged(bike BikeIdentity, state AvailabilityState, reason string)
}

// Sinks fans out to several sinks in order.
type Sinks []Sink

func (s Sinks) Emit(event Event) {
	for _, sink := range s {
		sink.Emit(event)
	}
}

func (s Sinks) SnapshotChanged(bike BikeIdentity, snapshot Snapshot) {
	for _, sink := range s {
		sink.SnapshotChanged(bike, snapshot)
	}
}

func (s Sinks) AvailabilityChanged(bike BikeIdentity, state AvailabilityState, reason string) {
	for _, sink := range s {
		sink.AvailabilityChanged(bike, state, reason)
	}
}
