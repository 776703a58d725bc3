package domain

// ControlAction is the verb carried by a ControlSignal.
type ControlAction string

const (
	ControlActionPause  ControlAction = "pause"
	ControlActionResume ControlAction = "resume"
)

// ControlScopeAll applies a signal to every market the ingester writes.
const ControlScopeAll = "all"

// ControlSignal is a fire-and-forget broadcast message instructing stream
// ingesters to pause or resume writes. Delivery is at-least-once and
// unordered across instances; pause and resume are idempotent so observing
// the same signal twice is harmless. Signals are not persisted.
type ControlSignal struct {
	Action ControlAction `json:"action"`
	Scope  string        `json:"scope"` // market identifier or "all"
}
