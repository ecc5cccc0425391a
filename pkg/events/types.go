package events

import "encoding/json"

// Event names.
const (
	CalibrationPhase = "calibration.phase"
	DispenseStarted  = "dispense.started"
	DispenseFinished = "dispense.finished"
	ChannelFault     = "channel.fault"
	CleanUpcoming    = "clean.upcoming"
	CleanSkipped     = "clean.skipped"
)

// Event is one message on the hub, sent to SSE clients as-is.
type Event struct {
	ID   uint64          // monotonically increasing per hub
	Name string          // SSE event name
	Data json.RawMessage // JSON payload
}

// CalibrationPhaseEvent is the payload of calibration.phase.
type CalibrationPhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Channel int    `json:"channel"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// OperationEvent is the payload of dispense.started and dispense.finished.
// Kind is "dispense", "test" or "clean".
type OperationEvent struct {
	JobID     string   `json:"jobId"`
	Kind      string   `json:"kind"`
	Recipe    string   `json:"recipe,omitempty"`
	Channels  []int    `json:"channels"`
	Completed []int    `json:"completed,omitempty"`
	Faulted   []int    `json:"faulted,omitempty"`
	Dropped   []string `json:"dropped,omitempty"`
	Ts        int64    `json:"ts"`
}

// ChannelFaultEvent is the payload of channel.fault.
type ChannelFaultEvent struct {
	JobID   string `json:"jobId"`
	Channel int    `json:"channel"`
	Line    int    `json:"line"`
	Error   string `json:"error"`
	Ts      int64  `json:"ts"`
}

// ScheduleEvent is the payload of clean.upcoming and clean.skipped.
type ScheduleEvent struct {
	RunAt   int64  `json:"runAt"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs unmarshals the event payload into T. An empty payload yields the
// zero value.
//
//	payload, err := events.DecodeAs[events.OperationEvent](ev)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
