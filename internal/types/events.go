package types

import "time"

// EventType names a notable, non-fatal occurrence in the pipeline.
type EventType string

const (
	EventStateChanged     EventType = "StateChanged"
	EventQueueDrop        EventType = "QueueDrop"
	EventDetectorSkipped  EventType = "DetectorSkipped"
	EventDetectorTimeout  EventType = "DetectorTimeout"
	EventDetectorRejected EventType = "DetectorRejected"
	EventLateResult       EventType = "LateResult"
	EventStageDrop        EventType = "StageDrop"
	EventStageTimeout     EventType = "StageTimeout"
	EventSinkDrop         EventType = "SinkDrop"
	EventFaceRetired      EventType = "FaceRetired"
)

// Event is emitted on the controller's event channel. Fields that do not
// apply to a given type are left zero.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Sequence  uint64
	Stage     string
	State     string
	Interval  *FaceInterval
	Err       error
}
