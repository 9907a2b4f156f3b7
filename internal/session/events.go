package session

import "time"

// Event kinds published to the transition queue for the audit worker.
const (
	EventSessionStarted = "session_started"
	EventGeoCheckin     = "geo_checkin"
	EventManualMark     = "manual_mark"
	EventSessionEnded   = "session_ended"
)

// Event describes one lifecycle or status transition. Delivery is
// best-effort; a dropped event never affects roster state.
type Event struct {
	Kind          string     `json:"kind"`
	SessionID     string     `json:"session_id"`
	TeacherID     string     `json:"teacher_id,omitempty"`
	SubjectID     string     `json:"subject_id,omitempty"`
	ParticipantID string     `json:"participant_id,omitempty"`
	Status        Status     `json:"status,omitempty"`
	MarkedBy      Provenance `json:"marked_by,omitempty"`
	Committed     int        `json:"committed,omitempty"`
	At            time.Time  `json:"at"`
}
