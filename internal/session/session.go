package session

import (
	"sync"
	"time"

	"github.com/josmartin007/geoattend/internal/geo"
)

// Status is a participant's attendance state within a live session.
type Status string

const (
	StatusUnmarked Status = "unmarked"
	StatusPresent  Status = "present"
	StatusAbsent   Status = "absent"
)

// ValidFinal reports whether s is a status a teacher may assign manually.
func (s Status) ValidFinal() bool {
	return s == StatusPresent || s == StatusAbsent
}

// Provenance records how a status was assigned.
type Provenance string

const (
	ByNone       Provenance = ""
	ByGeoAuto    Provenance = "geo-auto"
	ByManual     Provenance = "manual"
	ByAutoAbsent Provenance = "auto-absent"
)

// Participant is one roster entry inside a live session.
type Participant struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	RollNumber string     `json:"roll_number"`
	Status     Status     `json:"status"`
	MarkedAt   *time.Time `json:"marked_at,omitempty"`
	MarkedBy   Provenance `json:"marked_by,omitempty"`
}

// Place is the geofence snapshot taken from the location record when the
// session starts. It is not re-read if the location is edited mid-session.
type Place struct {
	LocationID   string  `json:"location_id"`
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Session is one live geofenced attendance window. All roster reads and
// writes go through its mutex; the registry hands out the pointer but the
// roster is never copied out except as a snapshot.
type Session struct {
	ID           string
	TeacherID    string
	SubjectID    string
	DepartmentID string
	Semester     string
	Place        Place
	StartedAt    time.Time

	mu           sync.Mutex
	ended        bool
	participants []*Participant
	index        map[string]*Participant
}

// New builds a live session with every roster entry unmarked. The roster
// is fixed at this point; there are no late joins.
func New(teacherID, subjectID, departmentID, semester string, place Place, roster []RosterEntry, startedAt time.Time) *Session {
	s := &Session{
		TeacherID:    teacherID,
		SubjectID:    subjectID,
		DepartmentID: departmentID,
		Semester:     semester,
		Place:        place,
		StartedAt:    startedAt,
		index:        make(map[string]*Participant, len(roster)),
	}
	for _, r := range roster {
		p := &Participant{
			ID:         r.ID,
			Name:       r.Name,
			RollNumber: r.RollNumber,
			Status:     StatusUnmarked,
		}
		s.participants = append(s.participants, p)
		s.index[p.ID] = p
	}
	return s
}

// CheckinOutcome classifies one geofence evaluation against one session.
type CheckinOutcome int

const (
	CheckinNotMember CheckinOutcome = iota
	CheckinMarked
	CheckinAlready
	CheckinOutOfRange
)

// CheckIn applies the geofence test for a single participant. Only an
// unmarked participant inside the radius transitions, to present with
// geo-auto provenance; any prior status is reported back untouched, so
// repeated reports never double count.
func (s *Session) CheckIn(participantID string, lat, lon float64, now time.Time) (CheckinOutcome, Participant, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return CheckinNotMember, Participant{}, 0
	}
	p, ok := s.index[participantID]
	if !ok {
		return CheckinNotMember, Participant{}, 0
	}
	if p.Status != StatusUnmarked {
		return CheckinAlready, *p, 0
	}

	dist := geo.DistanceMeters(lat, lon, s.Place.Latitude, s.Place.Longitude)
	if dist > s.Place.RadiusMeters {
		return CheckinOutOfRange, *p, dist
	}

	t := now
	p.Status = StatusPresent
	p.MarkedAt = &t
	p.MarkedBy = ByGeoAuto
	return CheckinMarked, *p, dist
}

// MarkManual sets a participant's status directly. It is the only
// transition allowed to overwrite a non-unmarked status, including moving
// present back to absent.
func (s *Session) MarkManual(participantID string, status Status, now time.Time) (Participant, error) {
	if !status.ValidFinal() {
		return Participant{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return Participant{}, ErrNotFound
	}
	p, ok := s.index[participantID]
	if !ok {
		return Participant{}, ErrNotFound
	}

	t := now
	p.Status = status
	p.MarkedAt = &t
	p.MarkedBy = ByManual
	return *p, nil
}

// StatusOf returns the participant's current state, for the student-facing
// active-session listing.
func (s *Session) StatusOf(participantID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return Participant{}, false
	}
	p, ok := s.index[participantID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Ended reports whether the session has been reconciled.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Stats summarizes a roster for the teacher dashboard.
type Stats struct {
	Present  int `json:"present"`
	Absent   int `json:"absent"`
	Unmarked int `json:"unmarked"`
	Total    int `json:"total"`
}

// Snapshot is a point-in-time copy of a session for read-only callers.
// Dashboards poll this; it never aliases live roster memory.
type Snapshot struct {
	ID           string        `json:"id"`
	TeacherID    string        `json:"teacher_id"`
	SubjectID    string        `json:"subject_id"`
	DepartmentID string        `json:"department_id"`
	Semester     string        `json:"semester"`
	Place        Place         `json:"place"`
	StartedAt    time.Time     `json:"started_at"`
	Active       bool          `json:"active"`
	Participants []Participant `json:"participants"`
	Stats        Stats         `json:"stats"`
}

// Snapshot copies the full session state under the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.ID,
		TeacherID:    s.TeacherID,
		SubjectID:    s.SubjectID,
		DepartmentID: s.DepartmentID,
		Semester:     s.Semester,
		Place:        s.Place,
		StartedAt:    s.StartedAt,
		Active:       !s.ended,
		Participants: make([]Participant, 0, len(s.participants)),
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, *p)
		switch p.Status {
		case StatusPresent:
			snap.Stats.Present++
		case StatusAbsent:
			snap.Stats.Absent++
		default:
			snap.Stats.Unmarked++
		}
	}
	snap.Stats.Total = len(s.participants)
	return snap
}

// Reconcile finalizes the roster and hands it to commit while holding the
// session lock, so no geo or manual update can race the committed state.
// Unmarked participants default to absent with auto-absent provenance.
// The in-memory roster is only updated, and the session only marked ended,
// after commit returns nil; on error the session is left exactly as it
// was, so End can be retried.
func (s *Session) Reconcile(now time.Time, commit func(final []Participant) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return ErrNotFound
	}

	final := make([]Participant, len(s.participants))
	for i, p := range s.participants {
		cp := *p
		if cp.Status == StatusUnmarked {
			t := now
			cp.Status = StatusAbsent
			cp.MarkedAt = &t
			cp.MarkedBy = ByAutoAbsent
		}
		final[i] = cp
	}

	if err := commit(final); err != nil {
		return err
	}

	for i, p := range s.participants {
		*p = final[i]
	}
	s.ended = true
	return nil
}
