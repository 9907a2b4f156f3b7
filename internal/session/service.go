package session

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/josmartin007/geoattend/internal/geo"
	"github.com/josmartin007/geoattend/internal/metrics"
	"github.com/josmartin007/geoattend/internal/queue"
)

// Service coordinates the live-session engine: lifecycle, geofence
// evaluation, manual overrides, and end-of-session reconciliation.
type Service struct {
	registry    *Registry
	directory   Directory
	places      Places
	records     RecordStore
	events      queue.Queue
	dedupWindow time.Duration
	now         func() time.Time
}

// NewService wires the engine to its collaborators. events may be nil when
// no transition fan-out is wanted.
func NewService(reg *Registry, dir Directory, places Places, records RecordStore, events queue.Queue, dedupWindow time.Duration) *Service {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &Service{
		registry:    reg,
		directory:   dir,
		places:      places,
		records:     records,
		events:      events,
		dedupWindow: dedupWindow,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start resolves the geofence and the eligible roster, registers a new
// live session, and returns its snapshot.
func (s *Service) Start(ctx context.Context, teacherID, subjectID, locationID, departmentID, semester string) (Snapshot, error) {
	if teacherID == "" || subjectID == "" || locationID == "" {
		return Snapshot{}, ErrInvalidInput
	}

	place, err := s.places.ResolveLocation(ctx, locationID)
	if err != nil {
		return Snapshot{}, err
	}
	roster, err := s.directory.ResolveRoster(ctx, departmentID, semester)
	if err != nil {
		return Snapshot{}, err
	}

	sess := New(teacherID, subjectID, departmentID, semester, place, roster, s.now())
	id := s.registry.Create(sess)

	metrics.SessionsStarted.Inc()
	s.publish(ctx, Event{
		Kind:      EventSessionStarted,
		SessionID: id,
		TeacherID: teacherID,
		SubjectID: subjectID,
		At:        sess.StartedAt,
	})
	log.Printf("session started: %s subject=%s location=%s roster=%d", id, subjectID, locationID, len(roster))
	return sess.Snapshot(), nil
}

// CheckinResult is one session the participant was auto-marked into.
type CheckinResult struct {
	SessionID      string  `json:"session_id"`
	SubjectID      string  `json:"subject_id"`
	SubjectName    string  `json:"subject_name"`
	TeacherName    string  `json:"teacher_name"`
	DistanceMeters float64 `json:"distance_meters"`
}

// AlreadyMarked is one session where the participant's status was set
// before this report arrived. The report does not touch it.
type AlreadyMarked struct {
	SessionID   string     `json:"session_id"`
	SubjectID   string     `json:"subject_id"`
	SubjectName string     `json:"subject_name"`
	TeacherName string     `json:"teacher_name"`
	Status      Status     `json:"status"`
	MarkedBy    Provenance `json:"marked_by"`
}

// EvaluateResult is the outcome of one location report across all live
// sessions. Out-of-range sessions and non-membership produce no entries.
type EvaluateResult struct {
	CheckedIn     []CheckinResult `json:"checked_in"`
	AlreadyMarked []AlreadyMarked `json:"already_marked"`
}

// Evaluate runs one participant's location report against every live
// session whose roster includes them. Re-entrant: only the first in-range
// report per session transitions the participant; later reports come back
// in AlreadyMarked.
func (s *Service) Evaluate(ctx context.Context, participantID string, lat, lon float64) (EvaluateResult, error) {
	if participantID == "" || !geo.ValidCoordinate(lat, lon) {
		return EvaluateResult{}, ErrInvalidInput
	}

	res := EvaluateResult{
		CheckedIn:     []CheckinResult{},
		AlreadyMarked: []AlreadyMarked{},
	}
	now := s.now()

	for _, sess := range s.registry.ListActive() {
		outcome, p, dist := sess.CheckIn(participantID, lat, lon, now)
		switch outcome {
		case CheckinMarked:
			subjectName, teacherName := s.displayNames(ctx, sess)
			res.CheckedIn = append(res.CheckedIn, CheckinResult{
				SessionID:      sess.ID,
				SubjectID:      sess.SubjectID,
				SubjectName:    subjectName,
				TeacherName:    teacherName,
				DistanceMeters: dist,
			})
			metrics.GeoCheckins.Inc()
			s.publish(ctx, Event{
				Kind:          EventGeoCheckin,
				SessionID:     sess.ID,
				SubjectID:     sess.SubjectID,
				ParticipantID: participantID,
				Status:        p.Status,
				MarkedBy:      p.MarkedBy,
				At:            now,
			})
			log.Printf("geo check-in: %s session=%s distance=%.0fm", participantID, sess.ID, dist)
		case CheckinAlready:
			subjectName, teacherName := s.displayNames(ctx, sess)
			res.AlreadyMarked = append(res.AlreadyMarked, AlreadyMarked{
				SessionID:   sess.ID,
				SubjectID:   sess.SubjectID,
				SubjectName: subjectName,
				TeacherName: teacherName,
				Status:      p.Status,
				MarkedBy:    p.MarkedBy,
			})
		}
		// Out of range and non-membership are silent no-ops here; the
		// caller cannot tell them apart through this result on purpose.
	}
	return res, nil
}

// MarkManual sets a participant's status on the presenter's authority,
// overwriting any prior status including a geo-auto present.
func (s *Service) MarkManual(ctx context.Context, sessionID, participantID string, status Status, actorID string) (Participant, error) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return Participant{}, ErrNotFound
	}
	if sess.TeacherID != actorID {
		return Participant{}, ErrUnauthorized
	}

	now := s.now()
	p, err := sess.MarkManual(participantID, status, now)
	if err != nil {
		return Participant{}, err
	}

	metrics.ManualMarks.Inc()
	s.publish(ctx, Event{
		Kind:          EventManualMark,
		SessionID:     sessionID,
		SubjectID:     sess.SubjectID,
		ParticipantID: participantID,
		Status:        p.Status,
		MarkedBy:      p.MarkedBy,
		At:            now,
	})
	log.Printf("manual mark: %s session=%s status=%s", participantID, sessionID, status)
	return p, nil
}

// End reconciles and commits a session. Unmarked participants default to
// absent. The whole roster goes into one transaction with per-record
// duplicate suppression; on any store failure nothing is committed and the
// session stays live so End can be retried. The session leaves the
// registry only after a successful commit.
func (s *Service) End(ctx context.Context, sessionID, actorID string) error {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	if sess.TeacherID != actorID {
		return ErrUnauthorized
	}

	now := s.now()
	committed := 0
	err := sess.Reconcile(now, func(final []Participant) error {
		tx, err := s.records.Begin(ctx)
		if err != nil {
			return &StoreError{Err: err}
		}
		for _, p := range final {
			anchor := sess.StartedAt
			if p.MarkedAt != nil {
				anchor = *p.MarkedAt
			}
			exists, err := tx.FindRecent(ctx, p.ID, sess.SubjectID, sess.Place.LocationID, anchor, s.dedupWindow)
			if err != nil {
				_ = tx.Rollback()
				return &StoreError{Err: err}
			}
			if exists {
				log.Printf("duplicate suppressed: %s session=%s", p.ID, sessionID)
				continue
			}
			rec := Record{
				ID:            uuid.NewString(),
				ParticipantID: p.ID,
				SubjectID:     sess.SubjectID,
				LocationID:    sess.Place.LocationID,
				Status:        p.Status,
				Provenance:    p.MarkedBy,
				RecordedBy:    sess.TeacherID,
				MarkedAt:      anchor,
			}
			if err := tx.Insert(ctx, rec); err != nil {
				_ = tx.Rollback()
				return &StoreError{Err: err}
			}
			committed++
		}
		if err := tx.Commit(); err != nil {
			return &StoreError{Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.registry.Remove(sessionID)
	metrics.SessionsEnded.Inc()
	metrics.RecordsCommitted.Add(float64(committed))
	s.publish(ctx, Event{
		Kind:      EventSessionEnded,
		SessionID: sessionID,
		TeacherID: sess.TeacherID,
		SubjectID: sess.SubjectID,
		Committed: committed,
		At:        now,
	})
	log.Printf("session ended: %s committed=%d", sessionID, committed)
	return nil
}

// Snapshot returns a point-in-time copy of a session for the presenter's
// dashboard. The copy is taken atomically; polling it never blocks writers
// longer than the copy itself.
func (s *Service) Snapshot(sessionID, actorID string) (Snapshot, error) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if sess.TeacherID != actorID {
		return Snapshot{}, ErrUnauthorized
	}
	return sess.Snapshot(), nil
}

// ActiveSession is one live session a participant belongs to, with their
// current state, for the student-facing listing.
type ActiveSession struct {
	SessionID   string     `json:"session_id"`
	SubjectID   string     `json:"subject_id"`
	SubjectName string     `json:"subject_name"`
	TeacherName string     `json:"teacher_name"`
	Place       Place      `json:"place"`
	Status      Status     `json:"status"`
	MarkedAt    *time.Time `json:"marked_at,omitempty"`
	MarkedBy    Provenance `json:"marked_by,omitempty"`
}

// ActiveFor lists every live session whose roster includes the participant.
func (s *Service) ActiveFor(ctx context.Context, participantID string) []ActiveSession {
	var out []ActiveSession
	for _, sess := range s.registry.ListActive() {
		p, ok := sess.StatusOf(participantID)
		if !ok {
			continue
		}
		subjectName, teacherName := s.displayNames(ctx, sess)
		out = append(out, ActiveSession{
			SessionID:   sess.ID,
			SubjectID:   sess.SubjectID,
			SubjectName: subjectName,
			TeacherName: teacherName,
			Place:       sess.Place,
			Status:      p.Status,
			MarkedAt:    p.MarkedAt,
			MarkedBy:    p.MarkedBy,
		})
	}
	return out
}

// displayNames resolves subject and teacher names best-effort; a directory
// hiccup degrades the response text, never the roster state.
func (s *Service) displayNames(ctx context.Context, sess *Session) (string, string) {
	subjectName, teacherName := "Unknown", "Unknown"
	if sub, err := s.directory.ResolveSubject(ctx, sess.SubjectID); err == nil {
		subjectName = sub.Name
	}
	if id, err := s.directory.ResolveIdentity(ctx, sess.TeacherID); err == nil {
		teacherName = id.Name
	}
	return subjectName, teacherName
}

// publish sends a transition event to the queue without ever failing the
// calling operation. The session lock is never held here.
func (s *Service) publish(ctx context.Context, evt Event) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("event marshal failed: %v", err)
		return
	}
	if err := s.events.Publish(ctx, queue.Message{Type: evt.Kind, Body: body}); err != nil {
		log.Printf("event publish failed: %v", err)
	}
}
