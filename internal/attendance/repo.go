// Package attendance is the durable record store. The session reconciler
// is the only writer of session-derived records; dashboards and history
// endpoints read from here.
package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/josmartin007/geoattend/internal/session"
)

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Begin opens one atomic commit transaction. Implements session.RecordStore.
func (r *Repository) Begin(ctx context.Context) (session.RecordTx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &recordTx{tx: tx}, nil
}

type recordTx struct {
	tx *sql.Tx
}

// FindRecent reports whether a record already exists for the participant,
// subject, and location on anchor's date within the window around anchor.
// This is the duplicate-suppression check; it runs inside the same
// transaction as the inserts it guards.
func (t *recordTx) FindRecent(ctx context.Context, participantID, subjectID, locationID string, anchor time.Time, window time.Duration) (bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id FROM attendance_records
		WHERE student_id = $1
		  AND subject_id = $2
		  AND class_id = $3
		  AND marked_at::date = ($4::timestamptz)::date
		  AND ABS(EXTRACT(EPOCH FROM (marked_at - $4::timestamptz))) < $5
		LIMIT 1
	`, participantID, subjectID, locationID, anchor, window.Seconds())
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Insert writes one final roster record.
func (t *recordTx) Insert(ctx context.Context, rec session.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, student_id, subject_id, class_id, status, provenance, recorded_by, marked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.ParticipantID, rec.SubjectID, rec.LocationID, string(rec.Status), string(rec.Provenance), rec.RecordedBy, rec.MarkedAt)
	return err
}

func (t *recordTx) Commit() error   { return t.tx.Commit() }
func (t *recordTx) Rollback() error { return t.tx.Rollback() }

// RecordRow is one committed record joined with display names.
type RecordRow struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name"`
	RollNumber  string    `json:"roll_number"`
	SubjectID   string    `json:"subject_id"`
	SubjectName string    `json:"subject_name"`
	Status      string    `json:"status"`
	Provenance  string    `json:"provenance"`
	MarkedAt    time.Time `json:"marked_at"`
}

// StudentHistory returns a student's committed records, newest first.
func (r *Repository) StudentHistory(ctx context.Context, studentID string, limit, offset int) ([]RecordRow, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.student_id, u.name, u.roll_number, a.subject_id, s.name, a.status, a.provenance, a.marked_at
		FROM attendance_records a
		JOIN users u ON a.student_id = u.id
		JOIN subjects s ON a.subject_id = s.id
		WHERE a.student_id = $1
		ORDER BY a.marked_at DESC
		LIMIT $2 OFFSET $3
	`, studentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordRows(rows)
}

// TeacherRecords returns records the teacher recorded, with optional
// subject and date filters.
func (r *Repository) TeacherRecords(ctx context.Context, teacherID, subjectID string, date *time.Time, limit, offset int) ([]RecordRow, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT a.id, a.student_id, u.name, u.roll_number, a.subject_id, s.name, a.status, a.provenance, a.marked_at
		FROM attendance_records a
		JOIN users u ON a.student_id = u.id
		JOIN subjects s ON a.subject_id = s.id
		WHERE a.recorded_by = $1`
	args := []any{teacherID}
	if subjectID != "" {
		args = append(args, subjectID)
		query += fmt.Sprintf(" AND a.subject_id = $%d", len(args))
	}
	if date != nil {
		args = append(args, *date)
		query += fmt.Sprintf(" AND a.marked_at::date = ($%d::timestamptz)::date", len(args))
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY a.marked_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecordRows(rows)
}

func scanRecordRows(rows *sql.Rows) ([]RecordRow, error) {
	var out []RecordRow
	for rows.Next() {
		var rec RecordRow
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.StudentName, &rec.RollNumber,
			&rec.SubjectID, &rec.SubjectName, &rec.Status, &rec.Provenance, &rec.MarkedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SubjectSummary aggregates one subject's attendance for a student.
type SubjectSummary struct {
	SubjectID   string  `json:"subject_id"`
	SubjectName string  `json:"subject_name"`
	Present     int     `json:"present"`
	Total       int     `json:"total"`
	Percent     float64 `json:"percent"`
}

// StudentSubjectSummary returns per-subject present counts and percentages
// for a student's dashboard.
func (r *Repository) StudentSubjectSummary(ctx context.Context, studentID string) ([]SubjectSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.subject_id, s.name,
		       COUNT(*) FILTER (WHERE a.status = 'present') AS present,
		       COUNT(*) AS total
		FROM attendance_records a
		JOIN subjects s ON a.subject_id = s.id
		WHERE a.student_id = $1
		GROUP BY a.subject_id, s.name
		ORDER BY s.name
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubjectSummary
	for rows.Next() {
		var sum SubjectSummary
		if err := rows.Scan(&sum.SubjectID, &sum.SubjectName, &sum.Present, &sum.Total); err != nil {
			return nil, err
		}
		if sum.Total > 0 {
			sum.Percent = float64(sum.Present) / float64(sum.Total) * 100
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// InsertAudit appends one transition event to the audit trail. The worker
// calls this outside any session lock; a lost row never affects the roster.
func (r *Repository) InsertAudit(ctx context.Context, evt session.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_audit
			(id, kind, session_id, participant_id, subject_id, status, provenance, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, uuid.NewString(), evt.Kind, evt.SessionID, evt.ParticipantID, evt.SubjectID,
		string(evt.Status), string(evt.MarkedBy), evt.At)
	return err
}
