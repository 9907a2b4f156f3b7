package session

import (
	"context"
	"time"
)

// RosterEntry is one eligible participant resolved at session start.
type RosterEntry struct {
	ID         string
	Name       string
	RollNumber string
}

// Identity is a resolved display identity.
type Identity struct {
	ID   string
	Name string
}

// Subject is a resolved subject for display in check-in responses.
type Subject struct {
	ID   string
	Name string
	Code string
}

// Directory resolves people and subjects from the organizational store.
type Directory interface {
	// ResolveRoster returns every student in the department+semester,
	// ordered by roll number.
	ResolveRoster(ctx context.Context, departmentID, semester string) ([]RosterEntry, error)
	// ResolveIdentity returns a display identity, or ErrNotFound.
	ResolveIdentity(ctx context.Context, id string) (Identity, error)
	// ResolveSubject returns a subject's display info, or ErrNotFound.
	ResolveSubject(ctx context.Context, subjectID string) (Subject, error)
}

// Places resolves a geofenced location. The result is snapshotted into the
// session; later edits to the location do not move a live geofence.
type Places interface {
	// ResolveLocation returns the geofence for locationID, or ErrNotFound.
	ResolveLocation(ctx context.Context, locationID string) (Place, error)
}

// Record is one durable attendance row, written exactly once per
// participant per session commit.
type Record struct {
	ID            string
	ParticipantID string
	SubjectID     string
	LocationID    string
	Status        Status
	Provenance    Provenance
	RecordedBy    string
	MarkedAt      time.Time
}

// RecordTx is one atomic commit against the durable store. Either every
// inserted record lands or none do.
type RecordTx interface {
	// FindRecent reports whether a record for the same participant,
	// subject, and location already exists on anchor's date within the
	// window around anchor.
	FindRecent(ctx context.Context, participantID, subjectID, locationID string, anchor time.Time, window time.Duration) (bool, error)
	Insert(ctx context.Context, rec Record) error
	Commit() error
	Rollback() error
}

// RecordStore opens commit transactions against durable storage. The
// reconciler is the only writer of session-derived records.
type RecordStore interface {
	Begin(ctx context.Context) (RecordTx, error)
}
