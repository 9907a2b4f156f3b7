package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- in-memory fakes for the collaborator interfaces ----

type fakeDirectory struct {
	roster     []RosterEntry
	identities map[string]Identity
	subjects   map[string]Subject
}

func (f *fakeDirectory) ResolveRoster(_ context.Context, _, _ string) ([]RosterEntry, error) {
	return f.roster, nil
}

func (f *fakeDirectory) ResolveIdentity(_ context.Context, id string) (Identity, error) {
	if ident, ok := f.identities[id]; ok {
		return ident, nil
	}
	return Identity{}, ErrNotFound
}

func (f *fakeDirectory) ResolveSubject(_ context.Context, id string) (Subject, error) {
	if sub, ok := f.subjects[id]; ok {
		return sub, nil
	}
	return Subject{}, ErrNotFound
}

type fakePlaces struct {
	places map[string]Place
}

func (f *fakePlaces) ResolveLocation(_ context.Context, id string) (Place, error) {
	if p, ok := f.places[id]; ok {
		return p, nil
	}
	return Place{}, ErrNotFound
}

// memRecordStore implements RecordStore with all-or-nothing commits and the
// same time-window duplicate check the Postgres store runs.
type memRecordStore struct {
	mu         sync.Mutex
	records    []Record
	failBegin  bool
	failInsert bool
	failCommit bool
}

func (s *memRecordStore) Begin(_ context.Context) (RecordTx, error) {
	if s.failBegin {
		return nil, errors.New("store down")
	}
	return &memTx{store: s}, nil
}

func (s *memRecordStore) committed() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

type memTx struct {
	store   *memRecordStore
	pending []Record
}

func (t *memTx) FindRecent(_ context.Context, participantID, subjectID, locationID string, anchor time.Time, window time.Duration) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, r := range t.store.records {
		if r.ParticipantID != participantID || r.SubjectID != subjectID || r.LocationID != locationID {
			continue
		}
		if r.MarkedAt.Format("2006-01-02") != anchor.Format("2006-01-02") {
			continue
		}
		diff := r.MarkedAt.Sub(anchor)
		if diff < 0 {
			diff = -diff
		}
		if diff < window {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Insert(_ context.Context, rec Record) error {
	if t.store.failInsert {
		return errors.New("insert failed")
	}
	t.pending = append(t.pending, rec)
	return nil
}

func (t *memTx) Commit() error {
	if t.store.failCommit {
		return errors.New("commit failed")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.records = append(t.store.records, t.pending...)
	t.pending = nil
	return nil
}

func (t *memTx) Rollback() error {
	t.pending = nil
	return nil
}

// ---- fixture ----

const (
	teacherID = "teacher-1"
	roomID    = "room-1"
	subjectID = "sub-1"
)

func newTestEngine(t *testing.T) (*Service, *memRecordStore) {
	t.Helper()
	dir := &fakeDirectory{
		roster: []RosterEntry{
			{ID: "p1", Name: "Student One", RollNumber: "R1"},
			{ID: "p2", Name: "Student Two", RollNumber: "R2"},
		},
		identities: map[string]Identity{teacherID: {ID: teacherID, Name: "Teacher"}},
		subjects:   map[string]Subject{subjectID: {ID: subjectID, Name: "Algorithms", Code: "CS301"}},
	}
	places := &fakePlaces{places: map[string]Place{
		roomID: {LocationID: roomID, Name: "Room 1", Latitude: 10.0, Longitude: 20.0, RadiusMeters: 50},
	}}
	store := &memRecordStore{}
	svc := NewService(NewRegistry(), dir, places, store, nil, 5*time.Minute)
	return svc, store
}

func startSession(t *testing.T, svc *Service) Snapshot {
	t.Helper()
	snap, err := svc.Start(context.Background(), teacherID, subjectID, roomID, "dept-1", "5")
	require.NoError(t, err)
	return snap
}

// ---- lifecycle ----

func TestStartUnknownLocation(t *testing.T) {
	svc, _ := newTestEngine(t)
	_, err := svc.Start(context.Background(), teacherID, subjectID, "no-such-room", "dept-1", "5")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartSnapshotsRosterUnmarked(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	assert.NotEmpty(t, snap.ID)
	assert.True(t, snap.Active)
	require.Len(t, snap.Participants, 2)
	for _, p := range snap.Participants {
		assert.Equal(t, StatusUnmarked, p.Status)
		assert.Nil(t, p.MarkedAt)
		assert.Equal(t, ByNone, p.MarkedBy)
	}
	assert.Equal(t, Stats{Unmarked: 2, Total: 2}, snap.Stats)
}

// ---- geofence evaluation ----

func TestEvaluateInRangeMarksPresent(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	res, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)
	require.Len(t, res.CheckedIn, 1)
	assert.Equal(t, snap.ID, res.CheckedIn[0].SessionID)
	assert.Equal(t, "Algorithms", res.CheckedIn[0].SubjectName)
	assert.Equal(t, "Teacher", res.CheckedIn[0].TeacherName)
	assert.Less(t, res.CheckedIn[0].DistanceMeters, 1.0)

	after, err := svc.Snapshot(snap.ID, teacherID)
	require.NoError(t, err)
	p1 := after.Participants[0]
	assert.Equal(t, StatusPresent, p1.Status)
	assert.Equal(t, ByGeoAuto, p1.MarkedBy)
	assert.NotNil(t, p1.MarkedAt)
}

func TestEvaluateOutOfRangeIsNoOp(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	// ~200m north of the room, well outside the 50m radius.
	res, err := svc.Evaluate(context.Background(), "p1", 10.0018, 20.0)
	require.NoError(t, err)
	assert.Empty(t, res.CheckedIn)
	assert.Empty(t, res.AlreadyMarked)

	after, err := svc.Snapshot(snap.ID, teacherID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnmarked, after.Participants[0].Status)
}

func TestEvaluateNonMemberIsSilent(t *testing.T) {
	svc, _ := newTestEngine(t)
	startSession(t, svc)

	res, err := svc.Evaluate(context.Background(), "stranger", 10.0, 20.0)
	require.NoError(t, err)
	assert.Empty(t, res.CheckedIn)
	assert.Empty(t, res.AlreadyMarked)
}

func TestEvaluateIdempotent(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	first, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)
	require.Len(t, first.CheckedIn, 1)

	second, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)
	assert.Empty(t, second.CheckedIn)
	require.Len(t, second.AlreadyMarked, 1)
	assert.Equal(t, StatusPresent, second.AlreadyMarked[0].Status)
	assert.Equal(t, ByGeoAuto, second.AlreadyMarked[0].MarkedBy)

	after, err := svc.Snapshot(snap.ID, teacherID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Present: 1, Unmarked: 1, Total: 2}, after.Stats)
}

func TestEvaluateRejectsBadCoordinates(t *testing.T) {
	svc, _ := newTestEngine(t)
	startSession(t, svc)

	_, err := svc.Evaluate(context.Background(), "p1", 91.0, 20.0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Evaluate(context.Background(), "p1", 10.0, 181.0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConcurrentEvaluateMarksOnce(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	const n = 50
	var wg sync.WaitGroup
	marked := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
			if err != nil {
				t.Errorf("evaluate failed: %v", err)
				return
			}
			marked <- len(res.CheckedIn)
		}()
	}
	wg.Wait()
	close(marked)

	total := 0
	for m := range marked {
		total += m
	}
	assert.Equal(t, 1, total, "exactly one report should transition the participant")

	after, err := svc.Snapshot(snap.ID, teacherID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Stats.Present)
}

// ---- manual override ----

func TestManualOverrideWinsOverGeo(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	_, err := svc.MarkManual(context.Background(), snap.ID, "p1", StatusAbsent, teacherID)
	require.NoError(t, err)

	res, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)
	assert.Empty(t, res.CheckedIn)
	require.Len(t, res.AlreadyMarked, 1)
	assert.Equal(t, StatusAbsent, res.AlreadyMarked[0].Status)
	assert.Equal(t, ByManual, res.AlreadyMarked[0].MarkedBy)

	after, err := svc.Snapshot(snap.ID, teacherID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, after.Participants[0].Status)
}

func TestManualOverrideReversesGeoPresent(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	_, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)

	p, err := svc.MarkManual(context.Background(), snap.ID, "p1", StatusAbsent, teacherID)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, p.Status)
	assert.Equal(t, ByManual, p.MarkedBy)
}

func TestManualMarkErrors(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	_, err := svc.MarkManual(context.Background(), "no-such-session", "p1", StatusPresent, teacherID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.MarkManual(context.Background(), snap.ID, "stranger", StatusPresent, teacherID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.MarkManual(context.Background(), snap.ID, "p1", StatusPresent, "other-teacher")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.MarkManual(context.Background(), snap.ID, "p1", StatusUnmarked, teacherID)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.MarkManual(context.Background(), snap.ID, "p1", Status("late"), teacherID)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ---- status invariant ----

func TestStatusInvariantHolds(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	_, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)
	_, err = svc.MarkManual(context.Background(), snap.ID, "p2", StatusAbsent, teacherID)
	require.NoError(t, err)

	after, err := svc.Snapshot(snap.ID, teacherID)
	require.NoError(t, err)
	for _, p := range after.Participants {
		if p.Status == StatusUnmarked {
			assert.Nil(t, p.MarkedAt, "%s unmarked but has markedAt", p.ID)
			assert.Equal(t, ByNone, p.MarkedBy)
		} else {
			assert.NotNil(t, p.MarkedAt, "%s marked but has no markedAt", p.ID)
			assert.NotEqual(t, ByNone, p.MarkedBy)
		}
	}
}

// ---- reconciliation ----

func TestEndDefaultsUnmarkedToAbsent(t *testing.T) {
	svc, store := newTestEngine(t)
	snap := startSession(t, svc)

	// P1 checks in from the room center; P2 never reports.
	_, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)

	require.NoError(t, svc.End(context.Background(), snap.ID, teacherID))

	records := store.committed()
	require.Len(t, records, 2)
	byParticipant := map[string]Record{}
	for _, r := range records {
		byParticipant[r.ParticipantID] = r
		assert.Equal(t, subjectID, r.SubjectID)
		assert.Equal(t, roomID, r.LocationID)
		assert.Equal(t, teacherID, r.RecordedBy)
	}
	assert.Equal(t, StatusPresent, byParticipant["p1"].Status)
	assert.Equal(t, ByGeoAuto, byParticipant["p1"].Provenance)
	assert.Equal(t, StatusAbsent, byParticipant["p2"].Status)
	assert.Equal(t, ByAutoAbsent, byParticipant["p2"].Provenance)

	// Once committed the session is gone.
	_, err = svc.Snapshot(snap.ID, teacherID)
	assert.ErrorIs(t, err, ErrNotFound)
	err = svc.End(context.Background(), snap.ID, teacherID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndedSessionIgnoresLateReports(t *testing.T) {
	svc, store := newTestEngine(t)
	snap := startSession(t, svc)
	require.NoError(t, svc.End(context.Background(), snap.ID, teacherID))

	res, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)
	assert.Empty(t, res.CheckedIn)
	assert.Empty(t, res.AlreadyMarked)
	assert.Len(t, store.committed(), 2)
}

func TestEndRequiresOwningTeacher(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)
	assert.ErrorIs(t, svc.End(context.Background(), snap.ID, "other-teacher"), ErrUnauthorized)
	assert.ErrorIs(t, svc.End(context.Background(), "no-such-session", teacherID), ErrNotFound)
}

func TestEndDuplicateSuppression(t *testing.T) {
	svc, store := newTestEngine(t)
	snap := startSession(t, svc)

	// A record for p1 already exists inside the dedup window, e.g. a
	// manually submitted sheet for the same slot.
	now := time.Now().UTC()
	store.records = append(store.records, Record{
		ID:            "pre-existing",
		ParticipantID: "p1",
		SubjectID:     subjectID,
		LocationID:    roomID,
		Status:        StatusPresent,
		Provenance:    ByManual,
		RecordedBy:    teacherID,
		MarkedAt:      now.Add(-time.Minute),
	})

	_, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)
	require.NoError(t, svc.End(context.Background(), snap.ID, teacherID))

	// Only p2's auto-absent record is new.
	records := store.committed()
	require.Len(t, records, 2)
	count := map[string]int{}
	for _, r := range records {
		count[r.ParticipantID]++
	}
	assert.Equal(t, 1, count["p1"])
	assert.Equal(t, 1, count["p2"])
}

func TestEndTwiceInsertsAtMostOnce(t *testing.T) {
	svc, store := newTestEngine(t)

	first := startSession(t, svc)
	require.NoError(t, svc.End(context.Background(), first.ID, teacherID))
	require.Len(t, store.committed(), 2)

	// A retake started right away lands inside the same window.
	second := startSession(t, svc)
	require.NoError(t, svc.End(context.Background(), second.ID, teacherID))
	assert.Len(t, store.committed(), 2, "records inside the window must not be inserted again")
}

func TestEndStoreFailureKeepsSessionRetryable(t *testing.T) {
	svc, store := newTestEngine(t)
	snap := startSession(t, svc)
	_, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)

	store.failCommit = true
	err = svc.End(context.Background(), snap.ID, teacherID)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Empty(t, store.committed(), "nothing may land on a failed commit")

	// Session unchanged and still live: P2 is still unmarked, statuses intact.
	after, err := svc.Snapshot(snap.ID, teacherID)
	require.NoError(t, err)
	assert.True(t, after.Active)
	assert.Equal(t, Stats{Present: 1, Unmarked: 1, Total: 2}, after.Stats)

	// Retry succeeds once the store recovers.
	store.failCommit = false
	require.NoError(t, svc.End(context.Background(), snap.ID, teacherID))
	assert.Len(t, store.committed(), 2)
}

func TestEndInsertFailureRollsBack(t *testing.T) {
	svc, store := newTestEngine(t)
	snap := startSession(t, svc)

	store.failInsert = true
	err := svc.End(context.Background(), snap.ID, teacherID)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Empty(t, store.committed())

	store.failInsert = false
	require.NoError(t, svc.End(context.Background(), snap.ID, teacherID))
	assert.Len(t, store.committed(), 2)
}

// ---- student-facing listing ----

func TestActiveForListsMemberSessions(t *testing.T) {
	svc, _ := newTestEngine(t)
	snap := startSession(t, svc)

	sessions := svc.ActiveFor(context.Background(), "p1")
	require.Len(t, sessions, 1)
	assert.Equal(t, snap.ID, sessions[0].SessionID)
	assert.Equal(t, StatusUnmarked, sessions[0].Status)

	_, err := svc.Evaluate(context.Background(), "p1", 10.0, 20.0)
	require.NoError(t, err)

	sessions = svc.ActiveFor(context.Background(), "p1")
	require.Len(t, sessions, 1)
	assert.Equal(t, StatusPresent, sessions[0].Status)
	assert.Equal(t, ByGeoAuto, sessions[0].MarkedBy)

	assert.Empty(t, svc.ActiveFor(context.Background(), "stranger"))
}
