// Package directory reads the organizational store: users, subjects, and
// geofenced class locations. The session engine only sees it through the
// collaborator interfaces it implements.
package directory

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"

	"github.com/josmartin007/geoattend/internal/session"
)

// ErrBadCredentials is returned for a failed login without saying whether
// the username or the password was wrong.
var ErrBadCredentials = errors.New("invalid credentials")

// Repository reads organizational data from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ResolveRoster returns every student in the department+semester, ordered
// by roll number. This is the fixed membership snapshot a session takes at
// start.
func (r *Repository) ResolveRoster(ctx context.Context, departmentID, semester string) ([]session.RosterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, roll_number
		FROM users
		WHERE role = 'student' AND department_id = $1 AND semester = $2
		ORDER BY roll_number
	`, departmentID, semester)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []session.RosterEntry
	for rows.Next() {
		var e session.RosterEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.RollNumber); err != nil {
			return nil, err
		}
		roster = append(roster, e)
	}
	return roster, rows.Err()
}

// ResolveIdentity returns a user's display identity.
func (r *Repository) ResolveIdentity(ctx context.Context, id string) (session.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name FROM users WHERE id = $1`, id)
	var ident session.Identity
	if err := row.Scan(&ident.ID, &ident.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Identity{}, session.ErrNotFound
		}
		return session.Identity{}, err
	}
	return ident, nil
}

// ResolveSubject returns a subject's display info.
func (r *Repository) ResolveSubject(ctx context.Context, subjectID string) (session.Subject, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, code FROM subjects WHERE id = $1`, subjectID)
	var sub session.Subject
	if err := row.Scan(&sub.ID, &sub.Name, &sub.Code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Subject{}, session.ErrNotFound
		}
		return session.Subject{}, err
	}
	return sub, nil
}

// ResolveLocation returns the geofence stored on a class location. Sessions
// snapshot this at start; later edits do not move a live geofence.
func (r *Repository) ResolveLocation(ctx context.Context, locationID string) (session.Place, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, latitude, longitude, geo_radius
		FROM classes WHERE id = $1
	`, locationID)
	var p session.Place
	if err := row.Scan(&p.LocationID, &p.Name, &p.Latitude, &p.Longitude, &p.RadiusMeters); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Place{}, session.ErrNotFound
		}
		return session.Place{}, err
	}
	return p, nil
}

// Account is an authenticated principal handed to the token issuer.
type Account struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	RollNumber   *string `json:"roll_number,omitempty"`
	DepartmentID *string `json:"department_id,omitempty"`
	Semester     *string `json:"semester,omitempty"`
}

// Authenticate checks a username/password/role triple and returns the
// account on success. The password comparison is constant-time.
func (r *Repository) Authenticate(ctx context.Context, username, password, role string) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, role, password, roll_number, department_id, semester
		FROM users WHERE username = $1 AND role = $2
	`, username, role)
	var acct Account
	var stored string
	if err := row.Scan(&acct.ID, &acct.Name, &acct.Role, &stored, &acct.RollNumber, &acct.DepartmentID, &acct.Semester); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrBadCredentials
		}
		return Account{}, err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return Account{}, ErrBadCredentials
	}
	return acct, nil
}
