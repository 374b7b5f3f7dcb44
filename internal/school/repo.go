package school

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository reads class, student and guardian data from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetClass returns class metadata with its assigned teachers, nil when absent.
func (r *Repository) GetClass(ctx context.Context, classID string) (*Class, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, session_id FROM classes WHERE id = $1
	`, classID)
	var cl Class
	if err := row.Scan(&cl.ID, &cl.Name, &cl.SessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT teacher_id FROM class_teachers WHERE class_id = $1
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		cl.TeacherIDs = append(cl.TeacherIDs, id)
	}
	return &cl, rows.Err()
}

// ListClassStudents returns every student assigned to the class,
// regardless of status.
func (r *Repository) ListClassStudents(ctx context.Context, classID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, class_id, session_id, status, admission_number,
		       father_name, father_email, mother_name, mother_email
		FROM students
		WHERE class_id = $1
		ORDER BY admission_number
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStudents(rows)
}

// ListActiveStudents returns active students for a class and session.
func (r *Repository) ListActiveStudents(ctx context.Context, classID, sessionID string) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, class_id, session_id, status, admission_number,
		       father_name, father_email, mother_name, mother_email
		FROM students
		WHERE class_id = $1 AND session_id = $2 AND status = $3
		ORDER BY admission_number
	`, classID, sessionID, StudentActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStudents(rows)
}

func scanStudents(rows *sql.Rows) ([]Student, error) {
	var res []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.ClassID, &s.SessionID, &s.Status, &s.AdmissionNumber,
			&s.FatherName, &s.FatherEmail, &s.MotherName, &s.MotherEmail); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetActiveParentByEmail returns an active parent account for the email,
// nil when none exists.
func (r *Repository) GetActiveParentByEmail(ctx context.Context, email string) (*Guardian, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, role, status, activation_token, invite_sent_at, created_at, updated_at
		FROM users
		WHERE email = $1 AND role = $2 AND status = $3
	`, email, RoleParent, GuardianActive)
	return scanGuardian(row)
}

// FindLegacyGuardianByEmail looks up a legacy contact record matching the
// email on either parent.
func (r *Repository) FindLegacyGuardianByEmail(ctx context.Context, email string) (*LegacyGuardian, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT father_name, father_email, father_mobile, mother_name, mother_email, mother_number
		FROM legacy_guardians
		WHERE father_email = $1 OR mother_email = $1
		LIMIT 1
	`, email)
	var lg LegacyGuardian
	if err := row.Scan(&lg.FatherName, &lg.FatherEmail, &lg.FatherMobile,
		&lg.MotherName, &lg.MotherEmail, &lg.MotherNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &lg, nil
}

// UpsertGuardian creates or updates a guardian account keyed by email.
func (r *Repository) UpsertGuardian(ctx context.Context, g Guardian) (Guardian, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, phone, role, status, activation_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			activation_token = EXCLUDED.activation_token,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, g.ID, g.Name, g.Email, g.Phone, g.Role, g.Status, g.ActivationToken)
	if err := row.Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return Guardian{}, err
	}
	return g, nil
}

// ActivateGuardian flips an invited account to active by its one-time
// token, returning nil when the token matches no invited account.
func (r *Repository) ActivateGuardian(ctx context.Context, token string) (*Guardian, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET status = $1, activation_token = NULL, updated_at = NOW()
		WHERE activation_token = $2 AND status = $3
		RETURNING id, name, email, phone, role, status, activation_token, invite_sent_at, created_at, updated_at
	`, GuardianActive, token, GuardianInvited)
	return scanGuardian(row)
}

// MarkInvitationSent stamps the time the invite was delivered.
func (r *Repository) MarkInvitationSent(ctx context.Context, guardianID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET invite_sent_at = $2, updated_at = NOW() WHERE id = $1
	`, guardianID, at)
	return err
}

func scanGuardian(row *sql.Row) (*Guardian, error) {
	var g Guardian
	if err := row.Scan(&g.ID, &g.Name, &g.Email, &g.Phone, &g.Role, &g.Status,
		&g.ActivationToken, &g.InviteSentAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}
