package consent

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists consent data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateRequest inserts a new consent request.
func (r *Repository) CreateRequest(ctx context.Context, req Request) (Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO consent_requests (id, title, description, session_id, class_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, req.ID, req.Title, req.Description, req.SessionID, req.ClassID)
	if err := row.Scan(&req.CreatedAt); err != nil {
		return Request{}, err
	}
	return req, nil
}

// CreateResponse inserts a new response row.
func (r *Repository) CreateResponse(ctx context.Context, resp Response) (Response, error) {
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	if resp.Status == "" {
		resp.Status = StatusPending
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO consent_responses (id, consent_id, student_id, guardian_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, resp.ID, resp.ConsentID, resp.StudentID, resp.GuardianID, resp.Status)
	if err := row.Scan(&resp.CreatedAt, &resp.UpdatedAt); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// GetResponseForGuardian returns the response matching both id and owner,
// nil when no such pair exists.
func (r *Repository) GetResponseForGuardian(ctx context.Context, responseID, guardianID string) (*Response, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, consent_id, student_id, guardian_id, status, responded_by, responded_at, created_at, updated_at
		FROM consent_responses
		WHERE id = $1 AND guardian_id = $2
	`, responseID, guardianID)
	var resp Response
	if err := row.Scan(&resp.ID, &resp.ConsentID, &resp.StudentID, &resp.GuardianID, &resp.Status,
		&resp.RespondedBy, &resp.RespondedAt, &resp.CreatedAt, &resp.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}

// HasDecidedSibling reports whether any response for (consent, student)
// has already left pending.
func (r *Repository) HasDecidedSibling(ctx context.Context, consentID, studentID string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM consent_responses
			WHERE consent_id = $1 AND student_id = $2 AND status <> $3
		)
	`, consentID, studentID, StatusPending)
	var decided bool
	if err := row.Scan(&decided); err != nil {
		return false, err
	}
	return decided, nil
}

// TransitionPending moves all still-pending responses for the pair in one
// conditional update; a concurrent decision that landed first leaves zero
// rows for this one.
func (r *Repository) TransitionPending(ctx context.Context, consentID, studentID, status, responderID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE consent_responses
		SET status = $3, responded_by = $4, responded_at = $5, updated_at = NOW()
		WHERE consent_id = $1 AND student_id = $2 AND status = $6
	`, consentID, studentID, status, responderID, at, StatusPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListForGuardian returns the guardian's responses joined with request
// and student metadata, excluding inactive students.
func (r *Repository) ListForGuardian(ctx context.Context, guardianID string) ([]GuardianView, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT cr.id, cr.status, cr.responded_at,
		       req.title, req.description, req.session_id, req.class_id,
		       s.id, s.name, s.admission_number
		FROM consent_responses cr
		JOIN consent_requests req ON req.id = cr.consent_id
		JOIN students s ON s.id = cr.student_id AND s.status = 'active'
		WHERE cr.guardian_id = $1
		ORDER BY cr.created_at DESC
	`, guardianID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []GuardianView
	for rows.Next() {
		var v GuardianView
		if err := rows.Scan(&v.ResponseID, &v.Status, &v.RespondedAt,
			&v.Title, &v.Description, &v.SessionID, &v.ClassID,
			&v.StudentID, &v.StudentName, &v.AdmissionNumber); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}
