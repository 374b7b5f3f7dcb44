package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Upsert writes the record for (class, date), replacing any prior entry
// list in the same transaction.
func (r *Repository) Upsert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, class_id, date, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (class_id, date) DO UPDATE SET
			created_by = EXCLUDED.created_by,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, rec.ID, rec.ClassID, rec.Date, rec.CreatedBy)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM attendance_entries WHERE record_id = $1
	`, rec.ID); err != nil {
		return Record{}, err
	}
	for _, e := range rec.Entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_entries (record_id, student_id, status, notes)
			VALUES ($1, $2, $3, $4)
		`, rec.ID, e.StudentID, e.Status, e.Notes); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the record for (class, date), nil when none exists.
func (r *Repository) Get(ctx context.Context, classID string, date time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, class_id, date, created_by, created_at, updated_at
		FROM attendance_records
		WHERE class_id = $1 AND date = $2
	`, classID, date)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.ClassID, &rec.Date, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, status, notes
		FROM attendance_entries
		WHERE record_id = $1
		ORDER BY student_id
	`, rec.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.StudentID, &e.Status, &e.Notes); err != nil {
			return nil, err
		}
		rec.Entries = append(rec.Entries, e)
	}
	return &rec, rows.Err()
}
