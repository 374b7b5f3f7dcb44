package attendance

import (
	"context"
	"time"

	"schooladmin/internal/apperr"
	"schooladmin/internal/auth"
	"schooladmin/internal/school"
)

// Entry statuses.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
)

// DateLayout is the wire format for attendance dates.
const DateLayout = "2006-01-02"

// Entry is one student's status for the day.
type Entry struct {
	StudentID string `json:"studentId"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

// Record is a class's attendance for a single day. Resubmitting for the
// same (class, date) replaces the entry list wholesale.
type Record struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"classId"`
	Date      time.Time `json:"date"`
	Entries   []Entry   `json:"records"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ClassStore reads class metadata.
type ClassStore interface {
	GetClass(ctx context.Context, classID string) (*school.Class, error)
}

// Roster resolves the enrolled student ids of a class.
type Roster interface {
	Resolve(ctx context.Context, classID string) ([]string, error)
}

// Store persists attendance records.
type Store interface {
	Upsert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, classID string, date time.Time) (*Record, error)
}

// Submission is a day's attendance as submitted by a caller.
type Submission struct {
	ClassID       string
	Date          string
	SubmitterID   string
	SubmitterRole string
	Records       []Entry
}

// Service validates and records daily attendance.
type Service struct {
	classes ClassStore
	roster  Roster
	store   Store
}

// NewService creates a recorder service.
func NewService(classes ClassStore, roster Roster, store Store) *Service {
	return &Service{classes: classes, roster: roster, store: store}
}

// Record validates the submission against the class roster and upserts
// the record for (class, date). The prior entry list, if any, is fully
// replaced.
func (s *Service) Record(ctx context.Context, sub Submission) (Record, error) {
	if sub.ClassID == "" || sub.Date == "" || len(sub.Records) == 0 {
		return Record{}, apperr.Validation("class id, date, and records array are required")
	}
	date, err := time.Parse(DateLayout, sub.Date)
	if err != nil {
		return Record{}, apperr.Validationf("invalid date %q: expected %s", sub.Date, DateLayout)
	}

	class, err := s.classes.GetClass(ctx, sub.ClassID)
	if err != nil {
		return Record{}, apperr.Internal("class lookup failed", err)
	}
	if class == nil {
		return Record{}, apperr.NotFound("class not found")
	}

	if sub.SubmitterRole == auth.RoleTeacher && !contains(class.TeacherIDs, sub.SubmitterID) {
		return Record{}, apperr.Authorization("you are not authorized to manage this class's attendance")
	}

	rosterIDs, err := s.roster.Resolve(ctx, sub.ClassID)
	if err != nil {
		return Record{}, apperr.Internal("roster resolution failed", err)
	}
	if err := checkCoverage(sub.Records, rosterIDs); err != nil {
		return Record{}, err
	}

	for _, rec := range sub.Records {
		switch rec.Status {
		case StatusPresent, StatusAbsent, StatusLate:
		default:
			return Record{}, apperr.Validationf("invalid status: %s. Must be 'present', 'absent', or 'late'", rec.Status)
		}
	}

	rec := Record{
		ClassID:   sub.ClassID,
		Date:      date,
		Entries:   sub.Records,
		CreatedBy: sub.SubmitterID,
	}
	saved, err := s.store.Upsert(ctx, rec)
	if err != nil {
		return Record{}, apperr.Internal("attendance upsert failed", err)
	}
	return saved, nil
}

// Get returns the recorded attendance for a class and day.
func (s *Service) Get(ctx context.Context, classID, dateStr string) (Record, error) {
	if classID == "" || dateStr == "" {
		return Record{}, apperr.Validation("class id and date are required")
	}
	date, err := time.Parse(DateLayout, dateStr)
	if err != nil {
		return Record{}, apperr.Validationf("invalid date %q: expected %s", dateStr, DateLayout)
	}
	rec, err := s.store.Get(ctx, classID, date)
	if err != nil {
		return Record{}, apperr.Internal("attendance lookup failed", err)
	}
	if rec == nil {
		return Record{}, apperr.NotFound("attendance record not found")
	}
	return *rec, nil
}

// checkCoverage enforces that the submitted student ids are exactly the
// roster: no omissions, no extras, no duplicates.
func checkCoverage(records []Entry, rosterIDs []string) error {
	mismatch := apperr.Validation("Records must include all and only students in the class")

	roster := make(map[string]bool, len(rosterIDs))
	for _, id := range rosterIDs {
		roster[id] = true
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if !roster[rec.StudentID] || seen[rec.StudentID] {
			return mismatch
		}
		seen[rec.StudentID] = true
	}
	if len(seen) != len(roster) {
		return mismatch
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
