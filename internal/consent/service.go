package consent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"schooladmin/internal/apperr"
	"schooladmin/internal/logging"
	"schooladmin/internal/queue"
	"schooladmin/internal/school"
)

// Response statuses. A response is terminal once it leaves pending.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Request is a parental-consent request for a class and session.
// Immutable once created.
type Request struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	SessionID   string    `json:"sessionId"`
	ClassID     string    `json:"classId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Response is one guardian's pending or decided answer for one student
// under one request.
type Response struct {
	ID          string     `json:"id"`
	ConsentID   string     `json:"consentId"`
	StudentID   string     `json:"studentId"`
	GuardianID  string     `json:"guardianId"`
	Status      string     `json:"status"`
	RespondedBy *string    `json:"respondedBy,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// GuardianView is a guardian's response joined with request and student
// metadata for listing.
type GuardianView struct {
	ResponseID      string     `json:"consentResponseId"`
	Status          string     `json:"status"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	SessionID       string     `json:"sessionId"`
	ClassID         string     `json:"classId"`
	StudentID       string     `json:"studentId"`
	StudentName     string     `json:"studentName"`
	AdmissionNumber string     `json:"admissionNumber"`
}

// Store persists consent requests and responses.
type Store interface {
	CreateRequest(ctx context.Context, req Request) (Request, error)
	CreateResponse(ctx context.Context, resp Response) (Response, error)
	GetResponseForGuardian(ctx context.Context, responseID, guardianID string) (*Response, error)
	HasDecidedSibling(ctx context.Context, consentID, studentID string) (bool, error)
	// TransitionPending moves every still-pending response for
	// (consentID, studentID) to status in one conditional update and
	// returns the number of rows moved.
	TransitionPending(ctx context.Context, consentID, studentID, status, responderID string, at time.Time) (int64, error)
	ListForGuardian(ctx context.Context, guardianID string) ([]GuardianView, error)
}

// Directory reads students and resolves guardian accounts.
type Directory interface {
	ListActiveStudents(ctx context.Context, classID, sessionID string) ([]school.Student, error)
	GetActiveParentByEmail(ctx context.Context, email string) (*school.Guardian, error)
	FindLegacyGuardianByEmail(ctx context.Context, email string) (*school.LegacyGuardian, error)
	UpsertGuardian(ctx context.Context, g school.Guardian) (school.Guardian, error)
}

// Service runs the consent request fan-out and resolves guardian
// decisions.
type Service struct {
	store   Store
	dir     Directory
	invites queue.Queue
}

// NewService creates a consent service. invites may be nil to skip
// invitation delivery.
func NewService(store Store, dir Directory, invites queue.Queue) *Service {
	return &Service{store: store, dir: dir, invites: invites}
}

// CreateInput is the payload for a new consent request.
type CreateInput struct {
	Title       string
	Description string
	SessionID   string
	ClassID     string
}

// FanoutResult reports the outcome of a request fan-out.
type FanoutResult struct {
	Request        Request
	ResponseCount  int
	FailedStudents int
}

// CreateRequest persists the request, then fans out one pending response
// per resolvable guardian of every active student in the class. The
// request is persisted before guardian resolution and is not rolled back
// on partial failure; per-student failures are logged and isolated.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (FanoutResult, error) {
	if in.Title == "" || in.Description == "" || in.SessionID == "" || in.ClassID == "" {
		return FanoutResult{}, apperr.Validation("all fields are required")
	}

	req, err := s.store.CreateRequest(ctx, Request{
		Title:       in.Title,
		Description: in.Description,
		SessionID:   in.SessionID,
		ClassID:     in.ClassID,
	})
	if err != nil {
		return FanoutResult{}, apperr.Internal("consent request create failed", err)
	}

	students, err := s.dir.ListActiveStudents(ctx, in.ClassID, in.SessionID)
	if err != nil {
		return FanoutResult{}, apperr.Internal("student resolution failed", err)
	}
	if len(students) == 0 {
		// The request row stays behind, orphaned. Accepted behavior.
		return FanoutResult{}, apperr.NotFound("no active students found for this class and session")
	}

	var (
		mu     sync.Mutex
		total  int
		failed int
		wg     sync.WaitGroup
	)
	for _, st := range students {
		st := st
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.fanOutStudent(ctx, req, st)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				failed++
				logging.Log.WithError(err).WithFields(map[string]any{
					"consent_id": req.ID,
					"student_id": st.ID,
				}).Error("consent fan-out failed for student")
			}
		}()
	}
	wg.Wait()

	return FanoutResult{Request: req, ResponseCount: total, FailedStudents: failed}, nil
}

// guardianContact is one parent's contact data taken from the student
// record.
type guardianContact struct {
	email        string
	legacyName   func(*school.LegacyGuardian) (*string, *string) // name, phone
	fallbackName string
}

// fanOutStudent resolves both guardians of one student and creates their
// pending responses. Returns how many responses were created before any
// error.
func (s *Service) fanOutStudent(ctx context.Context, req Request, st school.Student) (int, error) {
	contacts := guardianContacts(st)
	created := 0
	for _, c := range contacts {
		g, err := s.resolveGuardian(ctx, c)
		if err != nil {
			return created, err
		}
		if g == nil {
			// No account and no legacy contact record; skip.
			continue
		}
		if _, err := s.store.CreateResponse(ctx, Response{
			ConsentID:  req.ID,
			StudentID:  st.ID,
			GuardianID: g.ID,
			Status:     StatusPending,
		}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// guardianContacts returns the father then mother contact for a student,
// deduplicated by email: parents sharing an address get one entry.
func guardianContacts(st school.Student) []guardianContact {
	var contacts []guardianContact
	fatherEmail := deref(st.FatherEmail)
	motherEmail := deref(st.MotherEmail)

	if fatherEmail != "" {
		contacts = append(contacts, guardianContact{
			email: fatherEmail,
			legacyName: func(lg *school.LegacyGuardian) (*string, *string) {
				return lg.FatherName, lg.FatherMobile
			},
			fallbackName: "Father",
		})
	}
	if motherEmail != "" && motherEmail != fatherEmail {
		contacts = append(contacts, guardianContact{
			email: motherEmail,
			legacyName: func(lg *school.LegacyGuardian) (*string, *string) {
				phone := lg.MotherNumber
				if phone == nil {
					phone = lg.FatherMobile
				}
				return lg.MotherName, phone
			},
			fallbackName: "Mother",
		})
	}
	return contacts
}

// resolveGuardian finds an active parent account for the contact, or
// provisions an invited one from the legacy guardian record. Returns nil
// when neither exists.
func (s *Service) resolveGuardian(ctx context.Context, c guardianContact) (*school.Guardian, error) {
	g, err := s.dir.GetActiveParentByEmail(ctx, c.email)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return g, nil
	}

	legacy, err := s.dir.FindLegacyGuardianByEmail(ctx, c.email)
	if err != nil {
		return nil, err
	}
	if legacy == nil {
		return nil, nil
	}

	name, phone := c.legacyName(legacy)
	token := uuid.NewString()
	provisioned, err := s.dir.UpsertGuardian(ctx, school.Guardian{
		Name:            derefOr(name, c.fallbackName),
		Email:           c.email,
		Phone:           deref(phone),
		Role:            school.RoleParent,
		Status:          school.GuardianInvited,
		ActivationToken: &token,
	})
	if err != nil {
		return nil, err
	}

	s.publishInvite(ctx, provisioned, token)
	return &provisioned, nil
}

// publishInvite queues an activation invite; delivery failures are
// logged, never fatal to the fan-out.
func (s *Service) publishInvite(ctx context.Context, g school.Guardian, token string) {
	if s.invites == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeInvite, school.Invitation{
		GuardianID: g.ID,
		Name:       g.Name,
		Email:      g.Email,
		Token:      token,
	})
	if err == nil {
		err = s.invites.Publish(ctx, msg)
	}
	if err != nil {
		logging.Log.WithError(err).WithField("guardian_id", g.ID).Warn("invite publish failed")
	}
}

// ListForGuardian returns the caller's own responses joined with request
// and student metadata; students no longer active are excluded.
func (s *Service) ListForGuardian(ctx context.Context, guardianID string) ([]GuardianView, error) {
	views, err := s.store.ListForGuardian(ctx, guardianID)
	if err != nil {
		return nil, apperr.Internal("consent listing failed", err)
	}
	return views, nil
}

// Respond applies a guardian's decision to their response and to every
// still-pending sibling response for the same student. The transition is
// a single conditional update on status = pending, so competing
// decisions settle on exactly one value.
func (s *Service) Respond(ctx context.Context, guardianID, responseID, decision string) (int64, error) {
	if responseID == "" || (decision != StatusApproved && decision != StatusRejected) {
		return 0, apperr.Validation("invalid request parameters")
	}

	// Looking up by id and guardian together hides other guardians'
	// responses behind a not-found.
	resp, err := s.store.GetResponseForGuardian(ctx, responseID, guardianID)
	if err != nil {
		return 0, apperr.Internal("consent response lookup failed", err)
	}
	if resp == nil {
		return 0, apperr.NotFound("consent response not found")
	}
	if resp.Status != StatusPending {
		return 0, apperr.Conflict("consent already responded")
	}

	decided, err := s.store.HasDecidedSibling(ctx, resp.ConsentID, resp.StudentID)
	if err != nil {
		return 0, apperr.Internal("sibling response check failed", err)
	}
	if decided {
		return 0, apperr.Conflict("another parent has already responded for this student")
	}

	n, err := s.store.TransitionPending(ctx, resp.ConsentID, resp.StudentID, decision, guardianID, time.Now().UTC())
	if err != nil {
		return 0, apperr.Internal("consent transition failed", err)
	}
	if n == 0 {
		// Lost the race to a concurrent decision after the checks above.
		return 0, apperr.Conflict("another parent has already responded for this student")
	}
	return n, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
