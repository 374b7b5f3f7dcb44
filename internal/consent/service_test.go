package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"schooladmin/internal/apperr"
	"schooladmin/internal/queue"
	"schooladmin/internal/school"
)

type memStore struct {
	mu           sync.Mutex
	requests     []Request
	responses    []*Response
	failStudents map[string]bool
	nextID       int
}

func newMemStore() *memStore {
	return &memStore{failStudents: make(map[string]bool)}
}

func (m *memStore) CreateRequest(_ context.Context, req Request) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	req.ID = fmt.Sprintf("req-%d", m.nextID)
	req.CreatedAt = time.Now()
	m.requests = append(m.requests, req)
	return req, nil
}

func (m *memStore) CreateResponse(_ context.Context, resp Response) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStudents[resp.StudentID] {
		return Response{}, errors.New("insert failed")
	}
	m.nextID++
	resp.ID = fmt.Sprintf("resp-%d", m.nextID)
	resp.CreatedAt = time.Now()
	resp.UpdatedAt = resp.CreatedAt
	cp := resp
	m.responses = append(m.responses, &cp)
	return resp, nil
}

func (m *memStore) GetResponseForGuardian(_ context.Context, responseID, guardianID string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.responses {
		if r.ID == responseID && r.GuardianID == guardianID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) HasDecidedSibling(_ context.Context, consentID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.responses {
		if r.ConsentID == consentID && r.StudentID == studentID && r.Status != StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) TransitionPending(_ context.Context, consentID, studentID, status, responderID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.responses {
		if r.ConsentID == consentID && r.StudentID == studentID && r.Status == StatusPending {
			r.Status = status
			r.RespondedBy = &responderID
			r.RespondedAt = &at
			r.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListForGuardian(_ context.Context, guardianID string) ([]GuardianView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var views []GuardianView
	for _, r := range m.responses {
		if r.GuardianID == guardianID {
			views = append(views, GuardianView{ResponseID: r.ID, Status: r.Status, RespondedAt: r.RespondedAt})
		}
	}
	return views, nil
}

type memDirectory struct {
	mu         sync.Mutex
	students   []school.Student
	parents    map[string]school.Guardian
	legacy     map[string]school.LegacyGuardian
	upserted   []school.Guardian
	failEmails map[string]bool
	nextID     int
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		parents:    make(map[string]school.Guardian),
		legacy:     make(map[string]school.LegacyGuardian),
		failEmails: make(map[string]bool),
	}
}

func (m *memDirectory) ListActiveStudents(_ context.Context, classID, sessionID string) ([]school.Student, error) {
	var out []school.Student
	for _, s := range m.students {
		if s.ClassID == classID && s.SessionID == sessionID && s.Status == school.StudentActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memDirectory) GetActiveParentByEmail(_ context.Context, email string) (*school.Guardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEmails[email] {
		return nil, errors.New("directory unavailable")
	}
	if g, ok := m.parents[email]; ok {
		cp := g
		return &cp, nil
	}
	return nil, nil
}

func (m *memDirectory) FindLegacyGuardianByEmail(_ context.Context, email string) (*school.LegacyGuardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lg, ok := m.legacy[email]; ok {
		cp := lg
		return &cp, nil
	}
	return nil, nil
}

func (m *memDirectory) UpsertGuardian(_ context.Context, g school.Guardian) (school.Guardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	g.ID = fmt.Sprintf("g-%d", m.nextID)
	m.upserted = append(m.upserted, g)
	return g, nil
}

type captureQueue struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (c *captureQueue) Publish(_ context.Context, msg queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureQueue) Consume(context.Context) (<-chan queue.Message, error) {
	return nil, errors.New("not implemented")
}

func strptr(s string) *string { return &s }

func activeStudent(id string, fatherEmail, motherEmail string) school.Student {
	s := school.Student{ID: id, Name: "Student " + id, ClassID: "c1", SessionID: "2025", Status: school.StudentActive}
	if fatherEmail != "" {
		s.FatherEmail = strptr(fatherEmail)
	}
	if motherEmail != "" {
		s.MotherEmail = strptr(motherEmail)
	}
	return s
}

func activeParent(id, email string) school.Guardian {
	return school.Guardian{ID: id, Email: email, Role: school.RoleParent, Status: school.GuardianActive}
}

func TestCreateRequestValidation(t *testing.T) {
	svc := NewService(newMemStore(), newMemDirectory(), nil)
	tests := []struct {
		name string
		in   CreateInput
	}{
		{"missing title", CreateInput{Description: "d", SessionID: "2025", ClassID: "c1"}},
		{"missing description", CreateInput{Title: "t", SessionID: "2025", ClassID: "c1"}},
		{"missing session", CreateInput{Title: "t", Description: "d", ClassID: "c1"}},
		{"missing class", CreateInput{Title: "t", Description: "d", SessionID: "2025"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateRequest(context.Background(), tt.in)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("CreateRequest() kind = %v, want validation", apperr.KindOf(err))
			}
		})
	}
}

func TestCreateRequestNoActiveStudents(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, newMemDirectory(), nil)

	_, err := svc.CreateRequest(context.Background(), CreateInput{
		Title: "Field trip", Description: "Museum visit", SessionID: "2025", ClassID: "c1",
	})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("CreateRequest() kind = %v, want not-found", apperr.KindOf(err))
	}
	// The request row is left behind, orphaned.
	if len(store.requests) != 1 {
		t.Errorf("requests persisted = %d, want 1", len(store.requests))
	}
}

func TestFanoutBothParents(t *testing.T) {
	store := newMemStore()
	dir := newMemDirectory()
	dir.students = []school.Student{activeStudent("s1", "dad@example.com", "mom@example.com")}
	dir.parents["dad@example.com"] = activeParent("g1", "dad@example.com")
	dir.parents["mom@example.com"] = activeParent("g2", "mom@example.com")
	svc := NewService(store, dir, nil)

	res, err := svc.CreateRequest(context.Background(), CreateInput{
		Title: "t", Description: "d", SessionID: "2025", ClassID: "c1",
	})
	if err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}
	if res.ResponseCount != 2 {
		t.Errorf("ResponseCount = %d, want 2", res.ResponseCount)
	}
	for _, r := range store.responses {
		if r.Status != StatusPending {
			t.Errorf("response %s status = %s, want pending", r.ID, r.Status)
		}
	}
}

func TestFanoutSharedEmailCreatesOneResponse(t *testing.T) {
	store := newMemStore()
	dir := newMemDirectory()
	dir.students = []school.Student{activeStudent("s1", "home@example.com", "home@example.com")}
	dir.parents["home@example.com"] = activeParent("g1", "home@example.com")
	svc := NewService(store, dir, nil)

	res, err := svc.CreateRequest(context.Background(), CreateInput{
		Title: "t", Description: "d", SessionID: "2025", ClassID: "c1",
	})
	if err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}
	if res.ResponseCount != 1 {
		t.Errorf("ResponseCount = %d, want 1 for shared email", res.ResponseCount)
	}
}

func TestFanoutProvisionsFromLegacyRecord(t *testing.T) {
	store := newMemStore()
	dir := newMemDirectory()
	dir.students = []school.Student{activeStudent("s1", "dad@example.com", "")}
	dir.legacy["dad@example.com"] = school.LegacyGuardian{
		FatherName:   strptr("John Doe"),
		FatherEmail:  strptr("dad@example.com"),
		FatherMobile: strptr("555-0100"),
	}
	invites := &captureQueue{}
	svc := NewService(store, dir, invites)

	res, err := svc.CreateRequest(context.Background(), CreateInput{
		Title: "t", Description: "d", SessionID: "2025", ClassID: "c1",
	})
	if err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}
	if res.ResponseCount != 1 {
		t.Fatalf("ResponseCount = %d, want 1", res.ResponseCount)
	}

	if len(dir.upserted) != 1 {
		t.Fatalf("upserted guardians = %d, want 1", len(dir.upserted))
	}
	g := dir.upserted[0]
	if g.Status != school.GuardianInvited {
		t.Errorf("provisioned status = %s, want invited", g.Status)
	}
	if g.Name != "John Doe" || g.Phone != "555-0100" {
		t.Errorf("provisioned contact = %q/%q, want legacy values", g.Name, g.Phone)
	}
	if g.ActivationToken == nil || *g.ActivationToken == "" {
		t.Error("provisioned guardian has no activation token")
	}
	if len(invites.msgs) != 1 || invites.msgs[0].Type != queue.TypeInvite {
		t.Errorf("invites queued = %d, want exactly one invite message", len(invites.msgs))
	}
}

func TestFanoutSkipsUnresolvableGuardian(t *testing.T) {
	store := newMemStore()
	dir := newMemDirectory()
	dir.students = []school.Student{activeStudent("s1", "dad@example.com", "")}
	svc := NewService(store, dir, nil)

	res, err := svc.CreateRequest(context.Background(), CreateInput{
		Title: "t", Description: "d", SessionID: "2025", ClassID: "c1",
	})
	if err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}
	if res.ResponseCount != 0 || res.FailedStudents != 0 {
		t.Errorf("got count=%d failed=%d, want 0/0 for unresolvable guardian", res.ResponseCount, res.FailedStudents)
	}
}

func TestFanoutIsolatesStudentFailures(t *testing.T) {
	store := newMemStore()
	dir := newMemDirectory()
	dir.students = []school.Student{
		activeStudent("s1", "p1@example.com", ""),
		activeStudent("s2", "p2@example.com", ""),
		activeStudent("s3", "p3@example.com", ""),
	}
	for _, e := range []string{"p1@example.com", "p2@example.com", "p3@example.com"} {
		dir.parents[e] = activeParent("g-"+e, e)
	}
	dir.failEmails["p2@example.com"] = true
	svc := NewService(store, dir, nil)

	res, err := svc.CreateRequest(context.Background(), CreateInput{
		Title: "t", Description: "d", SessionID: "2025", ClassID: "c1",
	})
	if err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}
	if res.ResponseCount != 2 {
		t.Errorf("ResponseCount = %d, want 2 (failed student excluded)", res.ResponseCount)
	}
	if res.FailedStudents != 1 {
		t.Errorf("FailedStudents = %d, want 1", res.FailedStudents)
	}
}

func TestFanoutIsolatesResponseInsertFailures(t *testing.T) {
	store := newMemStore()
	store.failStudents["s2"] = true
	dir := newMemDirectory()
	dir.students = []school.Student{
		activeStudent("s1", "p1@example.com", ""),
		activeStudent("s2", "p2@example.com", ""),
	}
	dir.parents["p1@example.com"] = activeParent("g1", "p1@example.com")
	dir.parents["p2@example.com"] = activeParent("g2", "p2@example.com")
	svc := NewService(store, dir, nil)

	res, err := svc.CreateRequest(context.Background(), CreateInput{
		Title: "t", Description: "d", SessionID: "2025", ClassID: "c1",
	})
	if err != nil {
		t.Fatalf("CreateRequest() failed: %v", err)
	}
	if res.ResponseCount != 1 || res.FailedStudents != 1 {
		t.Errorf("got count=%d failed=%d, want 1/1", res.ResponseCount, res.FailedStudents)
	}
}

// seedSiblings stores two pending responses for the same student under
// one request, owned by g1 and g2.
func seedSiblings(t *testing.T, store *memStore) (r1, r2 Response) {
	t.Helper()
	ctx := context.Background()
	var err error
	r1, err = store.CreateResponse(ctx, Response{ConsentID: "req-1", StudentID: "s1", GuardianID: "g1", Status: StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	r2, err = store.CreateResponse(ctx, Response{ConsentID: "req-1", StudentID: "s1", GuardianID: "g2", Status: StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	return r1, r2
}

func TestRespondValidation(t *testing.T) {
	svc := NewService(newMemStore(), newMemDirectory(), nil)
	ctx := context.Background()

	if _, err := svc.Respond(ctx, "g1", "", StatusApproved); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty id: kind = %v, want validation", apperr.KindOf(err))
	}
	if _, err := svc.Respond(ctx, "g1", "resp-1", "maybe"); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("bad decision: kind = %v, want validation", apperr.KindOf(err))
	}
	if _, err := svc.Respond(ctx, "g1", "resp-1", StatusPending); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("pending decision: kind = %v, want validation", apperr.KindOf(err))
	}
}

func TestRespondHidesForeignResponses(t *testing.T) {
	store := newMemStore()
	r1, _ := seedSiblings(t, store)
	svc := NewService(store, newMemDirectory(), nil)

	// g2 targeting g1's row gets not-found, not forbidden.
	_, err := svc.Respond(context.Background(), "g2", r1.ID, StatusApproved)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("foreign response: kind = %v, want not-found", apperr.KindOf(err))
	}
}

func TestRespondTransitionsAllSiblings(t *testing.T) {
	store := newMemStore()
	r1, r2 := seedSiblings(t, store)
	svc := NewService(store, newMemDirectory(), nil)
	ctx := context.Background()

	n, err := svc.Respond(ctx, "g1", r1.ID, StatusApproved)
	if err != nil {
		t.Fatalf("Respond() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("transitioned = %d, want 2", n)
	}

	var respondedAt *time.Time
	for _, r := range store.responses {
		if r.Status != StatusApproved {
			t.Errorf("response %s status = %s, want approved", r.ID, r.Status)
		}
		if r.RespondedBy == nil || *r.RespondedBy != "g1" {
			t.Errorf("response %s responder = %v, want g1", r.ID, r.RespondedBy)
		}
		if respondedAt == nil {
			respondedAt = r.RespondedAt
		} else if r.RespondedAt == nil || !r.RespondedAt.Equal(*respondedAt) {
			t.Errorf("sibling timestamps differ")
		}
	}

	// Re-responding to either row now conflicts.
	if _, err := svc.Respond(ctx, "g1", r1.ID, StatusRejected); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("own re-response: kind = %v, want conflict", apperr.KindOf(err))
	}
	if _, err := svc.Respond(ctx, "g2", r2.ID, StatusRejected); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("sibling re-response: kind = %v, want conflict", apperr.KindOf(err))
	}
}

func TestConcurrentOppositeDecisions(t *testing.T) {
	for i := 0; i < 50; i++ {
		store := newMemStore()
		r1, r2 := seedSiblings(t, store)
		svc := NewService(store, newMemDirectory(), nil)
		ctx := context.Background()

		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = svc.Respond(ctx, "g1", r1.ID, StatusApproved)
		}()
		go func() {
			defer wg.Done()
			_, results[1] = svc.Respond(ctx, "g2", r2.ID, StatusRejected)
		}()
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			} else if apperr.KindOf(err) != apperr.KindConflict {
				t.Fatalf("loser error kind = %v, want conflict (err: %v)", apperr.KindOf(err), err)
			}
		}
		if wins != 1 {
			t.Fatalf("winners = %d, want exactly 1", wins)
		}

		// No mixed state: both rows share one terminal decision.
		status := store.responses[0].Status
		if status == StatusPending {
			t.Fatal("responses left pending after a winning decision")
		}
		for _, r := range store.responses {
			if r.Status != status {
				t.Fatalf("mixed decisions: %s vs %s", r.Status, status)
			}
		}
	}
}

func TestListForGuardianOwnRowsOnly(t *testing.T) {
	store := newMemStore()
	seedSiblings(t, store)
	svc := NewService(store, newMemDirectory(), nil)

	views, err := svc.ListForGuardian(context.Background(), "g1")
	if err != nil {
		t.Fatalf("ListForGuardian() failed: %v", err)
	}
	if len(views) != 1 {
		t.Errorf("views = %d, want 1 (own rows only)", len(views))
	}
}
