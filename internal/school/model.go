package school

import "time"

// Student statuses.
const StudentActive = "active"

// Guardian account statuses.
const (
	GuardianActive  = "active"
	GuardianInvited = "invited"
)

// RoleParent is the account role held by guardian accounts.
const RoleParent = "parent"

// Class metadata. Classes are owned by the enrollment system and are
// read-only here.
type Class struct {
	ID         string
	Name       string
	SessionID  string
	TeacherIDs []string
}

// Student enrollment record, including legacy per-parent contact fields.
type Student struct {
	ID              string
	Name            string
	ClassID         string
	SessionID       string
	Status          string
	AdmissionNumber string
	FatherName      *string
	FatherEmail     *string
	MotherName      *string
	MotherEmail     *string
}

// Guardian is a parent-role user account.
type Guardian struct {
	ID              string
	Name            string
	Email           string
	Phone           string
	Role            string
	Status          string
	ActivationToken *string
	InviteSentAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LegacyGuardian is a contact record imported from the previous system,
// keyed by parent email.
type LegacyGuardian struct {
	FatherName   *string
	FatherEmail  *string
	FatherMobile *string
	MotherName   *string
	MotherEmail  *string
	MotherNumber *string
}

// Invitation is the queue payload asking the worker to deliver an
// account-activation invite to a provisioned guardian.
type Invitation struct {
	GuardianID string `json:"guardian_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Token      string `json:"token"`
}
