package auth

import "testing"

func TestPolicy(t *testing.T) {
	tests := []struct {
		op   Operation
		role string
		want bool
	}{
		{OpRecordAttendance, RoleTeacher, true},
		{OpRecordAttendance, RoleAdmin, true},
		{OpRecordAttendance, RoleParent, false},
		{OpCreateConsent, RoleAdmin, true},
		{OpCreateConsent, RoleTeacher, false},
		{OpListConsents, RoleParent, true},
		{OpListConsents, RoleAdmin, false},
		{OpRespondConsent, RoleParent, true},
		{OpRespondConsent, RoleTeacher, false},
		{Operation("unknown"), RoleAdmin, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.op, tt.role); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.op, tt.role, got, tt.want)
		}
	}
}
