package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Operation names an action a caller may attempt.
type Operation string

const (
	OpRecordAttendance Operation = "attendance.record"
	OpViewAttendance   Operation = "attendance.view"
	OpCreateConsent    Operation = "consent.create"
	OpListConsents     Operation = "consent.list"
	OpRespondConsent   Operation = "consent.respond"
)

// policy maps each operation to the roles allowed to perform it.
// Ownership checks (own class, own responses) remain with the services.
var policy = map[Operation][]string{
	OpRecordAttendance: {RoleTeacher, RoleAdmin},
	OpViewAttendance:   {RoleTeacher, RoleAdmin},
	OpCreateConsent:    {RoleAdmin},
	OpListConsents:     {RoleParent},
	OpRespondConsent:   {RoleParent},
}

// Allowed reports whether role may perform op.
func Allowed(op Operation, role string) bool {
	for _, r := range policy[op] {
		if r == role {
			return true
		}
	}
	return false
}

// Require returns a middleware rejecting callers whose role is not
// permitted for op. Must run after UserAuth.
func Require(op Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || !Allowed(op, claims.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "unauthorized"})
			return
		}
		c.Next()
	}
}
