package domain

import (
	"fmt"
	"strings"
)

// Role is the caller's role inside an organization.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleAgent    Role = "agent"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleReviewer, RoleAgent:
		return true
	}
	return false
}

func ParseRoleFromString(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if !role.IsValid() {
		return "", fmt.Errorf("%w: invalid role %q", ErrValidation, s)
	}
	return role, nil
}

// Actor is the request-scoped identity passed into every service call.
type Actor struct {
	OrganizationID string
	UserID         string
	Role           Role
}

func (a Actor) Validate() error {
	if strings.TrimSpace(a.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	if strings.TrimSpace(a.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !a.Role.IsValid() {
		return fmt.Errorf("%w: invalid role %q", ErrValidation, a.Role)
	}
	return nil
}

// CanDecide reports whether the actor may approve, deny or push requests.
func (a Actor) CanDecide() bool {
	return a.Role == RoleAdmin || a.Role == RoleReviewer
}

// RequireDecider returns ErrForbidden unless the actor may make decisions.
func (a Actor) RequireDecider() error {
	if err := a.Validate(); err != nil {
		return err
	}
	if !a.CanDecide() {
		return fmt.Errorf("%w: role %q may not decide requests", ErrForbidden, a.Role)
	}
	return nil
}

// Owns reports whether a resource in organizationID is visible to the actor.
func (a Actor) Owns(organizationID string) bool {
	return a.OrganizationID != "" && a.OrganizationID == organizationID
}
