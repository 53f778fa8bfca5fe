package rbac

import (
	"time"

	"github.com/google/uuid"
)

// ScopeLevel is the organizational granularity at which a role applies.
type ScopeLevel string

const (
	ScopePlatform   ScopeLevel = "PLATFORM"
	ScopeOrg        ScopeLevel = "ORG"
	ScopeLocation   ScopeLevel = "LOCATION"
	ScopeDepartment ScopeLevel = "DEPARTMENT"
)

// ValidScopeLevel reports whether s is one of the enumerated scope levels.
func ValidScopeLevel(s ScopeLevel) bool {
	switch s {
	case ScopePlatform, ScopeOrg, ScopeLocation, ScopeDepartment:
		return true
	}
	return false
}

// AssignmentScope is the granularity of a single role grant.
type AssignmentScope string

const (
	AssignScopeOrg        AssignmentScope = "ORG"
	AssignScopeLocation   AssignmentScope = "LOCATION"
	AssignScopeDepartment AssignmentScope = "DEPARTMENT"
)

// ValidAssignmentScope reports whether s is one of the enumerated grant scopes.
func ValidAssignmentScope(s AssignmentScope) bool {
	switch s {
	case AssignScopeOrg, AssignScopeLocation, AssignScopeDepartment:
		return true
	}
	return false
}

// Role maps to the role table. A system role ships with the platform
// (org_id NULL, parent_role_id NULL); a tenant copy points back at the
// system role it was cloned from.
type Role struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Key          string     `db:"key" json:"key"`
	Name         string     `db:"name" json:"name"`
	Description  string     `db:"description" json:"description"`
	ScopeLevel   ScopeLevel `db:"scope_level" json:"scope_level"`
	Permissions  []string   `db:"permissions" json:"permissions"`
	IsSystem     bool       `db:"is_system" json:"is_system"`
	OrgID        *string    `db:"org_id" json:"org_id,omitempty"`
	ParentRoleID *uuid.UUID `db:"parent_role_id" json:"parent_role_id,omitempty"`
	IsModified   bool       `db:"is_modified" json:"is_modified"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// VisibleTo reports whether the role can be read by a caller acting for orgID:
// system roles are visible to everyone, custom roles only to their owner.
func (r *Role) VisibleTo(orgID string) bool {
	if r.IsSystem && r.OrgID == nil {
		return true
	}
	return r.OrgID != nil && *r.OrgID == orgID
}

// OwnedBy reports whether the role belongs to orgID.
func (r *Role) OwnedBy(orgID string) bool {
	return r.OrgID != nil && *r.OrgID == orgID
}

// RoleAssignment maps to the role_assignment table. Assignments are never
// hard-deleted; revocation stamps revoked_at so the grant history survives
// for audit.
type RoleAssignment struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	UserID           uuid.UUID       `db:"user_id" json:"user_id"`
	OrgID            string          `db:"org_id" json:"org_id"`
	RoleID           uuid.UUID       `db:"role_id" json:"role_id"`
	Scope            AssignmentScope `db:"scope" json:"scope"`
	LocationID       *uuid.UUID      `db:"location_id" json:"location_id,omitempty"`
	DepartmentID     *uuid.UUID      `db:"department_id" json:"department_id,omitempty"`
	AssignedAt       time.Time       `db:"assigned_at" json:"assigned_at"`
	AssignedBy       uuid.UUID       `db:"assigned_by" json:"assigned_by"`
	ExpiresAt        *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	RevokedAt        *time.Time      `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokedBy        *uuid.UUID      `db:"revoked_by" json:"revoked_by,omitempty"`
	RevocationReason *string         `db:"revocation_reason" json:"revocation_reason,omitempty"`
}

// ActiveAt reports whether the assignment grants permissions at the given
// instant: not revoked and not expired.
func (a *RoleAssignment) ActiveAt(now time.Time) bool {
	if a.RevokedAt != nil {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// PermissionChange maps to the permission_change table: an append-only feed of
// permission-affecting mutations, polled by clients that missed the push.
type PermissionChange struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OrgID       string     `db:"org_id" json:"org_id"`
	UserID      *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	RoleID      *uuid.UUID `db:"role_id" json:"role_id,omitempty"`
	ChangeType  string     `db:"change_type" json:"change_type"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
}

// Change types recorded in the permission_change feed.
const (
	ChangeRoleCreated  = "role.created"
	ChangeRoleUpdated  = "role.updated"
	ChangeRoleDeleted  = "role.deleted"
	ChangeRoleCopied   = "role.copied"
	ChangeRoleAssigned = "role.assigned"
	ChangeRoleRevoked  = "role.revoked"
)

// RoleUpdate carries the partial-update fields for UpdateRole. Nil pointers
// leave the corresponding field untouched.
type RoleUpdate struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// NewRole carries the fields for CreateRole.
type NewRole struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ScopeLevel  ScopeLevel `json:"scope_level"`
	Permissions []string   `json:"permissions"`
}

// NewAssignment carries the fields for AssignRole.
type NewAssignment struct {
	UserID       uuid.UUID       `json:"user_id"`
	OrgID        string          `json:"org_id"`
	RoleID       uuid.UUID       `json:"role_id"`
	Scope        AssignmentScope `json:"scope"`
	LocationID   *uuid.UUID      `json:"location_id,omitempty"`
	DepartmentID *uuid.UUID      `json:"department_id,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}
