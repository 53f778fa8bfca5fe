package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RoleFilter narrows List. At least one of the include flags must be set;
// the service enforces that before calling the repo.
type RoleFilter struct {
	OrgID         string
	IncludeSystem bool
	IncludeCustom bool
}

// AssignmentFilter narrows assignment listings. Nil fields are ignored;
// ActiveAt restricts to assignments active at that instant.
type AssignmentFilter struct {
	UserID   *uuid.UUID
	OrgID    *string
	RoleID   *uuid.UUID
	ActiveAt *time.Time
}

// RoleRepository persists roles. Implementations return an error wrapping
// ErrNotFound when a lookup misses and ErrConflict when an insert violates a
// uniqueness constraint ((key, org) or the one-copy-per-org index).
type RoleRepository interface {
	Create(ctx context.Context, role *Role) error
	GetByID(ctx context.Context, id uuid.UUID) (*Role, error)
	GetByKey(ctx context.Context, key, orgID string) (*Role, error)
	GetCopy(ctx context.Context, parentRoleID uuid.UUID, orgID string) (*Role, error)
	List(ctx context.Context, f RoleFilter) ([]*Role, error)
	Update(ctx context.Context, role *Role) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AssignmentRepository persists role grants.
type AssignmentRepository interface {
	Create(ctx context.Context, a *RoleAssignment) error
	GetByID(ctx context.Context, id uuid.UUID) (*RoleAssignment, error)
	List(ctx context.Context, f AssignmentFilter) ([]*RoleAssignment, error)
	CountActiveByRole(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error)
	ListActiveUserIDs(ctx context.Context, orgID string, roleIDs []uuid.UUID, now time.Time) ([]uuid.UUID, error)
	Revoke(ctx context.Context, id, revokedBy uuid.UUID, reason *string, at time.Time) error
	AggregatePermissions(ctx context.Context, userID uuid.UUID, orgID string, now time.Time) ([]string, error)
	ExistsForUser(ctx context.Context, userID uuid.UUID, orgID string) (bool, error)
}

// ChangeRepository persists the append-only permission-change feed.
type ChangeRepository interface {
	Insert(ctx context.Context, c *PermissionChange) error
	List(ctx context.Context, orgID string, since time.Time, limit int) ([]*PermissionChange, error)
	MarkProcessed(ctx context.Context, orgID string, ids []uuid.UUID, at time.Time) (int64, error)
}
