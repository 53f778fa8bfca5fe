package auditevent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SearchParams narrows Search. Nil fields are ignored.
type SearchParams struct {
	OrgID      *string
	ActorID    *uuid.UUID
	Action     *string
	TargetType *string
	TargetID   *uuid.UUID
	From       *time.Time
	To         *time.Time
}

// Repository persists audit events.
type Repository interface {
	Insert(ctx context.Context, e *AuditEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*AuditEvent, error)
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error)
}
