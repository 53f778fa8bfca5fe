// Package auditevent stores the append-only audit trail for role and
// permission mutations. Records are written in the same transaction as the
// mutation they describe and are never updated or deleted.
package auditevent

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded in the audit trail.
const (
	ActionRoleCreated = "ROLE.CREATED"
	ActionRoleUpdated = "ROLE.UPDATED"
	ActionRoleDeleted = "ROLE.DELETED"
	ActionRoleCopied  = "ROLE.COPIED"
	ActionRoleGranted = "ROLE.GRANTED"
	ActionRoleRevoked = "ROLE.REVOKED"
)

// Target types.
const (
	TargetRole       = "role"
	TargetAssignment = "role_assignment"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one audit record. Detail holds action-specific payload such
// as before/after snapshots and the copy-on-write marker, stored as jsonb.
type AuditEvent struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	OrgID      *string                `db:"org_id" json:"org_id,omitempty"`
	ActorID    *uuid.UUID             `db:"actor_id" json:"actor_id,omitempty"`
	Action     string                 `db:"action" json:"action"`
	TargetType string                 `db:"target_type" json:"target_type"`
	TargetID   *uuid.UUID             `db:"target_id" json:"target_id,omitempty"`
	Outcome    string                 `db:"outcome" json:"outcome"`
	Detail     map[string]interface{} `db:"detail" json:"detail,omitempty"`
	RecordedAt time.Time              `db:"recorded_at" json:"recorded_at"`
}
