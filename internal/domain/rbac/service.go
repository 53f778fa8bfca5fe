package rbac

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rbac/internal/domain/auditevent"
)

// TxRunner wraps a function in one database transaction. Every mutating
// service operation runs its row changes, audit insert and change-feed insert
// under a single InTx call.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditRecorder is the audit sink; satisfied by auditevent.Service.
type AuditRecorder interface {
	Record(ctx context.Context, e *auditevent.AuditEvent) error
}

// MembershipChecker answers whether a user belongs to an org. The default
// implementation treats any prior assignment row as proof of membership,
// which cannot admit a user's very first grant in a brand-new org; those go
// through AssignRoleBootstrap.
type MembershipChecker interface {
	IsMember(ctx context.Context, userID uuid.UUID, orgID string) (bool, error)
}

type assignmentMembership struct {
	assignments AssignmentRepository
}

// NewAssignmentMembership returns the prior-assignment membership check.
func NewAssignmentMembership(assignments AssignmentRepository) MembershipChecker {
	return &assignmentMembership{assignments: assignments}
}

func (m *assignmentMembership) IsMember(ctx context.Context, userID uuid.UUID, orgID string) (bool, error) {
	return m.assignments.ExistsForUser(ctx, userID, orgID)
}

// Service orchestrates role management: copy-on-write customization,
// assignment lifecycle, permission aggregation, audit and change fan-out.
type Service struct {
	roles       RoleRepository
	assignments AssignmentRepository
	changes     ChangeRepository
	audit       AuditRecorder
	membership  MembershipChecker
	notifier    Notifier
	tx          TxRunner
	now         func() time.Time
}

func NewService(
	roles RoleRepository,
	assignments AssignmentRepository,
	changes ChangeRepository,
	audit AuditRecorder,
	membership MembershipChecker,
	notifier Notifier,
	tx TxRunner,
) *Service {
	return &Service{
		roles:       roles,
		assignments: assignments,
		changes:     changes,
		audit:       audit,
		membership:  membership,
		notifier:    notifier,
		tx:          tx,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// pendingNotify is an event collected during a transaction and emitted only
// after it commits.
type pendingNotify struct {
	orgID  string
	userID *uuid.UUID
	event  Event
}

func (s *Service) emit(pending []pendingNotify) {
	for _, p := range pending {
		if p.userID != nil {
			s.notifier.NotifyUser(p.orgID, *p.userID, p.event)
		} else {
			s.notifier.NotifyOrg(p.orgID, p.event)
		}
	}
}

// -- Queries --

func (s *Service) ListRoles(ctx context.Context, orgID string, includeSystem, includeCustom bool) ([]*Role, error) {
	if !includeSystem && !includeCustom {
		return nil, invalidf("at least one of include_system, include_custom must be set")
	}
	return s.roles.List(ctx, RoleFilter{OrgID: orgID, IncludeSystem: includeSystem, IncludeCustom: includeCustom})
}

// GetRole resolves a role by surrogate id or key, restricted to roles visible
// to orgID (system roles or the org's own).
func (s *Service) GetRole(ctx context.Context, identifier, orgID string) (*Role, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		role, err := s.roles.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if !role.VisibleTo(orgID) {
			return nil, notFoundf("role %s", identifier)
		}
		return role, nil
	}
	return s.roles.GetByKey(ctx, identifier, orgID)
}

// GetUserPermissions returns the deduplicated, sorted union of permissions
// from every assignment the user actively holds in the org. This is the read
// path every authorization check goes through.
func (s *Service) GetUserPermissions(ctx context.Context, userID uuid.UUID, orgID string) ([]string, error) {
	perms, err := s.assignments.AggregatePermissions(ctx, userID, orgID, s.now())
	if err != nil {
		return nil, err
	}
	return normalizePermissions(perms), nil
}

func normalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Service) GetUserRoleAssignments(ctx context.Context, userID uuid.UUID, orgID string) ([]*RoleAssignment, error) {
	now := s.now()
	return s.assignments.List(ctx, AssignmentFilter{UserID: &userID, OrgID: &orgID, ActiveAt: &now})
}

// GetPermissionMatrix returns the tenant-facing resources-by-actions grid.
func (s *Service) GetPermissionMatrix() []MatrixResource {
	return Matrix()
}

const (
	defaultChangeLimit = 100
	maxChangeLimit     = 500
)

// GetPermissionChanges returns the org's change feed after `since`, oldest
// first, for clients reconciling after a missed push.
func (s *Service) GetPermissionChanges(ctx context.Context, orgID string, since time.Time, limit int) ([]*PermissionChange, error) {
	if limit <= 0 {
		limit = defaultChangeLimit
	}
	if limit > maxChangeLimit {
		limit = maxChangeLimit
	}
	return s.changes.List(ctx, orgID, since, limit)
}

func (s *Service) MarkPermissionChangesProcessed(ctx context.Context, orgID string, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, invalidf("ids are required")
	}
	return s.changes.MarkProcessed(ctx, orgID, ids, s.now())
}

// -- Commands --

// CreateRole creates a tenant-owned role. A key is generated from the name
// when none is supplied.
func (s *Service) CreateRole(ctx context.Context, orgID string, actorID uuid.UUID, in NewRole) (*Role, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalidf("role name is required")
	}
	if !ValidScopeLevel(in.ScopeLevel) {
		return nil, invalidf("scope_level %q is not one of PLATFORM, ORG, LOCATION, DEPARTMENT", in.ScopeLevel)
	}
	if in.Permissions == nil {
		return nil, invalidf("permissions are required")
	}
	key := strings.TrimSpace(in.Key)
	if key == "" {
		key = generateRoleKey(in.Name)
	}

	now := s.now()
	org := orgID
	role := &Role{
		ID:          uuid.New(),
		Key:         key,
		Name:        in.Name,
		Description: in.Description,
		ScopeLevel:  in.ScopeLevel,
		Permissions: append([]string(nil), in.Permissions...),
		OrgID:       &org,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var pending []pendingNotify
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.roles.Create(ctx, role); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, &auditevent.AuditEvent{
			OrgID:      &org,
			ActorID:    &actorID,
			Action:     auditevent.ActionRoleCreated,
			TargetType: auditevent.TargetRole,
			TargetID:   &role.ID,
			Detail: map[string]interface{}{
				"key":         role.Key,
				"name":        role.Name,
				"permissions": role.Permissions,
			},
			RecordedAt: now,
		}); err != nil {
			return err
		}
		if err := s.changes.Insert(ctx, &PermissionChange{
			OrgID:      org,
			RoleID:     &role.ID,
			ChangeType: ChangeRoleCreated,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		pending = append(pending, pendingNotify{orgID: org, event: Event{
			Type:      ChangeRoleCreated,
			OrgID:     org,
			RoleID:    &role.ID,
			RoleKey:   role.Key,
			Timestamp: now,
		}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(pending)
	return role, nil
}

func generateRoleKey(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	mapped = strings.Trim(mapped, "_")
	if mapped == "" {
		mapped = "ROLE"
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return mapped + "_" + suffix
}

// UpdateRole applies a partial update. Editing a system role in tenant
// context transparently redirects to the org's copy, creating it first when
// needed (copy-on-write). Setting permissions always marks the role modified,
// even when the new list equals the old one.
func (s *Service) UpdateRole(ctx context.Context, roleID uuid.UUID, orgID string, actorID uuid.UUID, updates RoleUpdate) (*Role, error) {
	if updates.Name == nil && updates.Description == nil && updates.Permissions == nil {
		return nil, invalidf("no fields to update")
	}

	var (
		updated *Role
		pending []pendingNotify
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		role, err := s.roles.GetByID(ctx, roleID)
		if err != nil {
			return err
		}

		copyOnWrite := false
		if role.IsSystem && role.OrgID == nil {
			role, _, err = s.materializeCopy(ctx, role, orgID, actorID)
			if err != nil {
				return err
			}
			copyOnWrite = true
		} else if !role.OwnedBy(orgID) {
			return accessDeniedf("role %s belongs to another organization", roleID)
		}

		before := map[string]interface{}{
			"name":        role.Name,
			"permissions": append([]string(nil), role.Permissions...),
		}

		if updates.Name != nil {
			role.Name = *updates.Name
		}
		if updates.Description != nil {
			role.Description = *updates.Description
		}
		if updates.Permissions != nil {
			role.Permissions = append([]string(nil), updates.Permissions...)
			role.IsModified = true
		}
		now := s.now()
		role.UpdatedAt = now

		if err := s.roles.Update(ctx, role); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, &auditevent.AuditEvent{
			OrgID:      &orgID,
			ActorID:    &actorID,
			Action:     auditevent.ActionRoleUpdated,
			TargetType: auditevent.TargetRole,
			TargetID:   &role.ID,
			Detail: map[string]interface{}{
				"before":        before,
				"after":         map[string]interface{}{"name": role.Name, "permissions": role.Permissions},
				"copy_on_write": copyOnWrite,
			},
			RecordedAt: now,
		}); err != nil {
			return err
		}
		if err := s.changes.Insert(ctx, &PermissionChange{
			OrgID:      orgID,
			RoleID:     &role.ID,
			ChangeType: ChangeRoleUpdated,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		// Users assigned either to the copy or to the system role it
		// shadows are affected.
		affected := []uuid.UUID{role.ID}
		if role.ParentRoleID != nil {
			affected = append(affected, *role.ParentRoleID)
		}
		userIDs, err := s.assignments.ListActiveUserIDs(ctx, orgID, affected, now)
		if err != nil {
			return err
		}
		for _, userID := range userIDs {
			uid := userID
			pending = append(pending, pendingNotify{orgID: orgID, userID: &uid, event: Event{
				Type:      ChangeRoleUpdated,
				OrgID:     orgID,
				UserID:    &uid,
				RoleID:    &role.ID,
				RoleKey:   role.Key,
				Timestamp: now,
			}})
		}
		pending = append(pending, pendingNotify{orgID: orgID, event: Event{
			Type:      ChangeRoleUpdated,
			OrgID:     orgID,
			RoleID:    &role.ID,
			RoleKey:   role.Key,
			Timestamp: now,
		}})

		updated = role
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(pending)
	return updated, nil
}

// CopySystemRoleForOrg materializes the org's private copy of a system role.
// Idempotent: a second call returns the existing copy.
func (s *Service) CopySystemRoleForOrg(ctx context.Context, roleID uuid.UUID, orgID string, actorID uuid.UUID) (*Role, error) {
	var out *Role
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		role, err := s.roles.GetByID(ctx, roleID)
		if err != nil {
			return err
		}
		if !role.IsSystem || role.OrgID != nil {
			return notFoundf("system role %s", roleID)
		}
		out, _, err = s.materializeCopy(ctx, role, orgID, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// materializeCopy returns the org's copy of the given system role, inserting
// it when absent. A concurrent first-edit racing on the (parent_role_id,
// org_id) unique index loses the insert and re-fetches. The bool reports
// whether a new copy was created.
func (s *Service) materializeCopy(ctx context.Context, system *Role, orgID string, actorID uuid.UUID) (*Role, bool, error) {
	existing, err := s.roles.GetCopy(ctx, system.ID, orgID)
	if err == nil {
		return existing, false, nil
	}
	if !IsNotFound(err) {
		return nil, false, err
	}

	now := s.now()
	org := orgID
	parent := system.ID
	copy := &Role{
		ID:           uuid.New(),
		Key:          system.Key,
		Name:         system.Name,
		Description:  system.Description,
		ScopeLevel:   system.ScopeLevel,
		Permissions:  append([]string(nil), system.Permissions...),
		OrgID:        &org,
		ParentRoleID: &parent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.roles.Create(ctx, copy); err != nil {
		if errors.Is(err, errCopyExists) {
			existing, ferr := s.roles.GetCopy(ctx, system.ID, orgID)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	if err := s.audit.Record(ctx, &auditevent.AuditEvent{
		OrgID:      &org,
		ActorID:    &actorID,
		Action:     auditevent.ActionRoleCopied,
		TargetType: auditevent.TargetRole,
		TargetID:   &copy.ID,
		Detail: map[string]interface{}{
			"parent_role_id": system.ID.String(),
			"key":            copy.Key,
		},
		RecordedAt: now,
	}); err != nil {
		return nil, false, err
	}
	if err := s.changes.Insert(ctx, &PermissionChange{
		OrgID:      org,
		RoleID:     &copy.ID,
		ChangeType: ChangeRoleCopied,
		CreatedAt:  now,
	}); err != nil {
		return nil, false, err
	}
	return copy, true, nil
}

// DeleteRole removes a tenant-owned role with no active assignments. System
// roles are never deletable.
func (s *Service) DeleteRole(ctx context.Context, roleID uuid.UUID, orgID string, actorID uuid.UUID) error {
	var pending []pendingNotify
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		role, err := s.roles.GetByID(ctx, roleID)
		if err != nil {
			return err
		}
		if role.IsSystem && role.OrgID == nil {
			return accessDeniedf("system role %s cannot be deleted", role.Key)
		}
		if !role.OwnedBy(orgID) {
			return accessDeniedf("role %s belongs to another organization", roleID)
		}
		now := s.now()
		active, err := s.assignments.CountActiveByRole(ctx, role.ID, now)
		if err != nil {
			return err
		}
		if active > 0 {
			return conflictf("role %s has %d active assignments", role.Key, active)
		}

		if err := s.roles.Delete(ctx, role.ID); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, &auditevent.AuditEvent{
			OrgID:      &orgID,
			ActorID:    &actorID,
			Action:     auditevent.ActionRoleDeleted,
			TargetType: auditevent.TargetRole,
			TargetID:   &role.ID,
			Detail: map[string]interface{}{
				"key":         role.Key,
				"name":        role.Name,
				"permissions": role.Permissions,
			},
			RecordedAt: now,
		}); err != nil {
			return err
		}
		if err := s.changes.Insert(ctx, &PermissionChange{
			OrgID:      orgID,
			RoleID:     &role.ID,
			ChangeType: ChangeRoleDeleted,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		pending = append(pending, pendingNotify{orgID: orgID, event: Event{
			Type:      ChangeRoleDeleted,
			OrgID:     orgID,
			RoleID:    &role.ID,
			RoleKey:   role.Key,
			Timestamp: now,
		}})
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(pending)
	return nil
}

// AssignRole grants a role to an org member. The membership gate requires a
// prior assignment in the org; first-ever grants go through
// AssignRoleBootstrap.
func (s *Service) AssignRole(ctx context.Context, actorID uuid.UUID, in NewAssignment) (*RoleAssignment, error) {
	return s.assignRole(ctx, actorID, in, true)
}

// AssignRoleBootstrap grants a role without the membership gate. Reserved for
// org provisioning and seeding flows, where the user has no prior assignment
// to prove membership with.
func (s *Service) AssignRoleBootstrap(ctx context.Context, actorID uuid.UUID, in NewAssignment) (*RoleAssignment, error) {
	return s.assignRole(ctx, actorID, in, false)
}

func (s *Service) assignRole(ctx context.Context, actorID uuid.UUID, in NewAssignment, checkMembership bool) (*RoleAssignment, error) {
	if in.UserID == uuid.Nil {
		return nil, invalidf("user_id is required")
	}
	if in.OrgID == "" {
		return nil, invalidf("org_id is required")
	}
	if in.RoleID == uuid.Nil {
		return nil, invalidf("role_id is required")
	}
	if !ValidAssignmentScope(in.Scope) {
		return nil, invalidf("scope %q is not one of ORG, LOCATION, DEPARTMENT", in.Scope)
	}
	if in.Scope == AssignScopeLocation && in.LocationID == nil {
		return nil, invalidf("location_id is required for LOCATION scope")
	}
	if in.Scope == AssignScopeDepartment && in.DepartmentID == nil {
		return nil, invalidf("department_id is required for DEPARTMENT scope")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return nil, invalidf("expires_at must be in the future")
	}

	var (
		assignment *RoleAssignment
		pending    []pendingNotify
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		role, err := s.roles.GetByID(ctx, in.RoleID)
		if err != nil {
			return err
		}
		if !role.VisibleTo(in.OrgID) {
			return notFoundf("role %s", in.RoleID)
		}
		if checkMembership {
			member, err := s.membership.IsMember(ctx, in.UserID, in.OrgID)
			if err != nil {
				return err
			}
			if !member {
				return notFoundf("user %s has no membership in org %s", in.UserID, in.OrgID)
			}
		}

		now := s.now()
		assignment = &RoleAssignment{
			ID:           uuid.New(),
			UserID:       in.UserID,
			OrgID:        in.OrgID,
			RoleID:       in.RoleID,
			Scope:        in.Scope,
			LocationID:   in.LocationID,
			DepartmentID: in.DepartmentID,
			AssignedAt:   now,
			AssignedBy:   actorID,
			ExpiresAt:    in.ExpiresAt,
		}
		if err := s.assignments.Create(ctx, assignment); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, &auditevent.AuditEvent{
			OrgID:      &in.OrgID,
			ActorID:    &actorID,
			Action:     auditevent.ActionRoleGranted,
			TargetType: auditevent.TargetAssignment,
			TargetID:   &assignment.ID,
			Detail: map[string]interface{}{
				"user_id":  in.UserID.String(),
				"role_id":  in.RoleID.String(),
				"role_key": role.Key,
				"scope":    string(in.Scope),
			},
			RecordedAt: now,
		}); err != nil {
			return err
		}
		if err := s.changes.Insert(ctx, &PermissionChange{
			OrgID:      in.OrgID,
			UserID:     &in.UserID,
			RoleID:     &in.RoleID,
			ChangeType: ChangeRoleAssigned,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		// The direct notification carries the user's freshly resolved
		// permission set, new grant included.
		perms, err := s.assignments.AggregatePermissions(ctx, in.UserID, in.OrgID, now)
		if err != nil {
			return err
		}
		uid := in.UserID
		pending = append(pending, pendingNotify{orgID: in.OrgID, userID: &uid, event: Event{
			Type:        ChangeRoleAssigned,
			OrgID:       in.OrgID,
			UserID:      &uid,
			RoleID:      &in.RoleID,
			RoleKey:     role.Key,
			Permissions: normalizePermissions(perms),
			Timestamp:   now,
		}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(pending)
	return assignment, nil
}

// RevokeRole soft-revokes an active assignment. Revocation is final: a second
// call on the same assignment reports NotFound.
func (s *Service) RevokeRole(ctx context.Context, assignmentID uuid.UUID, orgID string, actorID uuid.UUID, reason string) error {
	var pending []pendingNotify
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		assignment, err := s.assignments.GetByID(ctx, assignmentID)
		if err != nil {
			return err
		}
		if assignment.OrgID != orgID {
			return accessDeniedf("assignment %s belongs to another organization", assignmentID)
		}

		now := s.now()
		var reasonPtr *string
		if reason != "" {
			reasonPtr = &reason
		}
		if err := s.assignments.Revoke(ctx, assignmentID, actorID, reasonPtr, now); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, &auditevent.AuditEvent{
			OrgID:      &orgID,
			ActorID:    &actorID,
			Action:     auditevent.ActionRoleRevoked,
			TargetType: auditevent.TargetAssignment,
			TargetID:   &assignmentID,
			Detail: map[string]interface{}{
				"user_id": assignment.UserID.String(),
				"role_id": assignment.RoleID.String(),
				"reason":  reason,
			},
			RecordedAt: now,
		}); err != nil {
			return err
		}
		if err := s.changes.Insert(ctx, &PermissionChange{
			OrgID:      orgID,
			UserID:     &assignment.UserID,
			RoleID:     &assignment.RoleID,
			ChangeType: ChangeRoleRevoked,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		perms, err := s.assignments.AggregatePermissions(ctx, assignment.UserID, orgID, now)
		if err != nil {
			return err
		}
		uid := assignment.UserID
		rid := assignment.RoleID
		pending = append(pending, pendingNotify{orgID: orgID, userID: &uid, event: Event{
			Type:        ChangeRoleRevoked,
			OrgID:       orgID,
			UserID:      &uid,
			RoleID:      &rid,
			Permissions: normalizePermissions(perms),
			Timestamp:   now,
		}})
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(pending)
	return nil
}

// SeedSystemRoles installs the built-in role templates. Idempotent: existing
// keys are left untouched so platform operators can re-run it safely.
func (s *Service) SeedSystemRoles(ctx context.Context) (int, error) {
	created := 0
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		for _, t := range SystemRoleTemplates() {
			_, err := s.roles.GetByKey(ctx, t.Key, "")
			if err == nil {
				continue
			}
			if !IsNotFound(err) {
				return err
			}
			now := s.now()
			role := &Role{
				ID:          uuid.New(),
				Key:         t.Key,
				Name:        t.Name,
				Description: t.Description,
				ScopeLevel:  t.ScopeLevel,
				Permissions: t.Permissions,
				IsSystem:    true,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.roles.Create(ctx, role); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
