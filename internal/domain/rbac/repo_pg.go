package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rbac/internal/platform/db"
)

// queryable abstracts pgxpool.Pool, pgxpool.Conn and pgx.Tx for tenant-scoped queries.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// -- Role Repository --

type roleRepoPG struct {
	pool *pgxpool.Pool
}

func NewRoleRepo(pool *pgxpool.Pool) RoleRepository {
	return &roleRepoPG{pool: pool}
}

func (r *roleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const roleColumns = `id, key, name, description, scope_level, permissions,
	is_system, org_id, parent_role_id, is_modified, created_at, updated_at`

func (r *roleRepoPG) Create(ctx context.Context, role *Role) error {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO role (
			id, key, name, description, scope_level, permissions,
			is_system, org_id, parent_role_id, is_modified, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		role.ID, role.Key, role.Name, role.Description, string(role.ScopeLevel), role.Permissions,
		role.IsSystem, role.OrgID, role.ParentRoleID, role.IsModified, role.CreatedAt, role.UpdatedAt,
	)
	if isUniqueViolation(err) {
		// The copy index and the key indexes share the SQLSTATE; only the
		// former may be resolved by re-fetching the existing copy.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "role_one_copy_per_org" {
			return fmt.Errorf("copy of role for org: %w", errCopyExists)
		}
		return conflictf("role %q already exists", role.Key)
	}
	return err
}

func (r *roleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	role, err := r.scanRole(r.conn(ctx).QueryRow(ctx,
		`SELECT `+roleColumns+` FROM role WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("role %s", id)
	}
	return role, err
}

func (r *roleRepoPG) GetByKey(ctx context.Context, key, orgID string) (*Role, error) {
	// An org-owned role shadows a system role with the same key.
	role, err := r.scanRole(r.conn(ctx).QueryRow(ctx, `
		SELECT `+roleColumns+` FROM role
		WHERE key = $1 AND (org_id = $2 OR (is_system AND org_id IS NULL))
		ORDER BY org_id NULLS LAST LIMIT 1`, key, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("role %q", key)
	}
	return role, err
}

func (r *roleRepoPG) GetCopy(ctx context.Context, parentRoleID uuid.UUID, orgID string) (*Role, error) {
	role, err := r.scanRole(r.conn(ctx).QueryRow(ctx, `
		SELECT `+roleColumns+` FROM role
		WHERE parent_role_id = $1 AND org_id = $2`, parentRoleID, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("copy of role %s for org %s", parentRoleID, orgID)
	}
	return role, err
}

func (r *roleRepoPG) List(ctx context.Context, f RoleFilter) ([]*Role, error) {
	query := `SELECT ` + roleColumns + ` FROM role WHERE 1=0`
	var args []interface{}
	idx := 1

	if f.IncludeSystem {
		query += ` OR (is_system AND org_id IS NULL)`
	}
	if f.IncludeCustom {
		query += fmt.Sprintf(` OR org_id = $%d`, idx)
		args = append(args, f.OrgID)
		idx++
	}
	// System roles first, then copies of system roles, then the rest of
	// the org's custom roles; alphabetical within each group.
	query += ` ORDER BY CASE WHEN is_system THEN 0 WHEN parent_role_id IS NOT NULL THEN 1 ELSE 2 END, name`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role, err := r.scanRoleRow(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *roleRepoPG) Update(ctx context.Context, role *Role) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE role SET
			name = $2, description = $3, permissions = $4, is_modified = $5, updated_at = $6
		WHERE id = $1`,
		role.ID, role.Name, role.Description, role.Permissions, role.IsModified, role.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("role %s", role.ID)
	}
	return nil
}

func (r *roleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM role WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("role %s", id)
	}
	return nil
}

func (r *roleRepoPG) scanRole(row pgx.Row) (*Role, error) {
	var ro Role
	var scope string
	err := row.Scan(
		&ro.ID, &ro.Key, &ro.Name, &ro.Description, &scope, &ro.Permissions,
		&ro.IsSystem, &ro.OrgID, &ro.ParentRoleID, &ro.IsModified, &ro.CreatedAt, &ro.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ro.ScopeLevel = ScopeLevel(scope)
	return &ro, nil
}

func (r *roleRepoPG) scanRoleRow(rows pgx.Rows) (*Role, error) {
	var ro Role
	var scope string
	err := rows.Scan(
		&ro.ID, &ro.Key, &ro.Name, &ro.Description, &scope, &ro.Permissions,
		&ro.IsSystem, &ro.OrgID, &ro.ParentRoleID, &ro.IsModified, &ro.CreatedAt, &ro.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ro.ScopeLevel = ScopeLevel(scope)
	return &ro, nil
}

// -- Assignment Repository --

type assignmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAssignmentRepo(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const assignmentColumns = `id, user_id, org_id, role_id, scope, location_id, department_id,
	assigned_at, assigned_by, expires_at, revoked_at, revoked_by, revocation_reason`

func (r *assignmentRepoPG) Create(ctx context.Context, a *RoleAssignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO role_assignment (
			id, user_id, org_id, role_id, scope, location_id, department_id,
			assigned_at, assigned_by, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.UserID, a.OrgID, a.RoleID, string(a.Scope), a.LocationID, a.DepartmentID,
		a.AssignedAt, a.AssignedBy, a.ExpiresAt,
	)
	return err
}

func (r *assignmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*RoleAssignment, error) {
	a, err := r.scanAssignment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundf("role assignment %s", id)
	}
	return a, err
}

func (r *assignmentRepoPG) List(ctx context.Context, f AssignmentFilter) ([]*RoleAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM role_assignment WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.UserID != nil {
		query += fmt.Sprintf(` AND user_id = $%d`, idx)
		args = append(args, *f.UserID)
		idx++
	}
	if f.OrgID != nil {
		query += fmt.Sprintf(` AND org_id = $%d`, idx)
		args = append(args, *f.OrgID)
		idx++
	}
	if f.RoleID != nil {
		query += fmt.Sprintf(` AND role_id = $%d`, idx)
		args = append(args, *f.RoleID)
		idx++
	}
	if f.ActiveAt != nil {
		query += fmt.Sprintf(` AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $%d)`, idx)
		args = append(args, *f.ActiveAt)
		idx++
	}
	query += ` ORDER BY assigned_at`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RoleAssignment
	for rows.Next() {
		a, err := r.scanAssignmentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *assignmentRepoPG) CountActiveByRole(ctx context.Context, roleID uuid.UUID, now time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM role_assignment
		WHERE role_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)`,
		roleID, now).Scan(&n)
	return n, err
}

func (r *assignmentRepoPG) ListActiveUserIDs(ctx context.Context, orgID string, roleIDs []uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT user_id FROM role_assignment
		WHERE org_id = $1 AND role_id = ANY($2)
		  AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $3)`,
		orgID, roleIDs, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *assignmentRepoPG) Revoke(ctx context.Context, id, revokedBy uuid.UUID, reason *string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE role_assignment
		SET revoked_at = $4, revoked_by = $2, revocation_reason = $3
		WHERE id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $4)`,
		id, revokedBy, reason, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("active role assignment %s", id)
	}
	return nil
}

// AggregatePermissions resolves the user's effective permissions in one
// query. When an assignment references a system role that the org has copied,
// the copy's permission list substitutes for the original's.
func (r *assignmentRepoPG) AggregatePermissions(ctx context.Context, userID uuid.UUID, orgID string, now time.Time) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT perm
		FROM role_assignment a
		JOIN role ro ON ro.id = a.role_id
		LEFT JOIN role copy ON copy.parent_role_id = ro.id AND copy.org_id = a.org_id
		CROSS JOIN LATERAL UNNEST(COALESCE(copy.permissions, ro.permissions)) AS perm
		WHERE a.user_id = $1 AND a.org_id = $2
		  AND a.revoked_at IS NULL AND (a.expires_at IS NULL OR a.expires_at > $3)
		ORDER BY perm`, userID, orgID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (r *assignmentRepoPG) ExistsForUser(ctx context.Context, userID uuid.UUID, orgID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM role_assignment WHERE user_id = $1 AND org_id = $2)`,
		userID, orgID).Scan(&exists)
	return exists, err
}

func (r *assignmentRepoPG) scanAssignment(row pgx.Row) (*RoleAssignment, error) {
	var a RoleAssignment
	var scope string
	err := row.Scan(
		&a.ID, &a.UserID, &a.OrgID, &a.RoleID, &scope, &a.LocationID, &a.DepartmentID,
		&a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.RevokedAt, &a.RevokedBy, &a.RevocationReason,
	)
	if err != nil {
		return nil, err
	}
	a.Scope = AssignmentScope(scope)
	return &a, nil
}

func (r *assignmentRepoPG) scanAssignmentRow(rows pgx.Rows) (*RoleAssignment, error) {
	var a RoleAssignment
	var scope string
	err := rows.Scan(
		&a.ID, &a.UserID, &a.OrgID, &a.RoleID, &scope, &a.LocationID, &a.DepartmentID,
		&a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.RevokedAt, &a.RevokedBy, &a.RevocationReason,
	)
	if err != nil {
		return nil, err
	}
	a.Scope = AssignmentScope(scope)
	return &a, nil
}

// -- Change Feed Repository --

type changeRepoPG struct {
	pool *pgxpool.Pool
}

func NewChangeRepo(pool *pgxpool.Pool) ChangeRepository {
	return &changeRepoPG{pool: pool}
}

func (r *changeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *changeRepoPG) Insert(ctx context.Context, c *PermissionChange) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO permission_change (id, org_id, user_id, role_id, change_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.OrgID, c.UserID, c.RoleID, c.ChangeType, c.CreatedAt,
	)
	return err
}

func (r *changeRepoPG) List(ctx context.Context, orgID string, since time.Time, limit int) ([]*PermissionChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, org_id, user_id, role_id, change_type, created_at, processed_at
		FROM permission_change
		WHERE org_id = $1 AND created_at > $2
		ORDER BY created_at LIMIT $3`, orgID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PermissionChange
	for rows.Next() {
		var c PermissionChange
		if err := rows.Scan(&c.ID, &c.OrgID, &c.UserID, &c.RoleID, &c.ChangeType, &c.CreatedAt, &c.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *changeRepoPG) MarkProcessed(ctx context.Context, orgID string, ids []uuid.UUID, at time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE permission_change SET processed_at = $3
		WHERE org_id = $1 AND id = ANY($2) AND processed_at IS NULL`,
		orgID, ids, at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
