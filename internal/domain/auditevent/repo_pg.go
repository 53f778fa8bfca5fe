package auditevent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rbac/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const auditColumns = `id, org_id, actor_id, action, target_type, target_id, outcome, detail, recorded_at`

func (r *repoPG) Insert(ctx context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_event (id, org_id, actor_id, action, target_type, target_id, outcome, detail, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.OrgID, e.ActorID, e.Action, e.TargetType, e.TargetID, e.Outcome, e.Detail, e.RecordedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AuditEvent, error) {
	e, err := r.scanEvent(r.conn(ctx).QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audit_event WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("audit event %s not found", id)
	}
	return e, err
}

func (r *repoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_event WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM audit_event WHERE 1=1`
	var args []interface{}
	idx := 1

	addClause := func(clause string, arg interface{}) {
		c := fmt.Sprintf(clause, idx)
		query += c
		countQuery += c
		args = append(args, arg)
		idx++
	}

	if params.OrgID != nil {
		addClause(` AND org_id = $%d`, *params.OrgID)
	}
	if params.ActorID != nil {
		addClause(` AND actor_id = $%d`, *params.ActorID)
	}
	if params.Action != nil {
		addClause(` AND action = $%d`, *params.Action)
	}
	if params.TargetType != nil {
		addClause(` AND target_type = $%d`, *params.TargetType)
	}
	if params.TargetID != nil {
		addClause(` AND target_id = $%d`, *params.TargetID)
	}
	if params.From != nil {
		addClause(` AND recorded_at >= $%d`, *params.From)
	}
	if params.To != nil {
		addClause(` AND recorded_at < $%d`, *params.To)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		e, err := r.scanEventRow(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

func (r *repoPG) scanEvent(row pgx.Row) (*AuditEvent, error) {
	var e AuditEvent
	err := row.Scan(
		&e.ID, &e.OrgID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID,
		&e.Outcome, &e.Detail, &e.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) scanEventRow(rows pgx.Rows) (*AuditEvent, error) {
	var e AuditEvent
	err := rows.Scan(
		&e.ID, &e.OrgID, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID,
		&e.Outcome, &e.Detail, &e.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
