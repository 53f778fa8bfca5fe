package auditevent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockRepo struct {
	events map[uuid.UUID]*AuditEvent
}

func newMockRepo() *mockRepo {
	return &mockRepo{events: make(map[uuid.UUID]*AuditEvent)}
}

func (m *mockRepo) Insert(_ context.Context, e *AuditEvent) error {
	cp := *e
	m.events[e.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*AuditEvent, error) {
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("audit event %s: not found", id)
	}
	cp := *e
	return &cp, nil
}

func (m *mockRepo) Search(_ context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	var matched []*AuditEvent
	for _, e := range m.events {
		if params.OrgID != nil && (e.OrgID == nil || *e.OrgID != *params.OrgID) {
			continue
		}
		if params.Action != nil && e.Action != *params.Action {
			continue
		}
		if params.TargetType != nil && e.TargetType != *params.TargetType {
			continue
		}
		if params.From != nil && e.RecordedAt.Before(*params.From) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	total := len(matched)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// -- Tests --

func TestRecord_FillsDefaults(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)

	e := &AuditEvent{
		Action:     ActionRoleCreated,
		TargetType: TargetRole,
	}
	if err := svc.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}

	if e.ID == uuid.Nil {
		t.Error("expected an id to be generated")
	}
	if e.RecordedAt.IsZero() {
		t.Error("expected a timestamp to be set")
	}
	if e.Outcome != OutcomeSuccess {
		t.Errorf("expected default outcome %q, got %q", OutcomeSuccess, e.Outcome)
	}
	if len(repo.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(repo.events))
	}
}

func TestRecord_RequiresActionAndTarget(t *testing.T) {
	svc := NewService(newMockRepo())
	ctx := context.Background()

	if err := svc.Record(ctx, &AuditEvent{TargetType: TargetRole}); err == nil {
		t.Error("expected error for missing action")
	}
	if err := svc.Record(ctx, &AuditEvent{Action: ActionRoleCreated}); err == nil {
		t.Error("expected error for missing target type")
	}
}

func TestRecord_PreservesExplicitFields(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)

	id := uuid.New()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	e := &AuditEvent{
		ID:         id,
		Action:     ActionRoleRevoked,
		TargetType: TargetAssignment,
		Outcome:    OutcomeFailure,
		RecordedAt: at,
	}
	if err := svc.Record(context.Background(), e); err != nil {
		t.Fatalf("record: %v", err)
	}
	if e.ID != id || !e.RecordedAt.Equal(at) || e.Outcome != OutcomeFailure {
		t.Fatal("explicit fields must not be overwritten")
	}
}

func TestSearch_FiltersByOrgAndAction(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	acme := "acme"
	globex := "globex"
	for i, org := range []string{acme, acme, globex} {
		action := ActionRoleCreated
		if i == 1 {
			action = ActionRoleGranted
		}
		if err := svc.Record(ctx, &AuditEvent{
			OrgID:      &org,
			Action:     action,
			TargetType: TargetRole,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	events, total, err := svc.Search(ctx, SearchParams{OrgID: &acme}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(events) != 2 {
		t.Fatalf("expected 2 acme events, got %d (total %d)", len(events), total)
	}

	action := ActionRoleGranted
	events, total, err = svc.Search(ctx, SearchParams{OrgID: &acme, Action: &action}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 1 || events[0].Action != ActionRoleGranted {
		t.Fatalf("expected 1 ROLE.GRANTED event, got %d", total)
	}
}
