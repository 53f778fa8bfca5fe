package auditevent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record writes one audit event, filling in the id and timestamp when unset.
func (s *Service) Record(ctx context.Context, e *AuditEvent) error {
	if e.Action == "" {
		return fmt.Errorf("audit action is required")
	}
	if e.TargetType == "" {
		return fmt.Errorf("audit target type is required")
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	return s.repo.Insert(ctx, e)
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*AuditEvent, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}
