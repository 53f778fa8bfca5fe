package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type capturedPublish struct {
	room      string
	userID    string
	eventType string
}

type mockPublisher struct {
	mu        sync.Mutex
	published []capturedPublish
}

func (m *mockPublisher) PublishToUser(orgID, userID, eventType string, _ interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, capturedPublish{room: orgID, userID: userID, eventType: eventType})
}

func (m *mockPublisher) PublishToOrg(orgID, eventType string, _ interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, capturedPublish{room: orgID, eventType: eventType})
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func TestOutbox_Dispatch(t *testing.T) {
	pub := &mockPublisher{}
	outbox := NewOutbox(pub, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go outbox.Run(ctx)

	userID := uuid.New()
	outbox.NotifyUser("acme", userID, Event{Type: ChangeRoleAssigned, OrgID: "acme"})
	outbox.NotifyOrg("acme", Event{Type: ChangeRoleUpdated, OrgID: "acme"})

	deadline := time.After(time.Second)
	for pub.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected 2 published events, got %d", pub.count())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.published[0].userID != userID.String() || pub.published[0].eventType != ChangeRoleAssigned {
		t.Fatalf("unexpected first publish: %+v", pub.published[0])
	}
	if pub.published[1].userID != "" || pub.published[1].eventType != ChangeRoleUpdated {
		t.Fatalf("unexpected second publish: %+v", pub.published[1])
	}
}

func TestOutbox_DropsWhenFull(t *testing.T) {
	pub := &mockPublisher{}
	// No Run goroutine: events pile up in the buffer.
	outbox := NewOutbox(pub, 2, zerolog.Nop())

	for i := 0; i < 5; i++ {
		outbox.NotifyOrg("acme", Event{Type: ChangeRoleUpdated})
	}

	if outbox.Pending() != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", outbox.Pending())
	}
}

func TestOutbox_RunStopsOnCancel(t *testing.T) {
	pub := &mockPublisher{}
	outbox := NewOutbox(pub, 4, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		outbox.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNewOutbox_DefaultBuffer(t *testing.T) {
	outbox := NewOutbox(&mockPublisher{}, 0, zerolog.Nop())
	if cap(outbox.ch) != 256 {
		t.Fatalf("expected default buffer 256, got %d", cap(outbox.ch))
	}
}
