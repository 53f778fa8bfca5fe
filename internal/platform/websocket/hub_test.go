package websocket

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestClient(id, orgID, userID string) *Client {
	return &Client{
		ID:     id,
		OrgID:  orgID,
		UserID: userID,
		Send:   make(chan []byte, 256),
	}
}

func TestHub_RegisterJoinsIdentityRooms(t *testing.T) {
	hub := NewHub()
	client := newTestClient("c1", "acme", "user-1")

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.OrgRoomCount("acme") != 1 {
		t.Fatalf("expected 1 client in org room, got %d", hub.OrgRoomCount("acme"))
	}
	if hub.UserRoomCount("acme", "user-1") != 1 {
		t.Fatalf("expected 1 client in user room, got %d", hub.UserRoomCount("acme", "user-1"))
	}
}

func TestHub_AnonymousClientSkipsUserRoom(t *testing.T) {
	hub := NewHub()
	client := newTestClient("c1", "acme", "")

	hub.Register(client)

	if hub.OrgRoomCount("acme") != 1 {
		t.Fatalf("expected 1 client in org room, got %d", hub.OrgRoomCount("acme"))
	}
	if hub.UserRoomCount("acme", "") != 0 {
		t.Fatal("anonymous client must not join a user room")
	}
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub()
	client := newTestClient("c1", "acme", "user-1")

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.OrgRoomCount("acme") != 0 {
		t.Fatal("org room should be empty after unregister")
	}

	// Unregistering twice must not panic on the closed Send channel.
	hub.Unregister(client)
}

func TestHub_PublishToUserTargeting(t *testing.T) {
	hub := NewHub()
	target := newTestClient("c1", "acme", "user-1")
	sameOrg := newTestClient("c2", "acme", "user-2")
	otherOrg := newTestClient("c3", "globex", "user-1")

	hub.Register(target)
	hub.Register(sameOrg)
	hub.Register(otherOrg)

	hub.PublishToUser("acme", "user-1", "role.assigned", map[string]string{"role_key": "NURSE"})

	select {
	case msg := <-target.Send:
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != "role.assigned" {
			t.Fatalf("expected role.assigned, got %s", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("target did not receive the event")
	}

	select {
	case <-sameOrg.Send:
		t.Fatal("another user in the org must not receive a user-targeted event")
	default:
	}
	select {
	case <-otherOrg.Send:
		t.Fatal("the same user id in another org must not receive the event")
	default:
	}
}

func TestHub_PublishToOrgBroadcast(t *testing.T) {
	hub := NewHub()
	a := newTestClient("c1", "acme", "user-1")
	b := newTestClient("c2", "acme", "")
	outsider := newTestClient("c3", "globex", "user-3")

	hub.Register(a)
	hub.Register(b)
	hub.Register(outsider)

	hub.PublishToOrg("acme", "role.updated", nil)

	for _, client := range []*Client{a, b} {
		select {
		case <-client.Send:
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive the org broadcast", client.ID)
		}
	}
	select {
	case <-outsider.Send:
		t.Fatal("other orgs must not receive the broadcast")
	default:
	}
}

func TestHub_SlowClientSkipped(t *testing.T) {
	hub := NewHub()
	slow := &Client{ID: "slow", OrgID: "acme", Send: make(chan []byte)} // unbuffered, never read
	hub.Register(slow)

	done := make(chan struct{})
	go func() {
		hub.PublishToOrg("acme", "role.updated", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow client")
	}
}

func TestHub_MultipleConnectionsPerUser(t *testing.T) {
	hub := NewHub()
	first := newTestClient("c1", "acme", "user-1")
	second := newTestClient("c2", "acme", "user-1")

	hub.Register(first)
	hub.Register(second)

	if hub.UserRoomCount("acme", "user-1") != 2 {
		t.Fatalf("expected 2 connections in the user room, got %d", hub.UserRoomCount("acme", "user-1"))
	}

	hub.PublishToUser("acme", "user-1", "role.revoked", nil)

	for _, client := range []*Client{first, second} {
		select {
		case <-client.Send:
		case <-time.After(time.Second):
			t.Fatalf("connection %s missed the user event", client.ID)
		}
	}
}
