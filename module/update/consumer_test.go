package update

import (
	"context"
	"testing"
)

func TestDispatchMessageEvent(t *testing.T) {
	env := newTestEnv()
	env.members.active = []Member{{UserID: "u1", Active: true}}

	ev := &Event{
		TenantID:   "t1",
		EventID:    "ev1",
		EventType:  "message.created",
		EntityType: "message",
		EntityID:   "m1",
		Data: Sections{
			SectionMessage: {"id": "m1", "dialogId": "d1", "content": "hi", "senderId": "s1"},
		},
	}
	if err := dispatchEvent(context.Background(), env.engine, ev); err != nil {
		t.Fatal(err)
	}
	rows := env.updates.all()
	if len(rows) != 1 || rows[0].EntityID != "m1" {
		t.Fatalf("message event not fanned out: %+v", rows)
	}
}

func TestDispatchMemberScopedEvent(t *testing.T) {
	env := newTestEnv()
	env.members.active = []Member{
		{UserID: "u1", Active: true},
		{UserID: "u2", Active: true},
	}

	ev := &Event{
		TenantID:   "t1",
		EventID:    "ev1",
		EventType:  "dialog.member.muted",
		EntityType: "dialog",
		EntityID:   "d1",
		ActorID:    "admin",
		Data: Sections{
			SectionDialog: {"id": "d1"},
			SectionMember: {"userId": "u2", "muted": true},
		},
	}
	if err := dispatchEvent(context.Background(), env.engine, ev); err != nil {
		t.Fatal(err)
	}
	rows := env.updates.all()
	// member-scoped 只通知被影响的成员本人
	if len(rows) != 1 || rows[0].UserID != "u2" {
		t.Fatalf("member-scoped event recipients: %+v", rows)
	}
}

func TestDispatchMemberRemovalGoesWide(t *testing.T) {
	env := newTestEnv()
	env.members.active = []Member{
		{UserID: "u1", Active: true},
		{UserID: "u2", Active: true},
	}
	env.members.removed = map[string]*Member{"u9": {UserID: "u9", Active: false}}

	ev := &Event{
		TenantID:   "t1",
		EventID:    "ev1",
		EventType:  "dialog.member.removed",
		EntityType: "dialog",
		EntityID:   "d1",
		Data: Sections{
			SectionDialog: {"id": "d1"},
			SectionMember: {"userId": "u9"},
		},
	}
	if err := dispatchEvent(context.Background(), env.engine, ev); err != nil {
		t.Fatal(err)
	}
	if n := len(env.updates.all()); n != 3 {
		t.Fatalf("removal should reach everyone + removed, got %d", n)
	}
}

func TestDispatchUnknownEntityIgnored(t *testing.T) {
	env := newTestEnv()
	ev := &Event{
		TenantID:   "t1",
		EventID:    "ev1",
		EventType:  "billing.invoice.created",
		EntityType: "invoice",
		EntityID:   "i1",
	}
	if err := dispatchEvent(context.Background(), env.engine, ev); err != nil {
		t.Fatal(err)
	}
	if len(env.updates.all()) != 0 {
		t.Fatal("unknown entity type must be a no-op")
	}
}

func TestDispatchUserStatsEventReadsFields(t *testing.T) {
	env := newTestEnv()
	env.stats.stats = map[string]int64{"totalUnreadCount": 1}

	ev := &Event{
		TenantID:   "t1",
		EventID:    "ev1",
		EventType:  EventTypeUserStatsChanged,
		EntityType: "user",
		EntityID:   "u1",
		Data: Sections{
			SectionContext: {"updatedFields": []any{"user.stats.totalUnreadCount"}},
		},
	}
	if err := dispatchEvent(context.Background(), env.engine, ev); err != nil {
		t.Fatal(err)
	}
	rows := env.updates.all()
	if len(rows) != 1 {
		t.Fatalf("want 1 update, got %d", len(rows))
	}
	fields := rows[0].Data[SectionContext].(map[string]any)["updatedFields"].([]string)
	if len(fields) != 1 || fields[0] != "user.stats.totalUnreadCount" {
		t.Fatalf("fields = %v", fields)
	}
}
