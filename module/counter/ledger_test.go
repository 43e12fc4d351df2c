package counter

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeStore 内存实现，clamp 语义和 Mongo pipeline 一致
type fakeStore struct {
	mu       sync.Mutex
	counters map[Key]map[string]int64
	history  []*History

	memberships  map[string][]Membership // tenant|user
	unreadSource map[string]int64        // tenant|user|dialog
	sentSource   map[string]int64        // tenant|user
	packDialogs  map[string][]string     // tenant|pack
	packMessages int64
	packMembers  int64
	packTopics   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters:     make(map[Key]map[string]int64),
		memberships:  make(map[string][]Membership),
		unreadSource: make(map[string]int64),
		sentSource:   make(map[string]int64),
		packDialogs:  make(map[string][]string),
	}
}

func clampAdd(old, delta int64) int64 {
	v := old + delta
	if v < 0 {
		return 0
	}
	return v
}

func (s *fakeStore) ApplyAtomicDelta(_ context.Context, key Key, field string, delta int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, ok := s.counters[key]
	if !ok {
		vals = make(map[string]int64)
		s.counters[key] = vals
	}
	old := vals[field]
	vals[field] = clampAdd(old, delta)
	return old, vals[field], nil
}

func (s *fakeStore) ApplyAtomicDeltas(_ context.Context, key Key, deltas map[string]int64) (map[string]int64, map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, ok := s.counters[key]
	if !ok {
		vals = make(map[string]int64)
		s.counters[key] = vals
	}
	oldVals := make(map[string]int64, len(deltas))
	newVals := make(map[string]int64, len(deltas))
	for f, d := range deltas {
		oldVals[f] = vals[f]
		vals[f] = clampAdd(vals[f], d)
		newVals[f] = vals[f]
	}
	return oldVals, newVals, nil
}

func (s *fakeStore) SetValue(_ context.Context, key Key, field string, value int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, ok := s.counters[key]
	if !ok {
		vals = make(map[string]int64)
		s.counters[key] = vals
	}
	old := vals[field]
	vals[field] = value
	return old, nil
}

func (s *fakeStore) Get(_ context.Context, key Key) (*Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, ok := s.counters[key]
	if !ok {
		return nil, nil
	}
	cp := make(map[string]int64, len(vals))
	for k, v := range vals {
		cp[k] = v
	}
	return &Counter{TenantID: key.TenantID, SubjectType: key.SubjectType, SubjectID: key.SubjectID, Values: cp}, nil
}

func (s *fakeStore) DeleteIfZero(_ context.Context, key Key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, ok := s.counters[key]
	if !ok || vals[field] > 0 {
		return false, nil
	}
	delete(s.counters, key)
	return true, nil
}

func (s *fakeStore) InsertHistory(_ context.Context, h *History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *fakeStore) historyFor(key Key, field string) []*History {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*History
	for _, h := range s.history {
		if h.TenantID == key.TenantID && h.EntityID == key.SubjectID && h.Field == field {
			out = append(out, h)
		}
	}
	return out
}

func (s *fakeStore) ListUserMemberships(_ context.Context, tenantID, userID string) ([]Membership, error) {
	return s.memberships[tenantID+"|"+userID], nil
}

func (s *fakeStore) CountUnreadMessages(_ context.Context, tenantID, userID, dialogID string) (int64, error) {
	return s.unreadSource[tenantID+"|"+userID+"|"+dialogID], nil
}

func (s *fakeStore) CountSentMessages(_ context.Context, tenantID, userID string) (int64, error) {
	return s.sentSource[tenantID+"|"+userID], nil
}

func (s *fakeStore) ListPackDialogIDs(_ context.Context, tenantID, packID string) ([]string, error) {
	return s.packDialogs[tenantID+"|"+packID], nil
}

func (s *fakeStore) CountMessagesInDialogs(context.Context, string, []string) (int64, error) {
	return s.packMessages, nil
}

func (s *fakeStore) CountMembersInDialogs(context.Context, string, []string) (int64, error) {
	return s.packMembers, nil
}

func (s *fakeStore) CountTopicsInDialogs(context.Context, string, []string) (int64, error) {
	return s.packTopics, nil
}

type fakeEmitter struct {
	mu    sync.Mutex
	calls []emitCall
}

type emitCall struct {
	tenantID, userID, eventID string
	fields                    []string
}

func (e *fakeEmitter) EmitUserStats(_ context.Context, tenantID, userID, eventID string, fields []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitCall{tenantID, userID, eventID, fields})
	return nil
}

func newTestLedger() (*Ledger, *fakeStore) {
	st := newFakeStore()
	return NewLedger(st, NewRuntime(DefaultContextTTL)), st
}

func TestApplyDeltaClampsAtZero(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	key := DialogUnreadKey("t1", "u1", "d1")

	_, newVal, err := l.ApplyDelta(ctx, key, FieldUnreadCount, -5, Source{Operation: "test"})
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if newVal != 0 {
		t.Fatalf("decrement on missing counter should clamp to 0, got %d", newVal)
	}

	if _, _, err := l.ApplyDelta(ctx, key, FieldUnreadCount, 3, Source{}); err != nil {
		t.Fatal(err)
	}
	_, newVal, err = l.ApplyDelta(ctx, key, FieldUnreadCount, -10, Source{})
	if err != nil {
		t.Fatal(err)
	}
	if newVal != 0 {
		t.Fatalf("over-decrement should clamp to 0, got %d", newVal)
	}
}

func TestApplyDeltaConcurrentNeverNegative(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	key := DialogUnreadKey("t1", "u1", "d1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		delta := int64(1)
		if i%2 == 1 {
			delta = -2 // 减的比加的多，靠 clamp 挡住
		}
		wg.Add(1)
		go func(d int64) {
			defer wg.Done()
			_, newVal, err := l.ApplyDelta(ctx, key, FieldUnreadCount, d, Source{})
			if err != nil {
				t.Errorf("ApplyDelta: %v", err)
			}
			if newVal < 0 {
				t.Errorf("counter went negative: %d", newVal)
			}
		}(delta)
	}
	wg.Wait()

	c, err := st.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if c.Value(FieldUnreadCount) < 0 {
		t.Fatalf("final value negative: %d", c.Value(FieldUnreadCount))
	}
}

func TestApplyDeltaHistoryOnlyWhenChanged(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	key := DialogUnreadKey("t1", "u1", "d1")

	// 0 上再减：值不变，不该有审计
	if _, _, err := l.ApplyDelta(ctx, key, FieldUnreadCount, -1, Source{}); err != nil {
		t.Fatal(err)
	}
	if n := len(st.historyFor(key, FieldUnreadCount)); n != 0 {
		t.Fatalf("no-op delta wrote %d history rows", n)
	}

	if _, _, err := l.ApplyDelta(ctx, key, FieldUnreadCount, 2, Source{Operation: "message.send", ActorID: "u2"}); err != nil {
		t.Fatal(err)
	}
	rows := st.historyFor(key, FieldUnreadCount)
	if len(rows) != 1 {
		t.Fatalf("want 1 history row, got %d", len(rows))
	}
	h := rows[0]
	if h.OldValue != 0 || h.NewValue != 2 || h.Delta != 2 || h.Operation != OpIncrement {
		t.Fatalf("bad history row: %+v", h)
	}
	if h.SourceOperation != "message.send" || h.ActorID != "u2" {
		t.Fatalf("source not recorded: %+v", h)
	}
}

func TestUnreadDeltaCrossingUpdatesAggregates(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()

	src := Source{Operation: "message.send", EntityID: "m1"}
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", 1, src, "ev1", ""); err != nil {
		t.Fatal(err)
	}

	statsKey := UserStatsKey("t1", "u1")
	c, err := st.Get(ctx, statsKey)
	if err != nil {
		t.Fatal(err)
	}
	if c.Value(FieldTotalUnreadCount) != 1 || c.Value(FieldUnreadDialogsCount) != 1 {
		t.Fatalf("0→1 crossing: total=%d dialogs=%d", c.Value(FieldTotalUnreadCount), c.Value(FieldUnreadDialogsCount))
	}

	// 同会话再 +1：total 动，dialogs 不动
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", 1, src, "ev2", ""); err != nil {
		t.Fatal(err)
	}
	c, _ = st.Get(ctx, statsKey)
	if c.Value(FieldTotalUnreadCount) != 2 || c.Value(FieldUnreadDialogsCount) != 1 {
		t.Fatalf("non-crossing: total=%d dialogs=%d", c.Value(FieldTotalUnreadCount), c.Value(FieldUnreadDialogsCount))
	}

	// 清空：positive→0 穿越，dialogs 回落
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", -2, src, "ev3", ""); err != nil {
		t.Fatal(err)
	}
	c, _ = st.Get(ctx, statsKey)
	if c.Value(FieldTotalUnreadCount) != 0 || c.Value(FieldUnreadDialogsCount) != 0 {
		t.Fatalf("drain: total=%d dialogs=%d", c.Value(FieldTotalUnreadCount), c.Value(FieldUnreadDialogsCount))
	}
}

func TestFinalizeContextEmitsOnce(t *testing.T) {
	l, _ := newTestLedger()
	em := &fakeEmitter{}
	l.SetEmitter(em)
	ctx := context.Background()

	src := Source{Operation: "message.send"}
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", 1, src, "ev1", ""); err != nil {
		t.Fatal(err)
	}
	if l.Runtime().Len() != 1 {
		t.Fatalf("context not registered, len=%d", l.Runtime().Len())
	}

	l.FinalizeContext(ctx, "t1", "u1", "ev1")
	l.FinalizeContext(ctx, "t1", "u1", "ev1") // 第二次必须是 no-op

	if len(em.calls) != 1 {
		t.Fatalf("want exactly 1 emit, got %d", len(em.calls))
	}
	got := append([]string(nil), em.calls[0].fields...)
	sort.Strings(got)
	want := []string{StatsFieldTotalUnread, StatsFieldUnreadDialogs}
	sort.Strings(want)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("updated fields = %v, want %v", got, want)
	}
	if l.Runtime().Len() != 0 {
		t.Fatalf("context leaked after finalize")
	}
}

func TestFinalizeWithoutContextIsNoop(t *testing.T) {
	l, _ := newTestLedger()
	em := &fakeEmitter{}
	l.SetEmitter(em)

	l.FinalizeContext(context.Background(), "t1", "u1", "nope")
	if len(em.calls) != 0 {
		t.Fatalf("emit without registered context")
	}
}

func TestReactionDecayDeletesCounter(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()

	if _, _, err := l.ApplyReactionDelta(ctx, "t1", "m1", "👍", 2, Source{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.ApplyReactionDelta(ctx, "t1", "m1", "👍", -1, Source{}); err != nil {
		t.Fatal(err)
	}
	key := Key{TenantID: "t1", SubjectType: SubjectMessageReact, SubjectID: "m1"}
	if c, _ := st.Get(ctx, key); c == nil {
		t.Fatal("counter deleted while still positive")
	}

	if _, _, err := l.ApplyReactionDelta(ctx, "t1", "m1", "👍", -1, Source{}); err != nil {
		t.Fatal(err)
	}
	if c, _ := st.Get(ctx, key); c != nil {
		t.Fatalf("counter should be deleted at zero, got %+v", c.Values)
	}
}

func TestRecalculateMatchesIncremental(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	src := Source{Operation: "message.send"}

	// 增量路径堆出来的状态
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", 3, src, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d2", 2, src, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d2", -2, src, "", ""); err != nil {
		t.Fatal(err)
	}

	st.memberships["t1|u1"] = []Membership{{DialogID: "d1", UserID: "u1"}, {DialogID: "d2", UserID: "u1"}}
	st.sentSource["t1|u1"] = 7

	stats, err := l.RecalculateUserAggregates(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalUnreadCount != 3 || stats.UnreadDialogsCount != 1 {
		t.Fatalf("recalc disagrees with incremental: %+v", stats)
	}
	if stats.DialogCount != 2 || stats.TotalMessagesCount != 7 {
		t.Fatalf("derived fields wrong: %+v", stats)
	}

	vals, err := l.UserStatsValues(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if vals[FieldTotalUnreadCount] != 3 || vals[FieldUnreadDialogsCount] != 1 {
		t.Fatalf("persisted stats wrong: %v", vals)
	}
}

func TestRecalculateBackfillsMissingCounter(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()

	st.memberships["t1|u1"] = []Membership{{DialogID: "d1", UserID: "u1"}}
	st.unreadSource["t1|u1|d1"] = 4 // 源数据有未读但计数器缺档

	stats, err := l.RecalculateUserAggregates(ctx, "t1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalUnreadCount != 4 {
		t.Fatalf("backfill missed: %+v", stats)
	}
	if got, _ := l.DialogUnread(ctx, "t1", "u1", "d1"); got != 4 {
		t.Fatalf("per-dialog counter not backfilled: %d", got)
	}
}

func TestSweepFinalizesStaleContexts(t *testing.T) {
	st := newFakeStore()
	l := NewLedger(st, NewRuntime(10*time.Millisecond))
	em := &fakeEmitter{}
	l.SetEmitter(em)
	ctx := context.Background()

	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", 1, Source{}, "ev1", ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	l.sweepOnceNow()
	if len(em.calls) != 1 {
		t.Fatalf("sweep should finalize stale context, emits=%d", len(em.calls))
	}
	if em.calls[0].eventID != "ev1" {
		t.Fatalf("wrong event finalized: %s", em.calls[0].eventID)
	}
	if l.Runtime().Len() != 0 {
		t.Fatal("stale context leaked after sweep")
	}
}

func TestApplyStatusDeltaCountsPerStatus(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()

	if _, _, err := l.ApplyStatusDelta(ctx, "t1", "m1", "delivered", 1, Source{Operation: "message.deliver"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := l.ApplyStatusDelta(ctx, "t1", "m1", "read", 1, Source{}); err != nil {
		t.Fatal(err)
	}
	key := Key{TenantID: "t1", SubjectType: SubjectMessageStatus, SubjectID: "m1"}
	c, err := st.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if c.Value("delivered") != 1 || c.Value("read") != 1 {
		t.Fatalf("status counts = %v", c.Values)
	}
	if n := len(st.historyFor(key, "delivered")); n != 1 {
		t.Fatalf("want 1 history row for delivered, got %d", n)
	}
}

func TestUpdatePackAggregates(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()

	_, newVal, err := l.UpdatePackAggregates(ctx, "t1", "p1", FieldMessagesCount, 2, Source{Operation: "message.send"})
	if err != nil {
		t.Fatal(err)
	}
	if newVal != 2 {
		t.Fatalf("pack messages = %d", newVal)
	}
	key := PackStatsKey("t1", "p1")
	if n := len(st.historyFor(key, FieldMessagesCount)); n != 1 {
		t.Fatalf("want 1 history row, got %d", n)
	}

	// 减到 0 以下被钳位，值仍在变，审计照写
	_, newVal, err = l.UpdatePackAggregates(ctx, "t1", "p1", FieldMessagesCount, -5, Source{})
	if err != nil {
		t.Fatal(err)
	}
	if newVal != 0 {
		t.Fatalf("pack counter went negative: %d", newVal)
	}
}

func TestRecalculatePackStats(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	st.packDialogs["t1|p1"] = []string{"d1", "d2"}
	st.packMessages, st.packMembers, st.packTopics = 10, 4, 2

	if err := l.RecalculatePackStats(ctx, "t1", "p1"); err != nil {
		t.Fatal(err)
	}
	key := PackStatsKey("t1", "p1")
	c, err := st.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if c.Value(FieldMessagesCount) != 10 || c.Value(FieldMembersCount) != 4 || c.Value(FieldTopicsCount) != 2 {
		t.Fatalf("pack stats = %v", c.Values)
	}
	rows := st.historyFor(key, FieldMessagesCount)
	if len(rows) != 1 || rows[0].Operation != OpComputed {
		t.Fatalf("computed history rows = %+v", rows)
	}

	// 值没变的重算不再写审计
	if err := l.RecalculatePackStats(ctx, "t1", "p1"); err != nil {
		t.Fatal(err)
	}
	if n := len(st.historyFor(key, FieldMessagesCount)); n != 1 {
		t.Fatalf("unchanged recalc wrote history, rows=%d", n)
	}
}

func TestRecalculatePackUnread(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()
	st.packDialogs["t1|p1"] = []string{"d1", "d2", "d3"}

	src := Source{Operation: "message.send"}
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", 2, src, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d3", 1, src, "", ""); err != nil {
		t.Fatal(err)
	}

	total, err := l.RecalculatePackUnread(ctx, "t1", "p1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("pack unread = %d", total)
	}
	key := PackUserUnreadKey("t1", "p1", "u1")
	c, err := st.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if c.Value(FieldTotalUnreadCount) != 3 {
		t.Fatalf("persisted pack unread = %d", c.Value(FieldTotalUnreadCount))
	}

	// 再算一遍值不变，不写新审计
	before := len(st.historyFor(key, FieldTotalUnreadCount))
	if _, err := l.RecalculatePackUnread(ctx, "t1", "p1", "u1"); err != nil {
		t.Fatal(err)
	}
	if n := len(st.historyFor(key, FieldTotalUnreadCount)); n != before {
		t.Fatalf("unchanged recalc wrote history, rows=%d", n)
	}
}

func TestTopicUnreadTracksAlongside(t *testing.T) {
	l, st := newTestLedger()
	ctx := context.Background()

	if err := l.ApplyUnreadDelta(ctx, "t1", "u1", "d1", 1, Source{}, "", "top1"); err != nil {
		t.Fatal(err)
	}
	c, err := st.Get(ctx, TopicUnreadKey("t1", "u1", "d1", "top1"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Value(FieldUnreadCount) != 1 {
		t.Fatalf("topic counter = %d", c.Value(FieldUnreadCount))
	}
}
