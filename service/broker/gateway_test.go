package broker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// ---- 假 transport / 假 dialer ----

type fakeSub struct {
	tr      *fakeTransport
	subject string
	durable string
}

func (s *fakeSub) Unsubscribe() error {
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	delete(s.tr.subs, s.durable)
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	exchanges map[string]time.Duration
	published []struct {
		subject string
		headers map[string]string
	}
	subOrder []string // durable 名，按订阅先后
	subs     map[string]*fakeSub
	queues   map[string][]string // queue → filters
	closed   bool
	onDown   func(error)

	pubErr error
	subErr error
}

func (t *fakeTransport) EnsureExchange(name string, maxAge time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges[name] = maxAge
	return nil
}

func (t *fakeTransport) Publish(subject string, headers map[string]string, _ []byte, _ bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubErr != nil {
		return t.pubErr
	}
	t.published = append(t.published, struct {
		subject string
		headers map[string]string
	}{subject, headers})
	return nil
}

func (t *fakeTransport) Subscribe(_, subject, durable string, _ int, _ func(Delivery) error) (subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subErr != nil {
		return nil, t.subErr
	}
	sub := &fakeSub{tr: t, subject: subject, durable: durable}
	t.subOrder = append(t.subOrder, durable)
	t.subs[durable] = sub
	return sub, nil
}

func (t *fakeTransport) EnsureQueue(_, queue string, filters []string, _ time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[queue] = filters
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) drop(err error) { t.onDown(err) }

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failNext int // 前 N 次 dial 失败
	last     *fakeTransport
}

func (d *fakeDialer) dial(_ Config, onDown func(error)) (transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("dial refused")
	}
	d.last = &fakeTransport{
		exchanges: make(map[string]time.Duration),
		subs:      make(map[string]*fakeSub),
		queues:    make(map[string][]string),
		onDown:    onDown,
	}
	return d.last, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) current() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func newTestGateway(d *fakeDialer) *Gateway {
	g := New(Config{
		URL:           "nats://test:4222",
		ReconnectBase: time.Millisecond,
		ReconnectMax:  4 * time.Millisecond,
		PublishWait:   20 * time.Millisecond,
	})
	g.dial = d.dial
	return g
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// ---- 状态机 / 连接 ----

func TestConnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)

	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	if d.dialCount() != 1 {
		t.Fatalf("connect not idempotent, dials=%d", d.dialCount())
	}
	if g.State() != Connected {
		t.Fatalf("state = %s", g.State())
	}

	tr := d.current()
	if _, ok := tr.exchanges["events"]; !ok {
		t.Fatal("event exchange not asserted")
	}
	if age := tr.exchanges["updates"]; age != time.Hour {
		t.Fatalf("update exchange max age = %v", age)
	}
}

func TestPublishSubjectAndHeaders(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}

	if !g.Publish("events", "message.created.t1", []byte("{}"), true) {
		t.Fatal("publish failed")
	}
	tr := d.current()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.published) != 1 {
		t.Fatalf("published %d", len(tr.published))
	}
	p := tr.published[0]
	if p.subject != "events.message.created.t1" {
		t.Fatalf("subject = %s", p.subject)
	}
	if p.headers["type"] != "message.created.t1" || p.headers["timestamp"] == "" {
		t.Fatalf("headers = %v", p.headers)
	}
}

func TestPublishWhileDisconnectedBoundedWait(t *testing.T) {
	d := &fakeDialer{failNext: 1000} // 一直连不上
	g := newTestGateway(d)
	_ = g.Connect() // 失败，保持 Disconnected

	start := time.Now()
	ok := g.Publish("events", "k.x.t1", nil, true)
	if ok {
		t.Fatal("publish should fail while disconnected")
	}
	if elapsed := time.Since(start); elapsed < g.cfg.PublishWait {
		t.Fatalf("returned before bounded wait: %v", elapsed)
	}
}

func TestReconnectReplaysConsumersInOrder(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}

	handler := func(Delivery) error { return nil }
	if _, err := g.DeclareConsumer("q_first", []string{"#"}, ConsumerOpts{}, handler); err != nil {
		t.Fatal(err)
	}
	if _, err := g.DeclareConsumer("q_second", []string{"dialog.*.t1", "message.*.t1"}, ConsumerOpts{}, handler); err != nil {
		t.Fatal(err)
	}

	old := d.current()
	old.drop(errors.New("connection reset"))

	waitFor(t, time.Second, func() bool {
		fresh := d.current()
		if fresh == old || g.State() != Connected {
			return false
		}
		fresh.mu.Lock()
		defer fresh.mu.Unlock()
		return len(fresh.subOrder) == 3
	})

	fresh := d.current()
	fresh.mu.Lock()
	defer fresh.mu.Unlock()
	if fresh.subOrder[0] != "q_first" || fresh.subOrder[1] != "q_second" || fresh.subOrder[2] != "q_second_1" {
		t.Fatalf("replay out of order: %v", fresh.subOrder)
	}
	if fresh.subs["q_second"].subject != "events.dialog.*.t1" {
		t.Fatalf("first binding key lost on replay: %s", fresh.subs["q_second"].subject)
	}
	if fresh.subs["q_second_1"].subject != "events.message.*.t1" {
		t.Fatalf("second binding key lost on replay: %s", fresh.subs["q_second_1"].subject)
	}
}

func TestDeclareConsumerBindsEveryKey(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	_, err := g.DeclareConsumer("q_multi", []string{"dialog.*.t1", "message.*.t1"}, ConsumerOpts{}, func(Delivery) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	tr := d.current()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.subs) != 2 {
		t.Fatalf("want one subscription per binding key, got %v", tr.subOrder)
	}
	if tr.subs["q_multi"].subject != "events.dialog.*.t1" {
		t.Fatalf("first key = %s", tr.subs["q_multi"].subject)
	}
	if tr.subs["q_multi_1"].subject != "events.message.*.t1" {
		t.Fatalf("second key = %s", tr.subs["q_multi_1"].subject)
	}
}

func TestDeclareConsumerFailureNotRegistered(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	tr := d.current()
	tr.mu.Lock()
	tr.subErr = errors.New("stream missing")
	tr.mu.Unlock()

	if _, err := g.DeclareConsumer("q_bad", []string{"#"}, ConsumerOpts{}, func(Delivery) error { return nil }); err == nil {
		t.Fatal("declare should surface subscribe failure")
	}
	g.mu.Lock()
	n := len(g.consumers)
	g.mu.Unlock()
	if n != 0 {
		t.Fatalf("failed consumer left in registry, len=%d", n)
	}

	// 后续重连也不该复活它
	tr.mu.Lock()
	tr.subErr = nil
	tr.mu.Unlock()
	old := d.current()
	old.drop(errors.New("connection reset"))
	waitFor(t, time.Second, func() bool {
		return g.State() == Connected && d.current() != old
	})
	fresh := d.current()
	fresh.mu.Lock()
	defer fresh.mu.Unlock()
	if len(fresh.subs) != 0 {
		t.Fatalf("failed consumer resurrected on reconnect: %v", fresh.subOrder)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	tr := d.current()

	g.Close()
	if g.State() != Closing {
		t.Fatalf("state after close = %s", g.State())
	}
	if !tr.closed {
		t.Fatal("transport not closed")
	}

	tr.drop(errors.New("late close notification"))
	time.Sleep(10 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Fatalf("reconnect fired after close, dials=%d", d.dialCount())
	}
	if g.Publish("events", "k.x.t1", nil, true) {
		t.Fatal("publish should fail on closed gateway")
	}
}

func TestDeclareWhileDisconnectedReplaysOnConnect(t *testing.T) {
	d := &fakeDialer{failNext: 1}
	g := newTestGateway(d)
	_ = g.Connect() // 第一次失败

	h, err := g.DeclareConsumer("q_pending", []string{"#"}, ConsumerOpts{}, func(Delivery) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	// 手动连接不走 replay，Restart 可以拉起
	if err := h.Restart(); err != nil {
		t.Fatal(err)
	}
	tr := d.current()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.subs["q_pending"]; !ok {
		t.Fatal("pending consumer not subscribed")
	}
}

func TestConsumerCancelRemovesFromRegistry(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	h, err := g.DeclareConsumer("q1", []string{"#"}, ConsumerOpts{}, func(Delivery) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()

	g.mu.Lock()
	n := len(g.consumers)
	g.mu.Unlock()
	if n != 0 {
		t.Fatalf("registry not cleared, len=%d", n)
	}
	tr := d.current()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.subs["q1"]; ok {
		t.Fatal("subscription still live after cancel")
	}
}

// ---- 收件队列 / 通配符 ----

func TestEnsureRecipientQueue(t *testing.T) {
	d := &fakeDialer{}
	g := newTestGateway(d)
	if err := g.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := g.EnsureRecipientQueue("agent", "u42"); err != nil {
		t.Fatal(err)
	}
	tr := d.current()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	filters, ok := tr.queues["user_u42_updates"]
	if !ok {
		t.Fatalf("queue not declared: %v", tr.queues)
	}
	if len(filters) != 2 {
		t.Fatalf("want dual binding, got %v", filters)
	}
	if filters[0] != "updates.user.agent.u42.*" || filters[1] != "updates.update.*.agent.u42.*" {
		t.Fatalf("filters = %v", filters)
	}
}

func TestWildcardTranslation(t *testing.T) {
	if got := toSubject("events", "#"); got != "events.>" {
		t.Fatalf("# translation = %s", got)
	}
	if got := toSubject("events", "dialog.#"); got != "events.dialog.>" {
		t.Fatalf("multi-segment = %s", got)
	}
	if got := toSubject("events", "dialog.*.t1"); got != "events.dialog.*.t1" {
		t.Fatalf("* must pass through: %s", got)
	}
}
