package counter

import (
	"sync"
	"time"
)

// ctxKey Update Context 主键：同一个因果事件对一个用户只允许一份上下文
type ctxKey struct {
	TenantID string
	UserID   string
	EventID  string
}

type ctxEntry struct {
	fields    map[string]struct{}
	createdAt time.Time
}

// Runtime 进程内共享的 Update Context 表。
// 所有操作都是持锁的同步步骤，锁内不做任何 store / broker 调用。
type Runtime struct {
	mu       sync.Mutex
	contexts map[ctxKey]*ctxEntry
	ttl      time.Duration
}

const DefaultContextTTL = 3 * time.Minute

func NewRuntime(ttl time.Duration) *Runtime {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &Runtime{
		contexts: make(map[ctxKey]*ctxEntry),
		ttl:      ttl,
	}
}

func (r *Runtime) TTL() time.Duration { return r.ttl }

// Register 记录一个因事件而变化的字段；首次调用时建上下文
func (r *Runtime) Register(tenantID, userID, eventID string, fields ...string) {
	if eventID == "" || len(fields) == 0 {
		return
	}
	k := ctxKey{TenantID: tenantID, UserID: userID, EventID: eventID}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.contexts[k]
	if !ok {
		e = &ctxEntry{fields: make(map[string]struct{}), createdAt: time.Now()}
		r.contexts[k] = e
	}
	for _, f := range fields {
		e.fields[f] = struct{}{}
	}
}

// Take 原子取走并删除上下文；第二次调用拿不到，finalize 因此天然幂等
func (r *Runtime) Take(tenantID, userID, eventID string) ([]string, bool) {
	k := ctxKey{TenantID: tenantID, UserID: userID, EventID: eventID}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.contexts[k]
	if !ok {
		return nil, false
	}
	delete(r.contexts, k)

	out := make([]string, 0, len(e.fields))
	for f := range e.fields {
		out = append(out, f)
	}
	return out, true
}

// expiredKeys 超过 TTL 的上下文主键（sweep 用）
func (r *Runtime) expiredKeys(now time.Time) []ctxKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ctxKey
	for k, e := range r.contexts {
		if now.Sub(e.createdAt) >= r.ttl {
			out = append(out, k)
		}
	}
	return out
}

// Len 当前存活上下文数（测试/监控用）
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
