package broker

import (
	"PPulse/logger"
	"PPulse/tools/errs"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler 消费回调；返回 nil ack，返回 error nack 重投
type Handler func(d Delivery) error

// ConsumerOpts 消费者声明参数
type ConsumerOpts struct {
	Exchange string // 缺省用 EventExchange
	Prefetch int    // 未 ack 在途上限，缺省 64
}

// ConsumerHandle 一个已声明消费者的句柄；声明参数被记住，
// 重连后由网关原样重放
type ConsumerHandle struct {
	gw       *Gateway
	queue    string
	keys     []string
	opts     ConsumerOpts
	handler  Handler
	mu       sync.Mutex
	subs     []subscription
	canceled bool
}

// DeclareConsumer 声明一个 durable 消费者并开始投递。
// binding key 用 AMQP 通配符写法（* 单段、# 多段），每个 key 各绑一条订阅。
func (g *Gateway) DeclareConsumer(queue string, bindingKeys []string, opts ConsumerOpts, handler Handler) (*ConsumerHandle, error) {
	if queue == "" || len(bindingKeys) == 0 || handler == nil {
		return nil, errs.ErrArgs.WrapMsg("DeclareConsumer missing args")
	}
	if opts.Exchange == "" {
		opts.Exchange = g.cfg.EventExchange
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 64
	}

	h := &ConsumerHandle{
		gw:      g,
		queue:   queue,
		keys:    bindingKeys,
		opts:    opts,
		handler: handler,
	}

	g.mu.Lock()
	if g.state == Closing {
		g.mu.Unlock()
		return nil, errs.ErrBroker.WrapMsg("gateway closed")
	}
	g.consumers = append(g.consumers, h)
	connected := g.state == Connected
	g.mu.Unlock()

	if connected {
		if err := h.resubscribe(); err != nil {
			// 声明失败的句柄不能留在注册表里等重连复活
			g.removeConsumer(h)
			return nil, err
		}
	}
	// 未连接时只登记，连上后由 replayConsumers 拉起
	return h, nil
}

// removeConsumer 把句柄从重放注册表摘掉
func (g *Gateway) removeConsumer(h *ConsumerHandle) {
	g.mu.Lock()
	for i, c := range g.consumers {
		if c == h {
			g.consumers = append(g.consumers[:i], g.consumers[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
}

// resubscribe 用记住的声明参数重建订阅，每个 binding key 一条。
// 任何一条失败就整体回滚，让重试从干净状态开始。
func (h *ConsumerHandle) resubscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled {
		return nil
	}
	h.unsubscribeLocked()

	h.gw.mu.Lock()
	tr := h.gw.tr
	h.gw.mu.Unlock()
	if tr == nil {
		return errs.ErrBroker.WrapMsg("not connected")
	}

	subs := make([]subscription, 0, len(h.keys))
	for i, key := range h.keys {
		// durable 名按 key 序号区分，重放后仍接回各自的投递进度
		durable := h.queue
		if i > 0 {
			durable = h.queue + "_" + strconv.Itoa(i)
		}
		sub, err := tr.Subscribe(h.opts.Exchange, toSubject(h.opts.Exchange, key), durable, h.opts.Prefetch, h.dispatch)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return errs.WrapMsg(err, "subscribe failed", "queue", h.queue, "key", key)
		}
		subs = append(subs, sub)
	}
	h.subs = subs
	return nil
}

func (h *ConsumerHandle) dispatch(d Delivery) error {
	// subject 去掉 exchange 前缀还原 routing key
	d.Subject = strings.TrimPrefix(d.Subject, h.opts.Exchange+".")
	err := h.handler(d)
	if err != nil {
		logger.Warn("consumer handler failed, message will be redelivered",
			zap.String("queue", h.queue), zap.String("key", d.Subject), zap.Error(err))
	}
	return err
}

// Cancel 停止投递并把自己从重放注册表摘掉
func (h *ConsumerHandle) Cancel() {
	h.gw.removeConsumer(h)
	h.stop()
}

func (h *ConsumerHandle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.canceled = true
	h.unsubscribeLocked()
}

func (h *ConsumerHandle) unsubscribeLocked() {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	h.subs = nil
}

// Restart 取消后重新拉起（保持原声明参数）
func (h *ConsumerHandle) Restart() error {
	h.mu.Lock()
	h.canceled = false
	h.mu.Unlock()
	return h.resubscribe()
}

// EnsureRecipientQueue 幂等断言某用户的收件队列 user_{userId}_updates。
// 队列同时绑定两种 pattern：按用户身份路由的 user.{type}.{id}.* 和
// 按 update 路由键的 update.*.{type}.{id}.*，消息 TTL 1h。
func (g *Gateway) EnsureRecipientQueue(userType, userID string) error {
	if userType == "" || userID == "" {
		return errs.ErrArgs.WrapMsg("EnsureRecipientQueue missing args")
	}
	g.mu.Lock()
	tr := g.tr
	state := g.state
	g.mu.Unlock()
	if state != Connected || tr == nil {
		return errs.ErrBroker.WrapMsg("not connected")
	}

	queue := "user_" + userID + "_updates"
	filters := []string{
		toSubject(g.cfg.UpdateExchange, "user."+userType+"."+userID+".*"),
		toSubject(g.cfg.UpdateExchange, "update.*."+userType+"."+userID+".*"),
	}
	return tr.EnsureQueue(g.cfg.UpdateExchange, queue, filters, g.cfg.RecipientQueueTTL)
}

// toSubject routing key / binding pattern → subject，# 翻译成 >
func toSubject(exchange, key string) string {
	key = strings.ReplaceAll(key, "#", ">")
	return exchange + "." + key
}
