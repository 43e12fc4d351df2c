package broker

import (
	"PPulse/logger"
	"PPulse/tools/errs"
	"PPulse/tools/safe"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Gateway 消息网关：持有连接、状态机和已声明消费者的注册表。
// 断线后自己指数退避重连，重连成功按声明顺序重放全部消费者。
type Gateway struct {
	cfg  Config
	dial dialFunc

	mu           sync.Mutex
	state        State
	tr           transport
	consumers    []*ConsumerHandle
	reconnecting bool
	connected    chan struct{} // Connected 时关闭，publish 靠它做有界等待
}

func New(cfg Config) *Gateway {
	cfg.withDefaults()
	return &Gateway{
		cfg:       cfg,
		dial:      dialNATS,
		state:     Disconnected,
		connected: make(chan struct{}),
	}
}

func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connect 建连并断言两个 exchange；已连接时幂等返回。
// 失败不自动重试，由调用方决定（断线后的重试走 reconnectLoop）。
func (g *Gateway) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked()
}

func (g *Gateway) connectLocked() error {
	if g.state == Connected {
		return nil
	}
	if g.state == Closing {
		return errs.ErrBroker.WrapMsg("gateway closed")
	}
	g.state = Connecting
	if g.tr != nil {
		_ = g.tr.Close() // 丢掉半死的旧连接
		g.tr = nil
	}

	tr, err := g.dial(g.cfg, g.onDown)
	if err != nil {
		g.state = Disconnected
		return errs.WrapMsg(err, "broker dial failed", "url", g.cfg.URL)
	}
	if err := tr.EnsureExchange(g.cfg.EventExchange, 0); err != nil {
		_ = tr.Close()
		g.state = Disconnected
		return errs.WrapMsg(err, "ensure event exchange failed")
	}
	// update exchange 带 1h 消息 TTL，离线客户端最多追 1 小时
	if err := tr.EnsureExchange(g.cfg.UpdateExchange, g.cfg.RecipientQueueTTL); err != nil {
		_ = tr.Close()
		g.state = Disconnected
		return errs.WrapMsg(err, "ensure update exchange failed")
	}

	g.tr = tr
	g.state = Connected
	close(g.connected)
	logger.Info("broker connected", zap.String("url", g.cfg.URL))
	return nil
}

// onDown 连接意外断开的回调；主动 Close 时不触发重连
func (g *Gateway) onDown(cause error) {
	g.mu.Lock()
	if g.state == Closing {
		g.mu.Unlock()
		return
	}
	g.state = Disconnected
	g.connected = make(chan struct{})
	if g.reconnecting {
		g.mu.Unlock()
		return
	}
	g.reconnecting = true
	g.mu.Unlock()

	logger.Warn("broker connection lost, reconnecting", zap.Error(cause))
	safe.SafeGo(g.reconnectLoop)
}

// reconnectLoop 1s 起步、翻倍、30s 封顶，直到连上或网关被关闭
func (g *Gateway) reconnectLoop() {
	backoff := g.cfg.ReconnectBase
	for {
		time.Sleep(backoff)

		g.mu.Lock()
		if g.state == Closing {
			g.reconnecting = false
			g.mu.Unlock()
			return
		}
		err := g.connectLocked()
		if err == nil {
			replay := append([]*ConsumerHandle(nil), g.consumers...)
			g.reconnecting = false
			g.mu.Unlock()
			g.replayConsumers(replay)
			return
		}
		g.mu.Unlock()

		logger.Warn("broker reconnect failed",
			zap.Duration("backoff", backoff), zap.Error(err))
		backoff *= 2
		if backoff > g.cfg.ReconnectMax {
			backoff = g.cfg.ReconnectMax
		}
	}
}

// replayConsumers 按原始声明顺序重新订阅
func (g *Gateway) replayConsumers(handles []*ConsumerHandle) {
	for _, h := range handles {
		if err := h.resubscribe(); err != nil {
			logger.Error("consumer replay failed",
				zap.String("queue", h.queue), zap.Error(err))
		} else {
			logger.Info("consumer replayed", zap.String("queue", h.queue))
		}
	}
}

// Publish 发布一条消息，返回是否成功。断线时等待重连，最多等 PublishWait。
func (g *Gateway) Publish(exchange, routingKey string, payload []byte, persistent bool) bool {
	if exchange == "" || routingKey == "" {
		logger.Error("publish with empty exchange or routing key")
		return false
	}
	tr, ok := g.waitConnected()
	if !ok {
		logger.Warn("publish dropped, broker unavailable",
			zap.String("exchange", exchange), zap.String("key", routingKey))
		return false
	}

	headers := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
		"type":      routingKey,
	}
	subject := exchange + "." + routingKey
	if err := tr.Publish(subject, headers, payload, persistent); err != nil {
		logger.Error("publish failed",
			zap.String("subject", subject), zap.Error(err))
		return false
	}
	return true
}

// waitConnected 拿到当前 transport；未连接则有界等待重连
func (g *Gateway) waitConnected() (transport, bool) {
	deadline := time.Now().Add(g.cfg.PublishWait)
	for {
		g.mu.Lock()
		if g.state == Closing {
			g.mu.Unlock()
			return nil, false
		}
		if g.state == Connected {
			tr := g.tr
			g.mu.Unlock()
			return tr, true
		}
		ch := g.connected
		g.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, false
		}
		select {
		case <-ch:
		case <-time.After(remain):
			return nil, false
		}
	}
}

// Close 终态关闭：清空消费者注册表，断开连接，不再重连
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.state == Closing {
		g.mu.Unlock()
		return
	}
	g.state = Closing
	handles := g.consumers
	g.consumers = nil
	tr := g.tr
	g.tr = nil
	g.mu.Unlock()

	// 锁外取消，避免和 resubscribe 的加锁顺序打架
	for _, h := range handles {
		h.stop()
	}
	if tr != nil {
		_ = tr.Close()
	}
	logger.Info("broker gateway closed")
}
