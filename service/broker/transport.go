package broker

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Delivery 投递给业务 handler 的统一消息对象
type Delivery struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

type subscription interface {
	Unsubscribe() error
}

// transport 对底层连接的最小抽象；测试里用假实现演练重连/重放
type transport interface {
	// EnsureExchange 断言一个 durable topic exchange（maxAge>0 时带消息 TTL）
	EnsureExchange(name string, maxAge time.Duration) error
	Publish(subject string, headers map[string]string, data []byte, persistent bool) error
	// Subscribe cb 返回 nil 则 ack，返回错误则 nack 重投（at-least-once）
	Subscribe(exchange, subject, durable string, prefetch int, cb func(d Delivery) error) (subscription, error)
	// EnsureQueue 幂等断言一个 durable 队列并绑定若干 filter
	EnsureQueue(exchange, queue string, filters []string, msgTTL time.Duration) error
	Close() error
}

// dialFunc 建连入口；onDown 在连接意外断开时回调一次
type dialFunc func(cfg Config, onDown func(error)) (transport, error)

// ---- NATS JetStream 实现 ----
// exchange → stream（subjects "<name>.>"），routing key → subject 后缀，
// 绑定 pattern 的 AMQP 通配符在订阅时翻译成 NATS 的 * / >。

type natsTransport struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

func dialNATS(cfg Config, onDown func(error)) (transport, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.NoReconnect(), // 重连由 Gateway 自己管，声明的消费者要按序重放
		nats.Timeout(3*time.Second),
		nats.ClosedHandler(func(c *nats.Conn) {
			onDown(c.LastError())
		}),
	)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &natsTransport{nc: nc, js: js}, nil
}

func (t *natsTransport) EnsureExchange(name string, maxAge time.Duration) error {
	_, err := t.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return err
	}
	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{name + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	return err
}

func (t *natsTransport) Publish(subject string, headers map[string]string, data []byte, persistent bool) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Add(k, v)
	}
	if persistent {
		_, err := t.js.PublishMsg(msg)
		return err
	}
	return t.nc.PublishMsg(msg)
}

func (t *natsTransport) Subscribe(exchange, subject, durable string, prefetch int, cb func(d Delivery) error) (subscription, error) {
	return t.js.Subscribe(subject, func(m *nats.Msg) {
		d := Delivery{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Headers: headerToMap(m.Header),
		}
		if err := cb(d); err == nil {
			_ = m.Ack()
		} else {
			_ = m.Nak()
		}
	},
		nats.BindStream(exchange),
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.MaxAckPending(prefetch),
	)
}

func (t *natsTransport) EnsureQueue(exchange, queue string, filters []string, msgTTL time.Duration) error {
	if _, err := t.js.ConsumerInfo(exchange, queue); err == nil {
		return nil // 已存在，幂等返回
	}
	_, err := t.js.AddConsumer(exchange, &nats.ConsumerConfig{
		Durable:           queue,
		FilterSubjects:    filters,
		AckPolicy:         nats.AckExplicitPolicy,
		DeliverPolicy:     nats.DeliverAllPolicy,
		InactiveThreshold: msgTTL,
	})
	return err
}

func (t *natsTransport) Close() error {
	t.nc.Close()
	return nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
