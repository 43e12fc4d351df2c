package broker

import "time"

// Config 网关配置；exchange 名和各超时都可被环境变量覆盖（见 global/config.go）
type Config struct {
	URL  string
	Name string

	EventExchange  string // 领域事件 topic exchange
	UpdateExchange string // 收件人 update topic exchange

	ReconnectBase     time.Duration // 重连退避起点
	ReconnectMax      time.Duration // 退避上限
	PublishWait       time.Duration // publish 等待重连的有界时长
	RecipientQueueTTL time.Duration // 收件队列消息 TTL
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "ppulse-broker"
	}
	if c.EventExchange == "" {
		c.EventExchange = "events"
	}
	if c.UpdateExchange == "" {
		c.UpdateExchange = "updates"
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.PublishWait <= 0 {
		c.PublishWait = 3 * time.Second
	}
	if c.RecipientQueueTTL <= 0 {
		c.RecipientQueueTTL = time.Hour
	}
}
