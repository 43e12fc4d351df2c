package broker

// State 连接状态机：Disconnected → Connecting → Connected →（出错回 Disconnected）。
// Closing 是用户主动关闭的终态，进入后不再自动重连。
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}
