package eventbus

import "fmt"

// EventType 事件类型
type EventType string

const (
	EventBookAdded          EventType = "book_added"
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskCompleted      EventType = "task_completed"
	EventBookCompleted      EventType = "book_completed"
	EventBookPaused         EventType = "book_paused"
	EventBookResumed        EventType = "book_resumed"
	EventBookDeleted        EventType = "book_deleted"
	EventWorkerJoined       EventType = "worker_joined"
	EventWorkerConnected    EventType = "worker_connected"
	EventWorkerDisconnected EventType = "worker_disconnected"
	EventChunkProgress      EventType = "chunk_progress"
	EventInit               EventType = "init"
)

// Event 广播给订阅者的结构化事件，type 字段之外按事件类型附带上下文
type Event map[string]interface{}

// New 构造事件
func New(eventType EventType, fields map[string]interface{}) Event {
	e := Event{"type": eventType}
	for k, v := range fields {
		e[k] = v
	}
	return e
}

// Type 取事件类型
func (e Event) Type() EventType {
	t, _ := e["type"].(EventType)
	if t == "" {
		if s, ok := e["type"].(string); ok {
			return EventType(s)
		}
	}
	return t
}

// Str 取字符串字段，缺失时返回空串
func (e Event) Str(key string) string {
	if v, ok := e[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// Float 取数值字段
func (e Event) Float(key string) float64 {
	switch v := e[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Bool 取布尔字段
func (e Event) Bool(key string) bool {
	v, _ := e[key].(bool)
	return v
}
