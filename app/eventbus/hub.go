package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"
	"whisper-swarm/app/store"
)

// 每个订阅者的发送缓冲大小，写满说明订阅者太慢，直接断开
const subscriberBuffer = 64

// Subscriber 一个推送通道的订阅者。连接层负责把 Receive 的消息
// 写到对应的 WebSocket 连接上。
type Subscriber struct {
	send chan []byte
	once sync.Once
}

// Receive 返回待推送的消息通道，通道关闭表示订阅已被移除
func (s *Subscriber) Receive() <-chan []byte {
	return s.send
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// Hub 事件总线：维护管理端与工作节点的订阅注册表，把每次状态变更
// 广播给所有订阅者，并把可读事件落入有界活动日志。
// 注册表是显式持有的，增删都在同一把锁下进行。
type Hub struct {
	mu         sync.Mutex
	dashboards map[*Subscriber]struct{}
	workers    map[string]*Subscriber
	store      *store.Store
	log        *logger.Logger
}

// NewHub 创建事件总线
func NewHub(st *store.Store, log *logger.Logger) *Hub {
	return &Hub{
		dashboards: make(map[*Subscriber]struct{}),
		workers:    make(map[string]*Subscriber),
		store:      st,
		log:        log,
	}
}

// SubscribeDashboard 注册一个管理端订阅者
func (h *Hub) SubscribeDashboard() *Subscriber {
	sub := &Subscriber{send: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.dashboards[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// UnsubscribeDashboard 移除管理端订阅者
func (h *Hub) UnsubscribeDashboard(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.dashboards[sub]; ok {
		delete(h.dashboards, sub)
		sub.close()
	}
	h.mu.Unlock()
}

// SubscribeWorker 注册一个工作节点推送通道，同ID重复连接时替换旧通道
func (h *Hub) SubscribeWorker(workerID string) *Subscriber {
	sub := &Subscriber{send: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	if old, ok := h.workers[workerID]; ok {
		old.close()
	}
	h.workers[workerID] = sub
	h.mu.Unlock()
	return sub
}

// UnsubscribeWorker 移除工作节点通道。只在当前注册的就是该订阅者时
// 移除，避免新连接顶掉旧连接后又被旧连接的清理误删。
func (h *Hub) UnsubscribeWorker(workerID string, sub *Subscriber) {
	h.mu.Lock()
	if cur, ok := h.workers[workerID]; ok && cur == sub {
		delete(h.workers, workerID)
		cur.close()
	}
	h.mu.Unlock()
}

// ConnectedWorkers 当前保持推送连接的工作节点ID列表
func (h *Hub) ConnectedWorkers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.workers))
	for id := range h.workers {
		ids = append(ids, id)
	}
	return ids
}

// DashboardCount 当前管理端订阅者数量
func (h *Hub) DashboardCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.dashboards)
}

// Broadcast 向所有管理端订阅者广播一个事件。发送是尽力而为的：
// 缓冲写满的慢订阅者被直接移除，不阻塞其他订阅者。
func (h *Hub) Broadcast(event Event) {
	h.saveActivityLog(event)

	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Errorf("序列化事件失败: %v", err)
		return
	}

	h.mu.Lock()
	for sub := range h.dashboards {
		select {
		case sub.send <- payload:
		default:
			// 订阅者消费太慢，丢弃它而不是阻塞广播
			delete(h.dashboards, sub)
			sub.close()
			h.log.Warnf("移除缓冲写满的管理端订阅者")
		}
	}
	h.mu.Unlock()
}

// SendTo 单独向一个订阅者发送消息（用于订阅时的初始快照）
func (h *Hub) SendTo(sub *Subscriber, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case sub.send <- payload:
		return nil
	default:
		return fmt.Errorf("订阅者缓冲已满")
	}
}

// saveActivityLog 把可读事件写入活动日志
func (h *Hub) saveActivityLog(event Event) {
	if h.store == nil {
		return
	}

	var logType, message string

	switch event.Type() {
	case EventBookAdded:
		logType = model.LogTypeBook
		message = fmt.Sprintf("New book: %s (%v chunks)", event.Str("filename"), event.Str("total_chunks"))
	case EventTaskAssigned:
		logType = model.LogTypeTask
		if event.Bool("reclaimed") {
			message = fmt.Sprintf("Chunk %s reassigned to %s (stale lease)", event.Str("chunk_id"), event.Str("worker_id"))
		} else {
			message = fmt.Sprintf("Chunk %s assigned to %s", event.Str("chunk_id"), event.Str("worker_id"))
		}
	case EventTaskCompleted:
		logType = model.LogTypeTask
		message = fmt.Sprintf("Chunk %s completed by %s (%.1fs)",
			event.Str("chunk_id"), event.Str("worker_id"), event.Float("processing_time"))
	case EventBookCompleted:
		logType = model.LogTypeBook
		message = fmt.Sprintf("Book %s fully transcribed!", event.Str("book_id"))
	case EventBookPaused:
		logType = model.LogTypeBook
		message = fmt.Sprintf("Book %s paused", event.Str("book_id"))
	case EventBookResumed:
		logType = model.LogTypeBook
		message = fmt.Sprintf("Book %s resumed", event.Str("book_id"))
	case EventBookDeleted:
		logType = model.LogTypeBook
		message = fmt.Sprintf("Book %s deleted", event.Str("book_id"))
	case EventWorkerJoined, EventWorkerConnected:
		logType = model.LogTypeWorker
		message = fmt.Sprintf("Worker %s connected", event.Str("worker_id"))
	case EventWorkerDisconnected:
		logType = model.LogTypeWorker
		message = fmt.Sprintf("Worker %s disconnected", event.Str("worker_id"))
	default:
		// 进度等高频事件不落日志
		return
	}

	if err := h.store.AddLog(logType, message); err != nil {
		h.log.Errorf("写入活动日志失败: %v", err)
	}
}
