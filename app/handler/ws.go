package handler

import (
	"net/http"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WSHandler 推送通道：管理端实时看板与工作节点进度上报
type WSHandler struct {
	log             *logger.Logger
	store           *store.Store
	hub             *eventbus.Hub
	heartbeatWindow time.Duration
	upgrader        websocket.Upgrader
}

// NewWSHandler 创建推送通道处理器
func NewWSHandler(cfg *config.Config, log *logger.Logger, st *store.Store, hub *eventbus.Hub) *WSHandler {
	return &WSHandler{
		log:             log,
		store:           st,
		hub:             hub,
		heartbeatWindow: time.Duration(cfg.Task.HeartbeatWindowMinutes) * time.Minute,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 管理端页面和工作节点可能来自任意来源
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Dashboard 管理端订阅：先推当前状态快照，再持续推送实时事件，
// 断线重连后不丢历史（快照里带了最近的活动日志）。
func (h *WSHandler) Dashboard(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("升级管理端连接失败: %v", err)
		return
	}

	sub := h.hub.SubscribeDashboard()

	// 初始快照
	summary, _ := h.store.StatusSummary()
	books, _ := h.store.AllBooks()
	workers, _ := h.store.ActiveWorkers(h.heartbeatWindow)
	logs, _ := h.store.RecentLogs(100)

	if err := h.hub.SendTo(sub, eventbus.New(eventbus.EventInit, map[string]interface{}{
		"status":  summary,
		"books":   books,
		"workers": workers,
		"logs":    logs,
	})); err != nil {
		h.log.Errorf("发送初始快照失败: %v", err)
	}

	go h.writeLoop(conn, sub)

	// 读循环只用来保活和感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.UnsubscribeDashboard(sub)
}

// Worker 工作节点推送通道：接收进度帧并转播给管理端
func (h *WSHandler) Worker(c *gin.Context) {
	workerID := c.Param("worker_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("升级工作节点连接失败: worker=%s err=%v", workerID, err)
		return
	}

	sub := h.hub.SubscribeWorker(workerID)
	go h.writeLoop(conn, sub)

	h.hub.Broadcast(eventbus.New(eventbus.EventWorkerConnected, map[string]interface{}{
		"worker_id": workerID,
	}))

	for {
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frame["type"] == "progress" {
			// 进度只是观察性的，转播给管理端即可
			h.hub.Broadcast(eventbus.New(eventbus.EventChunkProgress, map[string]interface{}{
				"worker_id": workerID,
				"task_id":   frame["task_id"],
				"progress":  frame["progress"],
			}))
		}
	}

	h.hub.UnsubscribeWorker(workerID, sub)
	h.hub.Broadcast(eventbus.New(eventbus.EventWorkerDisconnected, map[string]interface{}{
		"worker_id": workerID,
	}))
}

// writeLoop 把订阅通道里的消息写到连接上，订阅被移除时关闭连接
func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *eventbus.Subscriber) {
	defer conn.Close()
	for msg := range sub.Receive() {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
