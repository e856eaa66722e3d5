package handler

import (
	"net/http"

	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/store"

	"github.com/gin-gonic/gin"
)

// WorkerHandler 工作节点注册与心跳
type WorkerHandler struct {
	log   *logger.Logger
	store *store.Store
	hub   *eventbus.Hub
}

// NewWorkerHandler 创建工作节点处理器
func NewWorkerHandler(log *logger.Logger, st *store.Store, hub *eventbus.Hub) *WorkerHandler {
	return &WorkerHandler{
		log:   log,
		store: st,
		hub:   hub,
	}
}

// RegisterRequest 注册请求结构
type RegisterRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Hostname string `json:"hostname" binding:"required"`
}

// Register 注册工作节点，重复注册按更新处理
func (h *WorkerHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	if err := h.store.RegisterWorker(req.WorkerID, req.Hostname); err != nil {
		h.log.Errorf("注册工作节点失败: worker=%s err=%v", req.WorkerID, err)
		fail(c, http.StatusInternalServerError, 500, "注册工作节点失败")
		return
	}

	h.hub.Broadcast(eventbus.New(eventbus.EventWorkerJoined, map[string]interface{}{
		"worker_id": req.WorkerID,
		"hostname":  req.Hostname,
	}))

	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

// Heartbeat 刷新工作节点心跳，活跃状态由心跳时间派生
func (h *WorkerHandler) Heartbeat(c *gin.Context) {
	workerID := c.Param("id")
	if err := h.store.Heartbeat(workerID); err != nil {
		h.log.Errorf("更新心跳失败: worker=%s err=%v", workerID, err)
		fail(c, http.StatusInternalServerError, 500, "更新心跳失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
