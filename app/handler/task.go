package handler

import (
	"errors"
	"net/http"

	"whisper-swarm/app/config"
	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"
	"whisper-swarm/app/service"
	"whisper-swarm/app/store"

	"github.com/gin-gonic/gin"
)

// TaskHandler 任务处理器：领取、提交、查询
type TaskHandler struct {
	config *config.Config
	log    *logger.Logger
	store  *store.Store
	hub    *eventbus.Hub
	merge  *service.MergeService
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(cfg *config.Config, log *logger.Logger, st *store.Store,
	hub *eventbus.Hub, merge *service.MergeService) *TaskHandler {
	return &TaskHandler{
		config: cfg,
		log:    log,
		store:  st,
		hub:    hub,
		merge:  merge,
	}
}

// Next 为请求的工作节点领取下一个任务。
// 没有可分配任务不是错误，返回 {"task": null} 让节点稍后再来。
func (h *TaskHandler) Next(c *gin.Context) {
	workerID := c.Query("worker_id")
	if workerID == "" {
		fail(c, http.StatusBadRequest, 400, "缺少 worker_id 参数")
		return
	}

	task, reclaimed, err := h.store.ClaimNextTask(workerID)
	if err != nil {
		if errors.Is(err, store.ErrNoTask) {
			c.JSON(http.StatusOK, gin.H{"task": nil})
			return
		}
		h.log.Errorf("领取任务失败: worker=%s err=%v", workerID, err)
		fail(c, http.StatusInternalServerError, 500, "领取任务失败")
		return
	}

	if reclaimed {
		h.log.Infof("回收过期租约: task=%s 重新分配给 worker=%s", task.ID, workerID)
	}

	h.hub.Broadcast(eventbus.New(eventbus.EventTaskAssigned, map[string]interface{}{
		"task_id":   task.ID,
		"worker_id": workerID,
		"book_id":   task.BookID,
		"chunk_id":  task.ChunkID,
		"reclaimed": reclaimed,
	}))

	c.JSON(http.StatusOK, gin.H{"task": task})
}

// CompleteRequest 提交转写结果的请求体
type CompleteRequest struct {
	TaskID         string           `json:"task_id" binding:"required"`
	WorkerID       string           `json:"worker_id" binding:"required"`
	Transcript     model.Transcript `json:"transcript"`
	ProcessingTime float64          `json:"processing_time"`
}

// Complete 接收转写结果。首次成功提交生效；重复提交（租约被回收后
// 原持有者迟到的结果）无害地接受并记录，不改变已有状态。
func (h *TaskHandler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	task, duplicate, err := h.store.CompleteTask(req.TaskID, req.WorkerID, &req.Transcript, req.ProcessingTime)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			fail(c, http.StatusNotFound, 404, "任务不存在")
			return
		}
		h.log.Errorf("提交任务结果失败: task=%s err=%v", req.TaskID, err)
		fail(c, http.StatusInternalServerError, 500, "提交任务结果失败")
		return
	}

	if duplicate {
		h.log.Warnf("忽略重复提交: task=%s worker=%s，保留先到的结果", req.TaskID, req.WorkerID)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	progress, err := h.store.BookProgress(task.BookID)
	if err != nil {
		h.log.Errorf("统计书籍进度失败: book=%s err=%v", task.BookID, err)
	}

	h.hub.Broadcast(eventbus.New(eventbus.EventTaskCompleted, map[string]interface{}{
		"task_id":         task.ID,
		"worker_id":       req.WorkerID,
		"book_id":         task.BookID,
		"chunk_id":        task.ChunkID,
		"processing_time": req.ProcessingTime,
		"book_progress":   progress,
	}))

	// 最后一片完成后同步触发合并；合并中的存储问题不影响本次提交
	if progress.Done() {
		if err := h.merge.MergeBook(task.BookID); err != nil {
			h.log.Errorf("合并书籍失败: book=%s err=%v", task.BookID, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// List 列出全部任务
func (h *TaskHandler) List(c *gin.Context) {
	tasks, err := h.store.AllTasks()
	if err != nil {
		h.log.Errorf("查询任务列表失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "查询任务列表失败")
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// Status 系统总体状态：连接中的节点、任务统计、书籍列表
func (h *TaskHandler) Status(c *gin.Context) {
	summary, err := h.store.StatusSummary()
	if err != nil {
		h.log.Errorf("统计任务状态失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "统计任务状态失败")
		return
	}

	books, err := h.store.AllBooks()
	if err != nil {
		h.log.Errorf("查询书籍列表失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "查询书籍列表失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": h.hub.ConnectedWorkers(),
		"tasks":   summary,
		"books":   books,
	})
}
