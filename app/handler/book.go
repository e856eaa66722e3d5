package handler

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"whisper-swarm/app/config"
	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/service"
	"whisper-swarm/app/splitter"
	"whisper-swarm/app/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// BookHandler 书籍处理器：上传、暂停/恢复、删除、读取转写产物
type BookHandler struct {
	config   *config.Config
	log      *logger.Logger
	store    *store.Store
	splitter *splitter.Splitter
	hub      *eventbus.Hub
	merge    *service.MergeService
}

// NewBookHandler 创建书籍处理器
func NewBookHandler(cfg *config.Config, log *logger.Logger, st *store.Store,
	sp *splitter.Splitter, hub *eventbus.Hub, merge *service.MergeService) (*BookHandler, error) {
	if err := os.MkdirAll(cfg.Storage.UploadDir, 0755); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}
	return &BookHandler{
		config:   cfg,
		log:      log,
		store:    st,
		splitter: sp,
		hub:      hub,
		merge:    merge,
	}, nil
}

// Upload 上传一本有声书：保存原始文件、切分为分片并建立任务。
// 切分或建任务失败时整个上传原子地失败，不留下半本书。
func (h *BookHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, 400, "缺少上传文件: "+err.Error())
		return
	}

	bookID := uuid.NewString()[:8]
	filename := filepath.Base(fileHeader.Filename)
	uploadPath := filepath.Join(h.config.Storage.UploadDir, fmt.Sprintf("%s_%s", bookID, filename))

	if err := c.SaveUploadedFile(fileHeader, uploadPath); err != nil {
		h.log.Errorf("保存上传文件失败: %v", err)
		fail(c, http.StatusInternalServerError, 500, "保存上传文件失败")
		return
	}

	chunks, err := h.splitter.Split(c.Request.Context(), uploadPath, bookID)
	if err != nil {
		// 切分失败不留任何任务，同时清掉已写入的文件
		h.log.Errorf("切分音频失败: book=%s err=%v", bookID, err)
		h.removeChunks(chunks)
		_ = os.Remove(uploadPath)
		fail(c, http.StatusInternalServerError, 500, "切分音频失败")
		return
	}

	inputs := make([]store.ChunkInput, 0, len(chunks))
	for _, chunk := range chunks {
		inputs = append(inputs, store.ChunkInput{
			ChunkID: chunk.ChunkID,
			Path:    chunk.Path,
			Start:   chunk.Start,
			End:     chunk.End,
		})
	}

	if err := h.store.CreateBookWithTasks(bookID, filename, inputs); err != nil {
		h.removeChunks(chunks)
		_ = os.Remove(uploadPath)
		if errors.Is(err, store.ErrDuplicateTask) {
			fail(c, http.StatusConflict, 409, "任务ID冲突，上传已取消")
			return
		}
		h.log.Errorf("创建任务失败: book=%s err=%v", bookID, err)
		fail(c, http.StatusInternalServerError, 500, "创建任务失败")
		return
	}

	h.hub.Broadcast(eventbus.New(eventbus.EventBookAdded, map[string]interface{}{
		"book_id":      bookID,
		"filename":     filename,
		"total_chunks": len(chunks),
	}))

	h.log.Infof("书籍已上传: book=%s file=%s 分片=%d", bookID, filename, len(chunks))
	c.JSON(http.StatusOK, gin.H{
		"book_id":        bookID,
		"filename":       filename,
		"chunks_created": len(chunks),
	})
}

func (h *BookHandler) removeChunks(chunks []splitter.Chunk) {
	for _, chunk := range chunks {
		if chunk.Path != "" {
			_ = os.Remove(chunk.Path)
		}
	}
}

// Pause 暂停一本书，已分配的任务继续，不再分配新任务
func (h *BookHandler) Pause(c *gin.Context) {
	bookID := c.Param("id")
	if err := h.store.PauseBook(bookID); err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			fail(c, http.StatusNotFound, 404, "书籍不存在")
			return
		}
		h.log.Errorf("暂停书籍失败: book=%s err=%v", bookID, err)
		fail(c, http.StatusInternalServerError, 500, "暂停书籍失败")
		return
	}

	h.hub.Broadcast(eventbus.New(eventbus.EventBookPaused, map[string]interface{}{"book_id": bookID}))
	c.JSON(http.StatusOK, gin.H{"status": "paused", "book_id": bookID})
}

// Resume 恢复一本书
func (h *BookHandler) Resume(c *gin.Context) {
	bookID := c.Param("id")
	if err := h.store.ResumeBook(bookID); err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			fail(c, http.StatusNotFound, 404, "书籍不存在")
			return
		}
		h.log.Errorf("恢复书籍失败: book=%s err=%v", bookID, err)
		fail(c, http.StatusInternalServerError, 500, "恢复书籍失败")
		return
	}

	h.hub.Broadcast(eventbus.New(eventbus.EventBookResumed, map[string]interface{}{"book_id": bookID}))
	c.JSON(http.StatusOK, gin.H{"status": "resumed", "book_id": bookID})
}

// Delete 删除一本书及其全部任务和分片文件
func (h *BookHandler) Delete(c *gin.Context) {
	bookID := c.Param("id")

	chunkPaths, err := h.store.DeleteBook(bookID)
	if err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			fail(c, http.StatusNotFound, 404, "书籍不存在")
			return
		}
		h.log.Errorf("删除书籍失败: book=%s err=%v", bookID, err)
		fail(c, http.StatusInternalServerError, 500, "删除书籍失败")
		return
	}

	// 分片文件清理失败只记日志
	for _, path := range chunkPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.log.Warnf("删除分片文件失败: %s err=%v", path, err)
		}
	}
	h.merge.EvictResult(bookID)

	h.hub.Broadcast(eventbus.New(eventbus.EventBookDeleted, map[string]interface{}{"book_id": bookID}))
	h.log.Infof("书籍已删除: book=%s 分片=%d", bookID, len(chunkPaths))
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "book_id": bookID})
}

// Result 下载一本书的最终转写产物
func (h *BookHandler) Result(c *gin.Context) {
	bookID := c.Param("book_id")

	result, err := h.merge.LoadResult(bookID)
	if err != nil {
		if os.IsNotExist(err) {
			fail(c, http.StatusNotFound, 404, "结果不存在")
			return
		}
		h.log.Errorf("读取产物失败: book=%s err=%v", bookID, err)
		fail(c, http.StatusInternalServerError, 500, "读取产物失败")
		return
	}

	c.JSON(http.StatusOK, result)
}
