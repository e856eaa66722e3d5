package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"whisper-swarm/app/config"
	"whisper-swarm/app/logger"

	"github.com/gin-gonic/gin"
)

// ChunkHandler 分片文件下载
type ChunkHandler struct {
	log      *logger.Logger
	chunkDir string
}

// NewChunkHandler 创建分片处理器
func NewChunkHandler(cfg *config.Config, log *logger.Logger) *ChunkHandler {
	return &ChunkHandler{
		log:      log,
		chunkDir: cfg.Storage.ChunkDir,
	}
}

// Download 按文件名下载分片，文件名不允许带路径成分
func (h *ChunkHandler) Download(c *gin.Context) {
	name := c.Param("filename")
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		fail(c, http.StatusBadRequest, 400, "非法的分片文件名")
		return
	}

	path := filepath.Join(h.chunkDir, name)
	if _, err := os.Stat(path); err != nil {
		fail(c, http.StatusNotFound, 404, "分片不存在")
		return
	}

	c.File(path)
}
