package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"
	"whisper-swarm/app/store"

	"github.com/patrickmn/go-cache"
)

// MergeService 聚合服务：一本书的所有分片转写完成后，把分片结果按
// 时间顺序合并为一份完整的转写产物，然后回收分片与原始上传文件。
type MergeService struct {
	store     *store.Store
	hub       *eventbus.Hub
	log       *logger.Logger
	resultDir string
	uploadDir string
	results   *cache.Cache // 已解析产物的读缓存，产物一次写成，缓存是安全的
}

// NewMergeService 创建聚合服务
func NewMergeService(st *store.Store, hub *eventbus.Hub, storageCfg config.StorageConfig, log *logger.Logger) (*MergeService, error) {
	if err := os.MkdirAll(storageCfg.ResultDir, 0755); err != nil {
		return nil, fmt.Errorf("创建结果目录失败: %w", err)
	}
	return &MergeService{
		store:     st,
		hub:       hub,
		log:       log,
		resultDir: storageCfg.ResultDir,
		uploadDir: storageCfg.UploadDir,
		results:   cache.New(30*time.Minute, 10*time.Minute),
	}, nil
}

// ResultPath 产物文件路径
func (s *MergeService) ResultPath(bookID string) string {
	return filepath.Join(s.resultDir, fmt.Sprintf("%s_transcript.json", bookID))
}

// MergeBook 合并一本书的全部分片结果并写出产物。
// 任务列表一次性读出后排序合并，中途不再重查。重复触发时幂等覆盖。
func (s *MergeService) MergeBook(bookID string) error {
	// BookTasks 已按 (start_offset, chunk_id) 排序
	tasks, err := s.store.BookTasks(bookID)
	if err != nil {
		return fmt.Errorf("读取书籍任务失败: %w", err)
	}
	if len(tasks) == 0 {
		return store.ErrBookNotFound
	}

	filename := tasks[0].OriginalFilename
	segments := make([]model.Segment, 0)
	for _, task := range tasks {
		if task.Result == nil {
			continue
		}
		var transcript model.Transcript
		if err := json.Unmarshal([]byte(*task.Result), &transcript); err != nil {
			s.log.Warnf("解析分片结果失败，跳过: task=%s err=%v", task.ID, err)
			continue
		}
		// 分片内时间换算到全书时间轴
		for _, seg := range transcript.Segments {
			segments = append(segments, model.Segment{
				Start: seg.Start + task.StartOffset,
				End:   seg.End + task.StartOffset,
				Text:  seg.Text,
			})
		}
	}

	texts := make([]string, 0, len(segments))
	for _, seg := range segments {
		texts = append(texts, strings.TrimSpace(seg.Text))
	}

	result := model.TranscriptResult{
		BookID:      bookID,
		Filename:    filename,
		CompletedAt: time.Now().Format(time.RFC3339),
		TotalChunks: len(tasks),
		Segments:    segments,
		FullText:    strings.Join(texts, " "),
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化产物失败: %w", err)
	}
	if err := os.WriteFile(s.ResultPath(bookID), data, 0644); err != nil {
		return fmt.Errorf("写入产物失败: %w", err)
	}
	s.results.Set(bookID, &result, cache.DefaultExpiration)

	// 产物已落盘，之后的清理失败只记日志，不影响合并结果
	s.cleanup(bookID, tasks)

	s.hub.Broadcast(eventbus.New(eventbus.EventBookCompleted, map[string]interface{}{
		"book_id":     bookID,
		"result_path": s.ResultPath(bookID),
	}))

	s.log.Infof("书籍合并完成: book=%s 分片=%d 段落=%d", bookID, len(tasks), len(segments))
	return nil
}

// cleanup 删除分片文件和原始上传文件
func (s *MergeService) cleanup(bookID string, tasks []model.Task) {
	chunksDeleted := 0
	for _, task := range tasks {
		if task.ChunkPath == "" {
			continue
		}
		if err := os.Remove(task.ChunkPath); err != nil {
			if !os.IsNotExist(err) {
				s.log.Warnf("删除分片文件失败: %s err=%v", task.ChunkPath, err)
			}
			continue
		}
		chunksDeleted++
	}

	uploadsDeleted := 0
	matches, err := filepath.Glob(filepath.Join(s.uploadDir, bookID+"_*"))
	if err == nil {
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				s.log.Warnf("删除上传文件失败: %s err=%v", m, err)
				continue
			}
			uploadsDeleted++
		}
	}

	if err := s.store.AddLog(model.LogTypeSystem,
		fmt.Sprintf("Cleanup: %d chunks + %d uploads deleted for book %s", chunksDeleted, uploadsDeleted, bookID)); err != nil {
		s.log.Errorf("写入清理日志失败: %v", err)
	}
}

// LoadResult 读取一本书的最终产物，优先走缓存
func (s *MergeService) LoadResult(bookID string) (*model.TranscriptResult, error) {
	if cached, ok := s.results.Get(bookID); ok {
		return cached.(*model.TranscriptResult), nil
	}

	data, err := os.ReadFile(s.ResultPath(bookID))
	if err != nil {
		return nil, err
	}

	var result model.TranscriptResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析产物文件失败: %w", err)
	}
	s.results.Set(bookID, &result, cache.DefaultExpiration)
	return &result, nil
}

// EvictResult 删除产物缓存（删除书籍时调用）
func (s *MergeService) EvictResult(bookID string) {
	s.results.Delete(bookID)
}
