package store

import (
	"encoding/json"
	"errors"
	"time"

	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"

	"gorm.io/gorm"
)

// 存储层哨兵错误
var (
	ErrNoTask        = errors.New("没有可分配的任务")
	ErrTaskNotFound  = errors.New("任务不存在")
	ErrBookNotFound  = errors.New("书籍不存在")
	ErrDuplicateTask = errors.New("任务ID已存在")
)

// 领取任务时竞争失败的重试次数上限
const claimRetryLimit = 3

// Store 状态存储，任务/书籍/工作节点/活动日志的唯一事实来源。
// 所有调度决策都直接读当前库内状态，不做内存缓存。
type Store struct {
	db           *gorm.DB
	log          *logger.Logger
	leaseTimeout time.Duration // 任务租约超时，超过后允许被其他节点回收
	logLimit     int           // 活动日志保留条数
}

// New 创建状态存储
func New(db *gorm.DB, log *logger.Logger, leaseTimeout time.Duration, logLimit int) *Store {
	if logLimit <= 0 {
		logLimit = 500
	}
	return &Store{
		db:           db,
		log:          log,
		leaseTimeout: leaseTimeout,
		logLimit:     logLimit,
	}
}

// ChunkInput 建任务时的分片描述
type ChunkInput struct {
	ChunkID string
	Path    string
	Start   float64
	End     float64
}

// CreateBookWithTasks 创建书籍并批量插入任务，单事务提交。
// 任何派生ID冲突都会令整个上传失败，不留半本书。
func (s *Store) CreateBookWithTasks(bookID, filename string, chunks []ChunkInput) error {
	tasks := make([]model.Task, 0, len(chunks))
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		id := model.TaskID(bookID, c.ChunkID)
		ids = append(ids, id)
		tasks = append(tasks, model.Task{
			ID:               id,
			BookID:           bookID,
			ChunkID:          c.ChunkID,
			ChunkPath:        c.Path,
			StartOffset:      c.Start,
			EndOffset:        c.End,
			OriginalFilename: filename,
			Status:           model.TaskStatusPending,
		})
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Task{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateTask
		}

		book := model.Book{BookID: bookID, OriginalFilename: filename}
		if err := tx.Create(&book).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		return tx.Create(&tasks).Error
	})
}

// ClaimNextTask 为工作节点领取下一个任务。
// 选择顺序：未暂停书籍中最早的待处理任务，其次是租约过期的进行中任务。
// 选择与写入之间用条件更新闭合竞争窗口：更新影响 0 行说明被并发
// 调用者抢先，重新选择。返回值 reclaimed 标记这次领取是否为租约回收。
func (s *Store) ClaimNextTask(workerID string) (*model.Task, bool, error) {
	for attempt := 0; attempt < claimRetryLimit; attempt++ {
		staleBefore := time.Now().Add(-s.leaseTimeout)

		task, reclaimed, err := s.selectCandidate(staleBefore)
		if err != nil {
			return nil, false, err
		}

		now := time.Now()
		q := s.db.Model(&model.Task{}).
			Where("id = ? AND status = ?", task.ID, task.Status)
		if reclaimed {
			// 回收必须确认租约仍然过期，避免抢走刚被重新分配的任务
			q = q.Where("started_at < ?", staleBefore)
		}
		res := q.Updates(map[string]interface{}{
			"status":     model.TaskStatusInProgress,
			"worker_id":  workerID,
			"started_at": now,
		})
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 0 {
			// 竞争失败，重新选择
			continue
		}

		task.Status = model.TaskStatusInProgress
		task.WorkerID = &workerID
		task.StartedAt = &now
		return task, reclaimed, nil
	}
	return nil, false, ErrNoTask
}

// selectCandidate 按 (book_id, start_offset) 顺序挑选候选任务
func (s *Store) selectCandidate(staleBefore time.Time) (*model.Task, bool, error) {
	var task model.Task

	// 先找未暂停书籍中的待处理任务
	err := s.db.Model(&model.Task{}).
		Select("tasks.*").
		Joins("LEFT JOIN books ON books.book_id = tasks.book_id").
		Where("tasks.status = ? AND COALESCE(books.paused, 0) = 0", model.TaskStatusPending).
		Order("tasks.book_id ASC, tasks.start_offset ASC").
		First(&task).Error
	if err == nil {
		return &task, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	// 没有待处理任务时，回收租约过期的进行中任务
	err = s.db.Model(&model.Task{}).
		Select("tasks.*").
		Joins("LEFT JOIN books ON books.book_id = tasks.book_id").
		Where("tasks.status = ? AND tasks.started_at < ? AND COALESCE(books.paused, 0) = 0",
			model.TaskStatusInProgress, staleBefore).
		Order("tasks.book_id ASC, tasks.start_offset ASC").
		First(&task).Error
	if err == nil {
		return &task, true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, ErrNoTask
	}
	return nil, false, err
}

// CompleteTask 提交转写结果。条件更新保证只有当前持有者能写入，
// 首次成功提交生效；重复或他人迟到的提交作为无害的空操作接受，
// duplicate 返回 true 供调用方记录告警。
func (s *Store) CompleteTask(taskID, workerID string, transcript *model.Transcript, processingTime float64) (*model.Task, bool, error) {
	payload, err := json.Marshal(transcript)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	res := s.db.Model(&model.Task{}).
		Where("id = ? AND status = ? AND worker_id = ?", taskID, model.TaskStatusInProgress, workerID).
		Updates(map[string]interface{}{
			"status":              model.TaskStatusCompleted,
			"result":              string(payload),
			"processing_duration": processingTime,
			"completed_at":        now,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}

	var task model.Task
	if err := s.db.First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrTaskNotFound
		}
		return nil, false, err
	}

	if res.RowsAffected == 0 {
		// 任务已完成或已被其他节点接管，保留先到的结果
		return &task, true, nil
	}
	return &task, false, nil
}

// GetTask 按ID查询任务
func (s *Store) GetTask(taskID string) (*model.Task, error) {
	var task model.Task
	if err := s.db.First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// AllTasks 列出全部任务
func (s *Store) AllTasks() ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.Order("book_id ASC, start_offset ASC").Find(&tasks).Error
	return tasks, err
}

// BookTasks 列出一本书的全部任务，按分片起点排序，起点相同按分片ID
func (s *Store) BookTasks(bookID string) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.Where("book_id = ?", bookID).
		Order("start_offset ASC, chunk_id ASC").
		Find(&tasks).Error
	return tasks, err
}

// BookProgress 统计一本书的进度，完全由任务状态即时计算
func (s *Store) BookProgress(bookID string) (model.BookProgress, error) {
	return s.countProgress(s.db.Model(&model.Task{}).Where("book_id = ?", bookID))
}

// StatusSummary 统计全局任务进度
func (s *Store) StatusSummary() (model.BookProgress, error) {
	return s.countProgress(s.db.Model(&model.Task{}))
}

func (s *Store) countProgress(base *gorm.DB) (model.BookProgress, error) {
	var p model.BookProgress
	type row struct {
		Status model.TaskStatus
		N      int64
	}
	var rows []row
	if err := base.Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return p, err
	}
	for _, r := range rows {
		p.Total += r.N
		switch r.Status {
		case model.TaskStatusCompleted:
			p.Completed = r.N
		case model.TaskStatusInProgress:
			p.InProgress = r.N
		case model.TaskStatusPending:
			p.Pending = r.N
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return p, nil
}

// AllBooks 列出所有书籍及其分片统计，最新的在前
func (s *Store) AllBooks() ([]model.BookSummary, error) {
	var books []model.BookSummary
	err := s.db.Table("books").
		Select(`books.book_id, books.original_filename, books.paused, books.created_at,
			COUNT(tasks.id) AS total_chunks,
			COALESCE(SUM(CASE WHEN tasks.status = 'completed' THEN 1 ELSE 0 END), 0) AS completed_chunks`).
		Joins("LEFT JOIN tasks ON tasks.book_id = books.book_id").
		Group("books.book_id").
		Order("books.created_at DESC").
		Scan(&books).Error
	return books, err
}

// IsBookPaused 查询书籍是否处于暂停状态
func (s *Store) IsBookPaused(bookID string) (bool, error) {
	var book model.Book
	if err := s.db.First(&book, "book_id = ?", bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrBookNotFound
		}
		return false, err
	}
	return book.Paused, nil
}

// PauseBook 暂停书籍，暂停后其待处理任务不再被分配
func (s *Store) PauseBook(bookID string) error {
	return s.setBookPaused(bookID, true)
}

// ResumeBook 恢复书籍
func (s *Store) ResumeBook(bookID string) error {
	return s.setBookPaused(bookID, false)
}

func (s *Store) setBookPaused(bookID string, paused bool) error {
	res := s.db.Model(&model.Book{}).Where("book_id = ?", bookID).Update("paused", paused)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBookNotFound
	}
	return nil
}

// DeleteBook 删除书籍及其全部任务，返回待清理的分片文件路径
func (s *Store) DeleteBook(bookID string) ([]string, error) {
	var chunkPaths []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var book model.Book
		if err := tx.First(&book, "book_id = ?", bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		if err := tx.Model(&model.Task{}).Where("book_id = ?", bookID).
			Pluck("chunk_path", &chunkPaths).Error; err != nil {
			return err
		}

		if err := tx.Where("book_id = ?", bookID).Delete(&model.Task{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Book{}, "book_id = ?", bookID).Error
	})
	if err != nil {
		return nil, err
	}
	return chunkPaths, nil
}

// RegisterWorker 注册工作节点，重复注册按更新处理
func (s *Store) RegisterWorker(workerID, hostname string) error {
	now := time.Now()
	var existing model.Worker
	err := s.db.First(&existing, "worker_id = ?", workerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		worker := model.Worker{
			WorkerID:      workerID,
			Hostname:      hostname,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}
		return s.db.Create(&worker).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&existing).Updates(map[string]interface{}{
		"hostname":       hostname,
		"last_heartbeat": now,
	}).Error
}

// Heartbeat 刷新工作节点的心跳时间
func (s *Store) Heartbeat(workerID string) error {
	return s.db.Model(&model.Worker{}).Where("worker_id = ?", workerID).
		Update("last_heartbeat", time.Now()).Error
}

// ActiveWorkers 列出活跃窗口内有过心跳的工作节点
func (s *Store) ActiveWorkers(window time.Duration) ([]model.Worker, error) {
	var workers []model.Worker
	threshold := time.Now().Add(-window)
	err := s.db.Where("last_heartbeat > ?", threshold).Find(&workers).Error
	return workers, err
}

// ResetInProgress 将所有进行中的任务重置为待处理。
// 运维工具使用；服务端正常运行时依赖租约回收，不调用它。
func (s *Store) ResetInProgress() error {
	return s.db.Model(&model.Task{}).
		Where("status = ?", model.TaskStatusInProgress).
		Updates(map[string]interface{}{
			"status":     model.TaskStatusPending,
			"worker_id":  nil,
			"started_at": nil,
		}).Error
}

// AddLog 追加一条活动日志，并把总量裁剪到上限以内（有界环）
func (s *Store) AddLog(logType, message string) error {
	entry := model.ActivityLog{LogType: logType, Message: message}
	if err := s.db.Create(&entry).Error; err != nil {
		return err
	}
	return s.db.Exec(`DELETE FROM activity_logs WHERE id NOT IN (
		SELECT id FROM activity_logs ORDER BY created_at DESC, id DESC LIMIT ?
	)`, s.logLimit).Error
}

// RecentLogs 查询最近的活动日志，新的在前
func (s *Store) RecentLogs(limit int) ([]model.ActivityLog, error) {
	var logs []model.ActivityLog
	err := s.db.Order("created_at DESC, id DESC").Limit(limit).Find(&logs).Error
	return logs, err
}
