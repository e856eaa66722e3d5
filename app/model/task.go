package model

import (
	"fmt"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// Task 转写任务模型，一个任务对应一个音频分片
type Task struct {
	ID                 string     `json:"id" gorm:"primaryKey"` // 派生主键：{book_id}_{chunk_id}
	BookID             string     `json:"book_id" gorm:"not null;index"`
	ChunkID            string     `json:"chunk_id" gorm:"not null"`
	ChunkPath          string     `json:"chunk_path" gorm:"not null"`                     // 分片文件位置
	StartOffset        float64    `json:"start_offset" gorm:"not null"`                   // 分片在原音频中的起点（秒）
	EndOffset          float64    `json:"end_offset" gorm:"not null"`                     // 分片在原音频中的终点（秒）
	OriginalFilename   string     `json:"original_filename"`                              // 所属书籍的原始文件名
	Status             TaskStatus `json:"status" gorm:"size:20;default:'pending';index"`  // pending / in_progress / completed
	WorkerID           *string    `json:"worker_id"`                                      // 当前持有者
	Result             *string    `json:"result" gorm:"type:text"`                        // 转写结果（JSON 文本）
	ProcessingDuration *float64   `json:"processing_duration"`                            // 转写耗时（秒）
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
}

// TaskID 按 {book_id}_{chunk_id} 规则派生任务ID
func TaskID(bookID, chunkID string) string {
	return fmt.Sprintf("%s_%s", bookID, chunkID)
}
