package model

import (
	"time"
)

// Book 一本已上传的有声书及其分片任务集合
type Book struct {
	BookID           string    `json:"book_id" gorm:"primaryKey"`
	OriginalFilename string    `json:"original_filename"`
	Paused           bool      `json:"paused" gorm:"default:false"` // 暂停后不再分配新任务
	CreatedAt        time.Time `json:"created_at"`
}

// BookProgress 书籍进度，全部由任务状态即时统计，不落库
type BookProgress struct {
	Total      int64   `json:"total"`
	Completed  int64   `json:"completed"`
	InProgress int64   `json:"in_progress"`
	Pending    int64   `json:"pending"`
	Percent    float64 `json:"percent"`
}

// Done 判断书籍的所有分片是否全部转写完成
func (p BookProgress) Done() bool {
	return p.Total > 0 && p.Completed == p.Total
}

// BookSummary 书籍列表项（含统计字段）
type BookSummary struct {
	BookID           string    `json:"book_id"`
	OriginalFilename string    `json:"original_filename"`
	TotalChunks      int64     `json:"total_chunks"`
	CompletedChunks  int64     `json:"completed_chunks"`
	Paused           bool      `json:"paused"`
	CreatedAt        time.Time `json:"created_at"`
}
