package model

import (
	"time"
)

// 活动日志分类
const (
	LogTypeBook   = "book"
	LogTypeTask   = "task"
	LogTypeWorker = "worker"
	LogTypeSystem = "system"
)

// ActivityLog 面向管理端的审计日志，只保留最近若干条
type ActivityLog struct {
	ID        uint      `json:"-" gorm:"primaryKey"`
	LogType   string    `json:"log_type" gorm:"not null"`
	Message   string    `json:"message" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
