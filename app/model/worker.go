package model

import (
	"time"
)

// Worker 已注册的工作节点
type Worker struct {
	WorkerID      string    `json:"worker_id" gorm:"primaryKey"` // 由工作节点生成，进程生命周期内稳定
	Hostname      string    `json:"hostname"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// IsActive 活跃是派生判定：最近一次心跳落在窗口内，不存布尔列
func (w *Worker) IsActive(now time.Time, window time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < window
}
