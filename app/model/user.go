package model

import (
	"time"
)

// User 管理端账户
type User struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	Username  string     `json:"username" gorm:"uniqueIndex;not null"`
	Password  string     `json:"-" gorm:"not null"` // bcrypt 哈希
	IsActive  bool       `json:"is_active" gorm:"default:true"`
	IsAdmin   bool       `json:"is_admin" gorm:"default:false"`
	LastLogin *time.Time `json:"last_login"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
