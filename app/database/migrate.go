package database

import "whisper-swarm/app/model"

func AutoMigrate() error {
	// 自动迁移表结构
	return DB.AutoMigrate(
		&model.User{},
		&model.Book{},
		&model.Task{},
		&model.Worker{},
		&model.ActivityLog{},
	)
}
