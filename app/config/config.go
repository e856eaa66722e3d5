package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	JWT     JWTConfig     `mapstructure:"jwt"`
	Storage StorageConfig `mapstructure:"storage"`
	Split   SplitConfig   `mapstructure:"split"`
	Task    TaskConfig    `mapstructure:"task"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Watcher WatcherConfig `mapstructure:"watcher"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// StorageConfig 协调端的磁盘目录布局
type StorageConfig struct {
	UploadDir string `mapstructure:"upload_dir"` // 原始上传文件目录
	ChunkDir  string `mapstructure:"chunk_dir"`  // 音频分片目录
	ResultDir string `mapstructure:"result_dir"` // 合并结果目录
}

// SplitConfig 音频切分参数
type SplitConfig struct {
	ChunkDuration int    `mapstructure:"chunk_duration"` // 每个分片的秒数
	Concurrency   int    `mapstructure:"concurrency"`    // ffmpeg 并发数
	Format        string `mapstructure:"format"`         // mp3 / opus / wav
	Bitrate       string `mapstructure:"bitrate"`        // 压缩格式的码率
}

// TaskConfig 任务分配与活跃判定参数
type TaskConfig struct {
	LeaseTimeoutMinutes    int `mapstructure:"lease_timeout_minutes"`    // 任务租约超时（分钟）
	HeartbeatWindowMinutes int `mapstructure:"heartbeat_window_minutes"` // 工作节点活跃窗口（分钟）
	ActivityLogLimit       int `mapstructure:"activity_log_limit"`       // 活动日志保留条数
}

// WorkerConfig 工作节点参数
type WorkerConfig struct {
	MasterURL         string `mapstructure:"master_url"`         // 协调端地址
	PollInterval      int    `mapstructure:"poll_interval"`      // 无任务时的轮询间隔（秒）
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"` // 心跳间隔（秒）
	TempDir           string `mapstructure:"temp_dir"`           // 分片临时下载目录
	TranscribeCommand string `mapstructure:"transcribe_command"` // 外部转写命令
}

// WatcherConfig 目录监控上传端参数
type WatcherConfig struct {
	MasterURL    string `mapstructure:"master_url"`    // 协调端地址
	WatchDir     string `mapstructure:"watch_dir"`     // 被监控的下载目录
	Username     string `mapstructure:"username"`      // 管理员账号
	Password     string `mapstructure:"password"`      // 管理员密码
	RescanCron   string `mapstructure:"rescan_cron"`   // 周期性补扫的 cron 表达式
	StableSecond int    `mapstructure:"stable_second"` // 文件大小稳定判定的间隔（秒）
}

func Load() *Config {
	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "8000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "whisper-swarm")

	// 存储目录默认配置
	viper.SetDefault("storage.upload_dir", "data/uploads")
	viper.SetDefault("storage.chunk_dir", "data/chunks")
	viper.SetDefault("storage.result_dir", "data/results")

	// 切分默认配置：20 分钟一片，16kHz 单声道 48k mp3 对语音识别足够
	viper.SetDefault("split.chunk_duration", 1200)
	viper.SetDefault("split.concurrency", 4)
	viper.SetDefault("split.format", "mp3")
	viper.SetDefault("split.bitrate", "48k")

	// 任务默认配置
	viper.SetDefault("task.lease_timeout_minutes", 10)
	viper.SetDefault("task.heartbeat_window_minutes", 2)
	viper.SetDefault("task.activity_log_limit", 500)

	// 工作节点默认配置
	viper.SetDefault("worker.master_url", "http://localhost:8000")
	viper.SetDefault("worker.poll_interval", 5)
	viper.SetDefault("worker.heartbeat_interval", 30)
	viper.SetDefault("worker.temp_dir", "")
	viper.SetDefault("worker.transcribe_command", "whisper-json")

	// 监控上传端默认配置
	viper.SetDefault("watcher.master_url", "http://localhost:8000")
	viper.SetDefault("watcher.rescan_cron", "@every 10m")
	viper.SetDefault("watcher.stable_second", 2)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Split.ChunkDuration <= 0 {
		return fmt.Errorf("分片时长必须大于 0")
	}
	if config.Split.Concurrency <= 0 {
		return fmt.Errorf("切分并发数必须大于 0")
	}
	return nil
}
