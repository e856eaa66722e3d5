package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"resty.dev/v3"
)

// 监控的音频扩展名
var audioExtensions = map[string]bool{
	".mp3":  true,
	".m4a":  true,
	".m4b":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".aac":  true,
}

// 等待文件写入完成的最长时间
const stableWaitLimit = 30 * time.Minute

// Watcher 目录监控上传端：盯住下载目录，新出现的音频文件写入完成后
// 通过公开接口上传到协调端。它只是协调端的一个普通客户端。
type Watcher struct {
	cfg    config.WatcherConfig
	log    *logger.Logger
	client *resty.Client

	mu       sync.Mutex
	token    string
	uploaded map[string]bool // 本进程已上传或正在处理的文件
}

// New 创建目录监控上传端
func New(cfg config.WatcherConfig, log *logger.Logger) (*Watcher, error) {
	if cfg.WatchDir == "" {
		return nil, fmt.Errorf("未配置监控目录")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("未配置管理员账号，上传需要会话令牌")
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.MasterURL, "/")).
		SetTimeout(10 * time.Minute) // 整本书的上传可能很大

	return &Watcher{
		cfg:      cfg,
		log:      log,
		client:   client,
		uploaded: make(map[string]bool),
	}, nil
}

// Run 启动监控，ctx 取消后退出
func (w *Watcher) Run(ctx context.Context) error {
	defer w.client.Close()

	if err := w.login(); err != nil {
		return fmt.Errorf("登录协调端失败: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监控失败: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.cfg.WatchDir); err != nil {
		return fmt.Errorf("监控目录失败 %s: %w", w.cfg.WatchDir, err)
	}
	w.log.Infof("开始监控目录: %s", w.cfg.WatchDir)

	// 周期性补扫，兜住监控进程离线期间落盘的文件
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(w.cfg.RescanCron, func() { w.rescan(ctx) }); err != nil {
		return fmt.Errorf("注册补扫任务失败: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// 启动时先扫一遍存量文件
	w.rescan(ctx)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("目录监控退出")
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isAudioFile(event.Name) {
				continue
			}
			if w.markPending(event.Name) {
				go w.handleFile(ctx, event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Errorf("文件监控错误: %v", err)
		}
	}
}

// rescan 全量扫描监控目录，补上传漏掉的音频文件
func (w *Watcher) rescan(ctx context.Context) {
	err := filepath.WalkDir(w.cfg.WatchDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isAudioFile(path) && w.markPending(path) {
			go w.handleFile(ctx, path)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		w.log.Errorf("补扫目录失败: %v", err)
	}
}

// markPending 记录文件开始处理，重复出现的文件返回 false
func (w *Watcher) markPending(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.uploaded[path] {
		return false
	}
	w.uploaded[path] = true
	return true
}

// unmarkPending 上传失败后允许之后的扫描重试
func (w *Watcher) unmarkPending(path string) {
	w.mu.Lock()
	delete(w.uploaded, path)
	w.mu.Unlock()
}

// handleFile 等文件写入完成后上传
func (w *Watcher) handleFile(ctx context.Context, path string) {
	if err := w.waitStable(ctx, path); err != nil {
		w.log.Warnf("等待文件写入完成失败: %s err=%v", path, err)
		w.unmarkPending(path)
		return
	}

	if err := w.upload(path); err != nil {
		w.log.Errorf("上传失败: %s err=%v", path, err)
		w.unmarkPending(path)
		return
	}
	w.log.Infof("已上传: %s", filepath.Base(path))
}

// waitStable 文件大小在间隔内不再变化即认为下载完成
func (w *Watcher) waitStable(ctx context.Context, path string) error {
	interval := time.Duration(w.cfg.StableSecond) * time.Second
	deadline := time.Now().Add(stableWaitLimit)

	for time.Now().Before(deadline) {
		before, err := os.Stat(path)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		after, err := os.Stat(path)
		if err != nil {
			return err
		}
		if before.Size() == after.Size() && after.Size() > 0 {
			return nil
		}
	}
	return fmt.Errorf("文件在 %s 内未稳定", stableWaitLimit)
}

// login 登录协调端获取会话令牌
func (w *Watcher) login() error {
	var result struct {
		Code int `json:"code"`
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}

	resp, err := w.client.R().
		SetBody(map[string]string{
			"username": w.cfg.Username,
			"password": w.cfg.Password,
		}).
		SetResult(&result).
		Post("/auth/login")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK || result.Data.Token == "" {
		return fmt.Errorf("登录返回状态码 %d: %s", resp.StatusCode(), resp.String())
	}

	w.mu.Lock()
	w.token = result.Data.Token
	w.mu.Unlock()
	w.log.Infof("已登录协调端: %s", w.cfg.MasterURL)
	return nil
}

// upload 上传一个音频文件，会话过期时重新登录并重试一次
func (w *Watcher) upload(path string) error {
	w.mu.Lock()
	token := w.token
	w.mu.Unlock()

	resp, err := w.client.R().
		SetFile("file", path).
		SetAuthToken(token).
		Post("/upload")
	if err != nil {
		return err
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		// 会话过期，重新登录后重试
		w.log.Info("会话已过期，重新登录")
		if err := w.login(); err != nil {
			return err
		}
		w.mu.Lock()
		token = w.token
		w.mu.Unlock()

		resp, err = w.client.R().
			SetFile("file", path).
			SetAuthToken(token).
			Post("/upload")
		if err != nil {
			return err
		}
	}

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("上传返回状态码 %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// isAudioFile 按扩展名判断是否为音频文件
func isAudioFile(path string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(path))]
}
