package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"resty.dev/v3"
)

// Worker 工作节点运行时：注册后循环领取任务、下载分片、调用转写
// 能力、提交结果。心跳和进度上报与任务执行并发独立。
type Worker struct {
	cfg         config.WorkerConfig
	log         *logger.Logger
	client      *resty.Client
	transcriber Transcriber

	workerID string
	hostname string
	tempDir  string

	ws   *websocket.Conn
	wsMu sync.Mutex // 进度帧和关闭可能来自不同协程
}

// New 创建工作节点
func New(cfg config.WorkerConfig, log *logger.Logger, transcriber Transcriber) (*Worker, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	tempDir := cfg.TempDir
	if tempDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("获取用户目录失败: %w", err)
		}
		tempDir = filepath.Join(home, ".whisper-swarm", "temp")
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("创建临时目录失败: %w", err)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.MasterURL, "/")).
		SetTimeout(60 * time.Second)

	return &Worker{
		cfg:         cfg,
		log:         log,
		client:      client,
		transcriber: transcriber,
		// 节点ID进程生命周期内稳定
		workerID: fmt.Sprintf("worker-%s", uuid.NewString()[:6]),
		hostname: hostname,
		tempDir:  tempDir,
	}, nil
}

// WorkerID 返回本节点ID
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Run 主循环，ctx 取消后优雅退出
func (w *Worker) Run(ctx context.Context) error {
	defer w.client.Close()

	w.log.Infof("工作节点启动: id=%s host=%s master=%s", w.workerID, w.hostname, w.cfg.MasterURL)

	if err := w.register(); err != nil {
		return fmt.Errorf("注册失败: %w", err)
	}

	// 进度通道是尽力而为的，连不上也不影响干活
	w.connectProgressChannel()
	defer w.closeProgressChannel()

	// 心跳独立于任务执行
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()
	defer wg.Wait()

	pollInterval := time.Duration(w.cfg.PollInterval) * time.Second
	for {
		select {
		case <-ctx.Done():
			w.log.Info("工作节点退出")
			return nil
		default:
		}

		task, err := w.fetchNextTask(ctx)
		if err != nil {
			w.log.Warnf("领取任务失败: %v", err)
			w.sleep(ctx, pollInterval)
			continue
		}
		if task == nil {
			// 没有任务，固定间隔后再来
			w.sleep(ctx, pollInterval)
			continue
		}

		if err := w.processTask(ctx, task); err != nil {
			// 不在本地重试，租约过期后任务会被回收重新分配
			w.log.Errorf("处理任务失败: task=%s err=%v", task.ID, err)
		}
	}
}

// register 向协调端注册
func (w *Worker) register() error {
	resp, err := w.client.R().
		SetBody(map[string]string{
			"worker_id": w.workerID,
			"hostname":  w.hostname,
		}).
		Post("/workers/register")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("注册返回状态码 %d: %s", resp.StatusCode(), resp.String())
	}
	w.log.Infof("已注册: %s (%s)", w.workerID, w.hostname)
	return nil
}

// heartbeatLoop 周期性发送心跳，与任务执行无关
func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(w.cfg.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.client.R().Post(fmt.Sprintf("/workers/%s/heartbeat", w.workerID)); err != nil {
				w.log.Debugf("心跳发送失败: %v", err)
			}
		}
	}
}

// fetchNextTask 领取下一个任务，没有任务时返回 nil
func (w *Worker) fetchNextTask(ctx context.Context) (*model.Task, error) {
	var result struct {
		Task *model.Task `json:"task"`
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetQueryParam("worker_id", w.workerID).
		SetResult(&result).
		Get("/tasks/next")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("领取任务返回状态码 %d", resp.StatusCode())
	}
	return result.Task, nil
}

// processTask 处理一个任务：下载分片、转写、提交、清理本地副本
func (w *Worker) processTask(ctx context.Context, task *model.Task) error {
	w.log.Infof("开始处理任务: task=%s chunk=%s", task.ID, task.ChunkID)
	w.sendProgress(task.ID, 0.1)

	localPath, err := w.downloadChunk(ctx, task)
	if err != nil {
		return fmt.Errorf("下载分片失败: %w", err)
	}
	defer os.Remove(localPath)

	w.sendProgress(task.ID, 0.3)

	startTime := time.Now()
	transcript, err := w.transcriber.Transcribe(ctx, localPath)
	if err != nil {
		return fmt.Errorf("转写失败: %w", err)
	}
	processingTime := time.Since(startTime).Seconds()

	w.log.Infof("转写完成: task=%s 耗时=%.1fs 段落=%d", task.ID, processingTime, len(transcript.Segments))
	w.sendProgress(task.ID, 0.9)

	if err := w.submitResult(ctx, task.ID, transcript, processingTime); err != nil {
		return fmt.Errorf("提交结果失败: %w", err)
	}

	w.sendProgress(task.ID, 1.0)
	w.log.Infof("任务完成: task=%s", task.ID)
	return nil
}

// downloadChunk 下载分片到临时目录
func (w *Worker) downloadChunk(ctx context.Context, task *model.Task) (string, error) {
	chunkName := filepath.Base(task.ChunkPath)
	localPath := filepath.Join(w.tempDir, chunkName)

	resp, err := w.client.R().
		SetContext(ctx).
		Get("/chunks/" + chunkName)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("下载分片返回状态码 %d", resp.StatusCode())
	}

	if err := os.WriteFile(localPath, resp.Bytes(), 0644); err != nil {
		return "", err
	}
	return localPath, nil
}

// submitResult 提交转写结果，附带实际转写耗时
func (w *Worker) submitResult(ctx context.Context, taskID string, transcript *model.Transcript, processingTime float64) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"task_id":         taskID,
			"worker_id":       w.workerID,
			"transcript":      transcript,
			"processing_time": processingTime,
		}).
		Post("/tasks/complete")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("提交返回状态码 %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// connectProgressChannel 建立进度推送的 WebSocket 连接，失败只告警
func (w *Worker) connectProgressChannel() {
	wsURL := strings.Replace(strings.Replace(w.cfg.MasterURL, "https://", "wss://", 1), "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws/worker/" + w.workerID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		w.log.Warnf("进度通道连接失败（不影响任务处理）: %v", err)
		return
	}

	w.wsMu.Lock()
	w.ws = conn
	w.wsMu.Unlock()
	w.log.Info("进度通道已连接")
}

// closeProgressChannel 关闭进度通道
func (w *Worker) closeProgressChannel() {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if w.ws != nil {
		_ = w.ws.Close()
		w.ws = nil
	}
}

// sendProgress 上报任务内进度，纯观察性，失败直接丢弃
func (w *Worker) sendProgress(taskID string, progress float64) {
	w.wsMu.Lock()
	defer w.wsMu.Unlock()
	if w.ws == nil {
		return
	}
	err := w.ws.WriteJSON(map[string]interface{}{
		"type":     "progress",
		"task_id":  taskID,
		"progress": progress,
	})
	if err != nil {
		// 连接坏了就放弃进度上报，任务流程不受影响
		_ = w.ws.Close()
		w.ws = nil
	}
}

// sleep 可被 ctx 打断的休眠
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
