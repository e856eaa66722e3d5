package splitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"whisper-swarm/app/config"
	"whisper-swarm/app/logger"
)

// Chunk 一个切分出来的音频分片描述
type Chunk struct {
	ChunkID  string  `json:"chunk_id"`
	Path     string  `json:"path"`
	Filename string  `json:"filename"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
}

// Splitter 音频切分器，调用 ffmpeg 把整本书切成定长分片。
// 输出为 16kHz 单声道，低码率对语音识别足够且显著省带宽。
type Splitter struct {
	outputDir     string
	chunkDuration float64
	format        string
	bitrate       string
	concurrency   int
	log           *logger.Logger
}

// New 创建音频切分器
func New(cfg config.SplitConfig, storage config.StorageConfig, log *logger.Logger) (*Splitter, error) {
	if err := os.MkdirAll(storage.ChunkDir, 0755); err != nil {
		return nil, fmt.Errorf("创建分片目录失败: %w", err)
	}
	return &Splitter{
		outputDir:     storage.ChunkDir,
		chunkDuration: float64(cfg.ChunkDuration),
		format:        cfg.Format,
		bitrate:       cfg.Bitrate,
		concurrency:   cfg.Concurrency,
		log:           log,
	}, nil
}

// PlanChunks 计算切分方案：连续覆盖 [0, duration)，最后一片可以更短
func PlanChunks(duration, chunkDuration float64, bookID, format string) []Chunk {
	if duration <= 0 || chunkDuration <= 0 {
		return nil
	}

	chunks := make([]Chunk, 0, int(duration/chunkDuration)+1)
	for i := 0; ; i++ {
		start := float64(i) * chunkDuration
		if start >= duration {
			break
		}
		end := start + chunkDuration
		if end > duration {
			end = duration
		}

		chunkID := fmt.Sprintf("chunk_%04d", i)
		filename := fmt.Sprintf("%s_%s.%s", bookID, chunkID, format)
		chunks = append(chunks, Chunk{
			ChunkID:  chunkID,
			Filename: filename,
			Start:    start,
			End:      end,
			Duration: end - start,
		})
	}
	return chunks
}

// Probe 用 ffprobe 读取音频时长（秒）
func (s *Splitter) Probe(ctx context.Context, audioPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		audioPath,
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe 执行失败: %w", err)
	}

	var info struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return 0, fmt.Errorf("解析 ffprobe 输出失败: %w", err)
	}

	duration, err := strconv.ParseFloat(info.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("解析音频时长失败: %w", err)
	}
	return duration, nil
}

// Split 把一个音频文件切成分片。所有分片并发提取（受并发上限约束），
// 任何一片失败则整次切分失败，调用方不得为半切分的书建任务。
func (s *Splitter) Split(ctx context.Context, audioPath, bookID string) ([]Chunk, error) {
	duration, err := s.Probe(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	chunks := PlanChunks(duration, s.chunkDuration, bookID, s.format)
	for i := range chunks {
		chunks[i].Path = filepath.Join(s.outputDir, chunks[i].Filename)
	}

	// 每个提取都是重量级的 ffmpeg 子进程，用信号量限制并发
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := range chunks {
		wg.Add(1)
		go func(c *Chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := s.extractChunk(ctx, audioPath, c); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(&chunks[i])
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	s.log.Infof("切分完成: book=%s 共 %d 片，总时长 %.1f 秒", bookID, len(chunks), duration)
	return chunks, nil
}

// extractChunk 提取单个分片
func (s *Splitter) extractChunk(ctx context.Context, inputPath string, c *Chunk) error {
	args := []string{
		"-y", // 覆盖已有输出
		"-ss", strconv.FormatFloat(c.Start, 'f', -1, 64), // 在输入前定位，更快
		"-i", inputPath,
		"-t", strconv.FormatFloat(c.Duration, 'f', -1, 64),
		"-ar", "16000", // 16kHz 采样率
		"-ac", "1", // 单声道
	}

	switch s.format {
	case "mp3":
		args = append(args, "-c:a", "libmp3lame", "-b:a", s.bitrate)
	case "opus":
		args = append(args, "-c:a", "libopus", "-b:a", s.bitrate)
	default: // wav 兜底
		args = append(args, "-c:a", "pcm_s16le")
	}
	args = append(args, c.Path)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("提取分片失败 %s: %w", c.Filename, err)
	}
	return nil
}
