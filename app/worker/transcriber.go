package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"
)

// Transcriber 转写能力：把一个音频分片转成带时间戳的文本段落。
// 具体引擎可插拔，协调逻辑不关心背后是哪种模型。
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error)
}

// CommandTranscriber 调用外部转写命令的实现。命令接收音频文件路径
// 作为最后一个参数，并把转写结果 JSON 打印到标准输出。
type CommandTranscriber struct {
	command string
	args    []string
	log     *logger.Logger
}

// NewCommandTranscriber 创建外部命令转写器，command 可以带参数，
// 例如 "whisper-json --model base --language en"
func NewCommandTranscriber(command string, log *logger.Logger) (*CommandTranscriber, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("转写命令未配置")
	}
	return &CommandTranscriber{
		command: parts[0],
		args:    parts[1:],
		log:     log,
	}, nil
}

// Transcribe 执行外部命令并解析其输出
func (t *CommandTranscriber) Transcribe(ctx context.Context, audioPath string) (*model.Transcript, error) {
	args := append(append([]string{}, t.args...), audioPath)
	cmd := exec.CommandContext(ctx, t.command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("转写命令执行失败: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	var transcript model.Transcript
	if err := json.Unmarshal(stdout.Bytes(), &transcript); err != nil {
		return nil, fmt.Errorf("解析转写输出失败: %w", err)
	}
	return &transcript, nil
}
