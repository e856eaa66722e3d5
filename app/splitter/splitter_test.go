package splitter_test

import (
	"math"
	"testing"

	"whisper-swarm/app/splitter"
)

func TestPlanChunksContiguous(t *testing.T) {
	chunks := splitter.PlanChunks(3000, 1200, "book1", "mp3")

	if len(chunks) != 3 {
		t.Fatalf("分片数 = %d, want 3", len(chunks))
	}
	if chunks[0].Start != 0 {
		t.Errorf("首片起点 = %v, want 0", chunks[0].Start)
	}
	for i := 0; i < len(chunks)-1; i++ {
		if chunks[i].End != chunks[i+1].Start {
			t.Errorf("分片 %d 和 %d 不连续: end=%v next start=%v",
				i, i+1, chunks[i].End, chunks[i+1].Start)
		}
	}
	last := chunks[len(chunks)-1]
	if last.End != 3000 {
		t.Errorf("末片终点 = %v, want 3000", last.End)
	}
	// 末片不足一整片
	if last.Duration != 600 {
		t.Errorf("末片时长 = %v, want 600", last.Duration)
	}
}

func TestPlanChunksExactMultiple(t *testing.T) {
	chunks := splitter.PlanChunks(2400, 1200, "book1", "mp3")

	if len(chunks) != 2 {
		t.Fatalf("分片数 = %d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if c.Duration != 1200 {
			t.Errorf("分片 %s 时长 = %v, want 1200", c.ChunkID, c.Duration)
		}
	}
}

func TestPlanChunksShortBook(t *testing.T) {
	chunks := splitter.PlanChunks(90, 1200, "book1", "mp3")

	if len(chunks) != 1 {
		t.Fatalf("分片数 = %d, want 1", len(chunks))
	}
	if chunks[0].Start != 0 || chunks[0].End != 90 {
		t.Errorf("分片范围 = [%v, %v], want [0, 90]", chunks[0].Start, chunks[0].End)
	}
}

func TestPlanChunksNaming(t *testing.T) {
	chunks := splitter.PlanChunks(13000, 1200, "abc12345", "opus")

	if len(chunks) != 11 {
		t.Fatalf("分片数 = %d, want 11", len(chunks))
	}
	if chunks[0].ChunkID != "chunk_0000" {
		t.Errorf("首片ID = %q, want chunk_0000", chunks[0].ChunkID)
	}
	if chunks[10].ChunkID != "chunk_0010" {
		t.Errorf("末片ID = %q, want chunk_0010", chunks[10].ChunkID)
	}
	if chunks[3].Filename != "abc12345_chunk_0003.opus" {
		t.Errorf("文件名 = %q, want abc12345_chunk_0003.opus", chunks[3].Filename)
	}
}

func TestPlanChunksDegenerate(t *testing.T) {
	if got := splitter.PlanChunks(0, 1200, "book1", "mp3"); got != nil {
		t.Errorf("零时长应返回 nil, got %v", got)
	}
	if got := splitter.PlanChunks(100, 0, "book1", "mp3"); got != nil {
		t.Errorf("零分片长应返回 nil, got %v", got)
	}
	if got := splitter.PlanChunks(-5, 1200, "book1", "mp3"); got != nil {
		t.Errorf("负时长应返回 nil, got %v", got)
	}
}

func TestPlanChunksFullCoverage(t *testing.T) {
	// 非整数时长也要完整覆盖
	const duration = 4567.89
	chunks := splitter.PlanChunks(duration, 1200, "book1", "mp3")

	var covered float64
	for _, c := range chunks {
		covered += c.Duration
	}
	if math.Abs(covered-duration) > 1e-9 {
		t.Errorf("覆盖时长 = %v, want %v", covered, duration)
	}
	if chunks[len(chunks)-1].End != duration {
		t.Errorf("末片终点 = %v, want %v", chunks[len(chunks)-1].End, duration)
	}
}
