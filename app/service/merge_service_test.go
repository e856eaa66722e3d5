package service_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"
	"whisper-swarm/app/service"
	"whisper-swarm/app/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type mergeFixture struct {
	st      *store.Store
	svc     *service.MergeService
	storage config.StorageConfig
}

func newMergeFixture(t *testing.T) *mergeFixture {
	t.Helper()

	root := t.TempDir()
	dbPath := filepath.Join(root, "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000"), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&model.Book{}, &model.Task{}, &model.Worker{}, &model.ActivityLog{}); err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}

	log := logger.New(config.LogConfig{Level: "error", Output: "stdout"})
	st := store.New(db, log, 10*time.Minute, 500)
	hub := eventbus.NewHub(st, log)

	storage := config.StorageConfig{
		UploadDir: filepath.Join(root, "uploads"),
		ChunkDir:  filepath.Join(root, "chunks"),
		ResultDir: filepath.Join(root, "results"),
	}
	for _, dir := range []string{storage.UploadDir, storage.ChunkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	svc, err := service.NewMergeService(st, hub, storage, log)
	if err != nil {
		t.Fatalf("NewMergeService: %v", err)
	}
	return &mergeFixture{st: st, svc: svc, storage: storage}
}

// seedCompletedBook 建一本两片的书并把两片都做完。
// 分片一 [0, 1200) 内容 "Hello there."，分片二 [1200, 2400) 内容 "General Kenobi."
func (f *mergeFixture) seedCompletedBook(t *testing.T, bookID string) []string {
	t.Helper()

	chunkPaths := make([]string, 2)
	chunks := make([]store.ChunkInput, 2)
	for i := range chunks {
		name := []string{bookID + "_chunk_0000.mp3", bookID + "_chunk_0001.mp3"}[i]
		path := filepath.Join(f.storage.ChunkDir, name)
		if err := os.WriteFile(path, []byte("audio"), 0644); err != nil {
			t.Fatal(err)
		}
		chunkPaths[i] = path
		chunks[i] = store.ChunkInput{
			ChunkID: []string{"chunk_0000", "chunk_0001"}[i],
			Path:    path,
			Start:   float64(i) * 1200,
			End:     float64(i+1) * 1200,
		}
	}
	if err := f.st.CreateBookWithTasks(bookID, "book.m4b", chunks); err != nil {
		t.Fatal(err)
	}

	// 原始上传文件，合并后应被清掉
	uploadPath := filepath.Join(f.storage.UploadDir, bookID+"_book.m4b")
	if err := os.WriteFile(uploadPath, []byte("upload"), 0644); err != nil {
		t.Fatal(err)
	}

	results := []*model.Transcript{
		{Language: "en", Segments: []model.Segment{{Start: 0, End: 5, Text: "Hello there."}}},
		{Language: "en", Segments: []model.Segment{{Start: 0, End: 3, Text: " General Kenobi. "}}},
	}
	for _, transcript := range results {
		task, _, err := f.st.ClaimNextTask("w1")
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := f.st.CompleteTask(task.ID, "w1", transcript, 2.0); err != nil {
			t.Fatal(err)
		}
	}
	return chunkPaths
}

func TestMergeBook(t *testing.T) {
	f := newMergeFixture(t)
	chunkPaths := f.seedCompletedBook(t, "book1")

	if err := f.svc.MergeBook("book1"); err != nil {
		t.Fatalf("MergeBook: %v", err)
	}

	result, err := f.svc.LoadResult("book1")
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if result.BookID != "book1" || result.Filename != "book.m4b" || result.TotalChunks != 2 {
		t.Errorf("产物元数据 = %+v", result)
	}

	// 第二片的时间要换算到全书时间轴
	if len(result.Segments) != 2 {
		t.Fatalf("段落数 = %d, want 2", len(result.Segments))
	}
	if result.Segments[0].Start != 0 || result.Segments[0].End != 5 {
		t.Errorf("段落1 = [%v, %v], want [0, 5]", result.Segments[0].Start, result.Segments[0].End)
	}
	if result.Segments[1].Start != 1200 || result.Segments[1].End != 1203 {
		t.Errorf("段落2 = [%v, %v], want [1200, 1203]", result.Segments[1].Start, result.Segments[1].End)
	}

	if result.FullText != "Hello there. General Kenobi." {
		t.Errorf("全文 = %q", result.FullText)
	}

	// 产物已落盘
	if _, err := os.Stat(f.svc.ResultPath("book1")); err != nil {
		t.Errorf("产物文件不存在: %v", err)
	}

	// 分片与原始上传都被清理
	for _, p := range chunkPaths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("分片未清理: %s", p)
		}
	}
	uploads, _ := filepath.Glob(filepath.Join(f.storage.UploadDir, "book1_*"))
	if len(uploads) != 0 {
		t.Errorf("上传文件未清理: %v", uploads)
	}
}

func TestMergeBookIdempotent(t *testing.T) {
	f := newMergeFixture(t)
	f.seedCompletedBook(t, "book1")

	if err := f.svc.MergeBook("book1"); err != nil {
		t.Fatal(err)
	}
	// 重复触发不报错，产物被等价覆盖
	if err := f.svc.MergeBook("book1"); err != nil {
		t.Fatalf("二次合并失败: %v", err)
	}

	result, err := f.svc.LoadResult("book1")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Segments) != 2 {
		t.Errorf("段落数 = %d, want 2", len(result.Segments))
	}
}

func TestMergeUnknownBook(t *testing.T) {
	f := newMergeFixture(t)
	if err := f.svc.MergeBook("nope"); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("err = %v, want ErrBookNotFound", err)
	}
}

func TestLoadResultMissing(t *testing.T) {
	f := newMergeFixture(t)
	if _, err := f.svc.LoadResult("nope"); !os.IsNotExist(err) {
		t.Fatalf("err = %v, want 文件不存在", err)
	}
}

func TestLoadResultFromDiskAfterEvict(t *testing.T) {
	f := newMergeFixture(t)
	f.seedCompletedBook(t, "book1")

	if err := f.svc.MergeBook("book1"); err != nil {
		t.Fatal(err)
	}
	f.svc.EvictResult("book1")

	// 缓存失效后仍能从产物文件读回
	result, err := f.svc.LoadResult("book1")
	if err != nil {
		t.Fatalf("LoadResult: %v", err)
	}
	if result.BookID != "book1" {
		t.Errorf("book_id = %q, want book1", result.BookID)
	}
}
