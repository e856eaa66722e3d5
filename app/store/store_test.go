package store_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/logger"
	"whisper-swarm/app/model"
	"whisper-swarm/app/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000"), &gorm.Config{})
	if err != nil {
		t.Fatalf("打开测试数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&model.Book{}, &model.Task{}, &model.Worker{}, &model.ActivityLog{}); err != nil {
		t.Fatalf("迁移表结构失败: %v", err)
	}

	log := logger.New(config.LogConfig{Level: "error", Output: "stdout"})
	return store.New(db, log, 10*time.Minute, 500), db
}

func makeChunks(bookID string, n int) []store.ChunkInput {
	chunks := make([]store.ChunkInput, 0, n)
	for i := 0; i < n; i++ {
		chunkID := fmt.Sprintf("chunk_%04d", i)
		chunks = append(chunks, store.ChunkInput{
			ChunkID: chunkID,
			Path:    fmt.Sprintf("/data/chunks/%s_%s.mp3", bookID, chunkID),
			Start:   float64(i) * 1200,
			End:     float64(i+1) * 1200,
		})
	}
	return chunks
}

func sampleTranscript(text string) *model.Transcript {
	return &model.Transcript{
		Language: "en",
		Segments: []model.Segment{{Start: 0, End: 5, Text: text}},
	}
}

func TestCreateBookWithTasks(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 3)); err != nil {
		t.Fatalf("CreateBookWithTasks: %v", err)
	}

	tasks, err := st.BookTasks("book1")
	if err != nil {
		t.Fatalf("BookTasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("任务数 = %d, want 3", len(tasks))
	}
	if tasks[0].ID != "book1_chunk_0000" {
		t.Errorf("任务ID = %q, want %q", tasks[0].ID, "book1_chunk_0000")
	}
	if tasks[0].Status != model.TaskStatusPending {
		t.Errorf("初始状态 = %q, want pending", tasks[0].Status)
	}
}

func TestCreateBookDuplicateTaskID(t *testing.T) {
	st, db := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 2)); err != nil {
		t.Fatalf("首次创建失败: %v", err)
	}

	// 同样的派生ID再次创建必须整体失败
	err := st.CreateBookWithTasks("book1", "b.m4b", makeChunks("book1", 2))
	if !errors.Is(err, store.ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}

	// 失败的上传不能留下半本书
	var bookCount int64
	db.Model(&model.Book{}).Count(&bookCount)
	if bookCount != 1 {
		t.Errorf("书籍数 = %d, want 1", bookCount)
	}
}

func TestClaimOrdering(t *testing.T) {
	st, _ := newTestStore(t)

	// book_a 先于 book_b（按 book_id 排序）
	if err := st.CreateBookWithTasks("book_a", "a.m4b", makeChunks("book_a", 2)); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateBookWithTasks("book_b", "b.m4b", makeChunks("book_b", 1)); err != nil {
		t.Fatal(err)
	}

	want := []string{"book_a_chunk_0000", "book_a_chunk_0001", "book_b_chunk_0000"}
	for i, id := range want {
		task, reclaimed, err := st.ClaimNextTask("w1")
		if err != nil {
			t.Fatalf("第 %d 次领取失败: %v", i, err)
		}
		if reclaimed {
			t.Errorf("第 %d 次领取不应是租约回收", i)
		}
		if task.ID != id {
			t.Errorf("第 %d 次领取 = %q, want %q", i, task.ID, id)
		}
		if task.Status != model.TaskStatusInProgress || task.WorkerID == nil || task.StartedAt == nil {
			t.Errorf("领取后任务状态不完整: %+v", task)
		}
	}

	if _, _, err := st.ClaimNextTask("w1"); !errors.Is(err, store.ErrNoTask) {
		t.Fatalf("任务分完后 err = %v, want ErrNoTask", err)
	}
}

func TestClaimConcurrent(t *testing.T) {
	st, _ := newTestStore(t)

	const n = 16
	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", n)); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			task, _, err := st.ClaimNextTask(worker)
			if err != nil {
				if errors.Is(err, store.ErrNoTask) {
					return
				}
				t.Errorf("领取失败: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if owner, dup := claimed[task.ID]; dup {
				t.Errorf("任务 %s 同时分给了 %s 和 %s", task.ID, owner, worker)
			}
			claimed[task.ID] = worker
		}(fmt.Sprintf("w%02d", i))
	}
	wg.Wait()

	if len(claimed) == 0 {
		t.Fatal("没有任何任务被领取")
	}
}

func TestClaimSkipsPausedBook(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 1)); err != nil {
		t.Fatal(err)
	}
	if err := st.PauseBook("book1"); err != nil {
		t.Fatalf("PauseBook: %v", err)
	}

	if _, _, err := st.ClaimNextTask("w1"); !errors.Is(err, store.ErrNoTask) {
		t.Fatalf("暂停的书不应分配任务, err = %v", err)
	}

	if err := st.ResumeBook("book1"); err != nil {
		t.Fatalf("ResumeBook: %v", err)
	}
	task, _, err := st.ClaimNextTask("w1")
	if err != nil {
		t.Fatalf("恢复后领取失败: %v", err)
	}
	if task.BookID != "book1" {
		t.Errorf("book = %q, want book1", task.BookID)
	}
}

func TestResumeDoesNotReassignCompleted(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 1)); err != nil {
		t.Fatal(err)
	}
	task, _, err := st.ClaimNextTask("w1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.CompleteTask(task.ID, "w1", sampleTranscript("hi"), 1.5); err != nil {
		t.Fatal(err)
	}

	if err := st.PauseBook("book1"); err != nil {
		t.Fatal(err)
	}
	if err := st.ResumeBook("book1"); err != nil {
		t.Fatal(err)
	}

	// 已完成的任务不会因恢复而重新进入分配
	if _, _, err := st.ClaimNextTask("w2"); !errors.Is(err, store.ErrNoTask) {
		t.Fatalf("err = %v, want ErrNoTask", err)
	}
}

func TestClaimReclaimsStaleLease(t *testing.T) {
	st, db := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 1)); err != nil {
		t.Fatal(err)
	}
	task, _, err := st.ClaimNextTask("w1")
	if err != nil {
		t.Fatal(err)
	}

	// 租约未过期时不能被他人领走
	if _, _, err := st.ClaimNextTask("w2"); !errors.Is(err, store.ErrNoTask) {
		t.Fatalf("租约内 err = %v, want ErrNoTask", err)
	}

	// 把 started_at 拨回到租约之前
	stale := time.Now().Add(-20 * time.Minute)
	if err := db.Model(&model.Task{}).Where("id = ?", task.ID).
		Update("started_at", stale).Error; err != nil {
		t.Fatal(err)
	}

	reclaimedTask, reclaimed, err := st.ClaimNextTask("w2")
	if err != nil {
		t.Fatalf("回收过期租约失败: %v", err)
	}
	if !reclaimed {
		t.Error("reclaimed = false, want true")
	}
	if reclaimedTask.ID != task.ID {
		t.Errorf("回收的任务 = %q, want %q", reclaimedTask.ID, task.ID)
	}
	if reclaimedTask.WorkerID == nil || *reclaimedTask.WorkerID != "w2" {
		t.Errorf("新持有者 = %v, want w2", reclaimedTask.WorkerID)
	}
	// 状态保持 in_progress，只是换了持有者和租约起点
	if reclaimedTask.Status != model.TaskStatusInProgress {
		t.Errorf("状态 = %q, want in_progress", reclaimedTask.Status)
	}
}

func TestCompleteFirstWins(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 2)); err != nil {
		t.Fatal(err)
	}
	task, _, err := st.ClaimNextTask("w1")
	if err != nil {
		t.Fatal(err)
	}

	if _, duplicate, err := st.CompleteTask(task.ID, "w1", sampleTranscript("first"), 1.0); err != nil || duplicate {
		t.Fatalf("首次提交: duplicate=%v err=%v", duplicate, err)
	}

	// 再次提交不同的结果：无害接受，但不覆盖已有结果
	_, duplicate, err := st.CompleteTask(task.ID, "w1", sampleTranscript("second"), 2.0)
	if err != nil {
		t.Fatalf("重复提交不应报错: %v", err)
	}
	if !duplicate {
		t.Error("duplicate = false, want true")
	}

	stored, err := st.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Result == nil || !strings.Contains(*stored.Result, "first") {
		t.Errorf("结果被覆盖了: %v", stored.Result)
	}
}

func TestCompleteByForeignWorker(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 1)); err != nil {
		t.Fatal(err)
	}
	task, _, err := st.ClaimNextTask("w1")
	if err != nil {
		t.Fatal(err)
	}

	// 非持有者的提交按重复处理，不改变状态
	_, duplicate, err := st.CompleteTask(task.ID, "w2", sampleTranscript("stolen"), 1.0)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if !duplicate {
		t.Error("duplicate = false, want true")
	}

	stored, _ := st.GetTask(task.ID)
	if stored.Status != model.TaskStatusInProgress {
		t.Errorf("状态 = %q, want in_progress", stored.Status)
	}
}

func TestCompleteUnknownTask(t *testing.T) {
	st, _ := newTestStore(t)
	if _, _, err := st.CompleteTask("nope_chunk_0000", "w1", sampleTranscript("x"), 1.0); !errors.Is(err, store.ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteBookCascades(t *testing.T) {
	st, _ := newTestStore(t)

	chunks := makeChunks("book1", 3)
	if err := st.CreateBookWithTasks("book1", "a.m4b", chunks); err != nil {
		t.Fatal(err)
	}

	paths, err := st.DeleteBook("book1")
	if err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("返回分片路径数 = %d, want 3", len(paths))
	}
	want := map[string]bool{}
	for _, c := range chunks {
		want[c.Path] = true
	}
	for _, p := range paths {
		if !want[p] {
			t.Errorf("意外的分片路径: %s", p)
		}
	}

	// 删除后旧任务ID查询与提交都应是 NotFound
	if _, err := st.GetTask("book1_chunk_0000"); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("GetTask err = %v, want ErrTaskNotFound", err)
	}
	if _, _, err := st.CompleteTask("book1_chunk_0000", "w1", sampleTranscript("x"), 1.0); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("CompleteTask err = %v, want ErrTaskNotFound", err)
	}
	if _, _, err := st.ClaimNextTask("w1"); !errors.Is(err, store.ErrNoTask) {
		t.Errorf("ClaimNextTask err = %v, want ErrNoTask", err)
	}

	if _, err := st.DeleteBook("book1"); !errors.Is(err, store.ErrBookNotFound) {
		t.Errorf("二次删除 err = %v, want ErrBookNotFound", err)
	}
}

func TestBookProgress(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 4)); err != nil {
		t.Fatal(err)
	}
	task, _, err := st.ClaimNextTask("w1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.CompleteTask(task.ID, "w1", sampleTranscript("x"), 1.0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.ClaimNextTask("w2"); err != nil {
		t.Fatal(err)
	}

	p, err := st.BookProgress("book1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 4 || p.Completed != 1 || p.InProgress != 1 || p.Pending != 2 {
		t.Errorf("进度 = %+v", p)
	}
	if p.Percent != 25 {
		t.Errorf("百分比 = %v, want 25", p.Percent)
	}
	if p.Done() {
		t.Error("Done() = true, want false")
	}
}

func TestWorkerRegistryAndActive(t *testing.T) {
	st, db := newTestStore(t)

	if err := st.RegisterWorker("w1", "host-a"); err != nil {
		t.Fatal(err)
	}
	if err := st.RegisterWorker("w2", "host-b"); err != nil {
		t.Fatal(err)
	}
	// 重复注册按更新处理
	if err := st.RegisterWorker("w1", "host-a2"); err != nil {
		t.Fatal(err)
	}

	// w2 的心跳拨到窗口之外
	old := time.Now().Add(-5 * time.Minute)
	if err := db.Model(&model.Worker{}).Where("worker_id = ?", "w2").
		Update("last_heartbeat", old).Error; err != nil {
		t.Fatal(err)
	}

	active, err := st.ActiveWorkers(2 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].WorkerID != "w1" {
		t.Fatalf("活跃节点 = %+v, want 只有 w1", active)
	}
	if active[0].Hostname != "host-a2" {
		t.Errorf("hostname = %q, want host-a2", active[0].Hostname)
	}

	// 心跳把 w2 拉回活跃
	if err := st.Heartbeat("w2"); err != nil {
		t.Fatal(err)
	}
	active, _ = st.ActiveWorkers(2 * time.Minute)
	if len(active) != 2 {
		t.Errorf("心跳后活跃节点数 = %d, want 2", len(active))
	}
}

func TestActivityLogRing(t *testing.T) {
	st, db := newTestStore(t)

	for i := 0; i < 510; i++ {
		if err := st.AddLog(model.LogTypeSystem, fmt.Sprintf("entry-%03d", i)); err != nil {
			t.Fatalf("AddLog: %v", err)
		}
	}

	var count int64
	db.Model(&model.ActivityLog{}).Count(&count)
	if count != 500 {
		t.Fatalf("日志条数 = %d, want 500", count)
	}

	logs, err := st.RecentLogs(600)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 500 {
		t.Fatalf("RecentLogs = %d, want 500", len(logs))
	}
	// 最新的在前，最老的 10 条已被淘汰
	if logs[0].Message != "entry-509" {
		t.Errorf("最新日志 = %q, want entry-509", logs[0].Message)
	}
	if logs[len(logs)-1].Message != "entry-010" {
		t.Errorf("最老日志 = %q, want entry-010", logs[len(logs)-1].Message)
	}
}

func TestResetInProgress(t *testing.T) {
	st, _ := newTestStore(t)

	if err := st.CreateBookWithTasks("book1", "a.m4b", makeChunks("book1", 2)); err != nil {
		t.Fatal(err)
	}
	task, _, err := st.ClaimNextTask("w1")
	if err != nil {
		t.Fatal(err)
	}

	if err := st.ResetInProgress(); err != nil {
		t.Fatal(err)
	}

	stored, _ := st.GetTask(task.ID)
	if stored.Status != model.TaskStatusPending || stored.WorkerID != nil || stored.StartedAt != nil {
		t.Errorf("重置后任务 = %+v", stored)
	}
}
