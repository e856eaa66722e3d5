package eventbus_test

import (
	"encoding/json"
	"testing"
	"time"

	"whisper-swarm/app/config"
	"whisper-swarm/app/eventbus"
	"whisper-swarm/app/logger"
)

func newTestHub() *eventbus.Hub {
	log := logger.New(config.LogConfig{Level: "error", Output: "stdout"})
	return eventbus.NewHub(nil, log)
}

func recvEvent(t *testing.T, sub *eventbus.Subscriber) map[string]interface{} {
	t.Helper()
	select {
	case payload, ok := <-sub.Receive():
		if !ok {
			t.Fatal("订阅通道已关闭")
		}
		var event map[string]interface{}
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("解析事件失败: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("等待事件超时")
		return nil
	}
}

func TestBroadcastToDashboards(t *testing.T) {
	hub := newTestHub()

	sub1 := hub.SubscribeDashboard()
	sub2 := hub.SubscribeDashboard()
	defer hub.UnsubscribeDashboard(sub1)
	defer hub.UnsubscribeDashboard(sub2)

	if hub.DashboardCount() != 2 {
		t.Fatalf("订阅数 = %d, want 2", hub.DashboardCount())
	}

	hub.Broadcast(eventbus.New(eventbus.EventChunkProgress, map[string]interface{}{
		"task_id":  "book1_chunk_0000",
		"progress": 0.5,
	}))

	for _, sub := range []*eventbus.Subscriber{sub1, sub2} {
		event := recvEvent(t, sub)
		if event["type"] != "chunk_progress" {
			t.Errorf("type = %v, want chunk_progress", event["type"])
		}
		if event["progress"] != 0.5 {
			t.Errorf("progress = %v, want 0.5", event["progress"])
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := newTestHub()

	sub := hub.SubscribeDashboard()
	hub.UnsubscribeDashboard(sub)

	if _, ok := <-sub.Receive(); ok {
		t.Error("取消订阅后通道应已关闭")
	}
	if hub.DashboardCount() != 0 {
		t.Errorf("订阅数 = %d, want 0", hub.DashboardCount())
	}

	// 重复取消是无害的
	hub.UnsubscribeDashboard(sub)
}

func TestSlowDashboardDropped(t *testing.T) {
	hub := newTestHub()

	slow := hub.SubscribeDashboard()
	healthy := hub.SubscribeDashboard()
	defer hub.UnsubscribeDashboard(healthy)

	// 填满 slow 的缓冲但不消费；healthy 每次都及时消费
	event := eventbus.New(eventbus.EventChunkProgress, map[string]interface{}{"progress": 1.0})
	for i := 0; i < 70; i++ {
		hub.Broadcast(event)
		select {
		case <-healthy.Receive():
		default:
		}
	}

	// slow 被移除，healthy 仍在
	if hub.DashboardCount() != 1 {
		t.Errorf("订阅数 = %d, want 1", hub.DashboardCount())
	}

	// 被移除的订阅者通道最终关闭
	for {
		if _, ok := <-slow.Receive(); !ok {
			break
		}
	}
}

func TestWorkerSubscribeReplaces(t *testing.T) {
	hub := newTestHub()

	first := hub.SubscribeWorker("w1")
	second := hub.SubscribeWorker("w1")

	// 旧通道被顶掉后关闭
	if _, ok := <-first.Receive(); ok {
		t.Error("被替换的通道应已关闭")
	}

	workers := hub.ConnectedWorkers()
	if len(workers) != 1 || workers[0] != "w1" {
		t.Fatalf("在线节点 = %v, want [w1]", workers)
	}

	// 旧连接的清理不能误删新连接
	hub.UnsubscribeWorker("w1", first)
	if len(hub.ConnectedWorkers()) != 1 {
		t.Error("旧连接的取消不应移除新连接")
	}

	hub.UnsubscribeWorker("w1", second)
	if len(hub.ConnectedWorkers()) != 0 {
		t.Error("新连接取消后应无在线节点")
	}
}

func TestSendTo(t *testing.T) {
	hub := newTestHub()

	sub := hub.SubscribeDashboard()
	defer hub.UnsubscribeDashboard(sub)

	if err := hub.SendTo(sub, eventbus.New(eventbus.EventInit, map[string]interface{}{
		"books": []string{},
	})); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	event := recvEvent(t, sub)
	if event["type"] != "init" {
		t.Errorf("type = %v, want init", event["type"])
	}
}
