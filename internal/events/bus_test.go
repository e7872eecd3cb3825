package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	bus.Subscribe(EventTaskUnblocked, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(EventTaskUnblocked, map[string]interface{}{"task_id": "TASK-20260827-001"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Data["task_id"] != "TASK-20260827-001" {
		t.Errorf("task_id = %v", got[0].Data["task_id"])
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	calls := make(chan struct{}, 10)
	unsub := bus.Subscribe(EventTaskFailed, func(Event) { calls <- struct{}{} })

	bus.Publish(EventTaskFailed, nil)
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("first event not delivered")
	}

	unsub()
	bus.Publish(EventTaskFailed, nil)

	select {
	case <-calls:
		t.Error("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_SubscriberPanicDoesNotDisruptBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	ok := make(chan struct{}, 1)
	bus.Subscribe(EventTaskEscalated, func(Event) { panic("boom") })
	bus.Subscribe(EventTaskEscalated, func(Event) { ok <- struct{}{} })

	bus.Publish(EventTaskEscalated, nil)

	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber not called after sibling panic")
	}
}

func TestAuditLogger_RecordAndAttach(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer logger.Close()

	err = logger.Record(Event{
		Type:      EventTaskEscalated,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"task_id": "t1", "agent_id": "cto"},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}

	var entry LogEntry
	if err := json.Unmarshal(content[:len(content)-1], &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.EventType != string(EventTaskEscalated) || entry.TaskID != "t1" || entry.AgentID != "cto" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}
