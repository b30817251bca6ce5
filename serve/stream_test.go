package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/everydev1618/relay"
	"github.com/everydev1618/relay/buffer"
	"github.com/everydev1618/relay/llm"
	"github.com/everydev1618/relay/store"
	"github.com/everydev1618/relay/tools"
	"github.com/everydev1618/relay/worker"
)

type stubLLM struct{}

func (stubLLM) Stream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (stubLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{}, nil
}

func newTestServer(t *testing.T) (*Server, *store.SQLite, buffer.Broker) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}

	broker := buffer.NewMemory()
	registry := relay.NewRegistry("inst-test", broker)
	w := worker.New(registry, broker, st, stubLLM{}, tools.NewRegistry())

	return New(Config{Addr: ":0"}, st, broker, w), st, broker
}

// appendTestItem writes one item to a run's buffer and notifies.
func appendTestItem(t *testing.T, broker buffer.Broker, runID string, item relay.Item) {
	t.Helper()
	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	ctx := context.Background()
	if err := broker.Append(ctx, relay.ResponseListKey(runID), string(data)); err != nil {
		t.Fatalf("append item: %v", err)
	}
	if err := broker.Publish(ctx, relay.ResponseChannel(runID), "new"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func statusItem(threadID, statusType string) relay.Item {
	now := time.Now().UTC()
	return relay.Item{
		ThreadID:  threadID,
		Type:      relay.ItemTypeStatus,
		Content:   map[string]any{"status_type": statusType},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// readEvents collects the data lines of an SSE response until it ends.
func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestStreamReplayAndFollow(t *testing.T) {
	srv, st, broker := newTestServer(t)
	ctx := context.Background()

	st.CreateThread(ctx, store.Thread{ID: "thread-1"})
	if err := st.CreateRun(ctx, relay.Run{ID: "run-1", ThreadID: "thread-1"}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	// Two items are already buffered before the viewer connects.
	appendTestItem(t, broker, "run-1", statusItem("thread-1", relay.StatusThreadRunStart))
	appendTestItem(t, broker, "run-1", statusItem("thread-1", relay.StatusAssistantResponseStart))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/runs/run-1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Errorf("Cache-Control = %q", cc)
	}

	// Follow with two live items, the second terminal.
	go func() {
		time.Sleep(100 * time.Millisecond)
		appendTestItem(t, broker, "run-1", statusItem("thread-1", relay.StatusFinish))
		appendTestItem(t, broker, "run-1", statusItem("thread-1", relay.StatusThreadRunEnd))
	}()

	events := readEvents(t, resp)
	if len(events) != 4 {
		t.Fatalf("received %d events, want 4: %v", len(events), events)
	}

	var order []string
	for _, raw := range events {
		var item relay.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			t.Fatalf("event not a valid item: %v", err)
		}
		order = append(order, item.StatusType())
	}
	want := []string{
		relay.StatusThreadRunStart,
		relay.StatusAssistantResponseStart,
		relay.StatusFinish,
		relay.StatusThreadRunEnd,
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (%v)", i, order[i], want[i], order)
		}
	}
}

func TestStreamFinishedRunRepliesCompleted(t *testing.T) {
	srv, st, broker := newTestServer(t)
	ctx := context.Background()

	st.CreateThread(ctx, store.Thread{ID: "thread-1"})
	st.CreateRun(ctx, relay.Run{ID: "run-done", ThreadID: "thread-1"})
	st.UpdateRunStatus(ctx, "run-done", relay.RunStatusCompleted, "", nil)

	appendTestItem(t, broker, "run-done", statusItem("thread-1", relay.StatusThreadRunStart))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/runs/run-done/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	events := readEvents(t, resp)
	if len(events) != 2 {
		t.Fatalf("received %d events, want replay + synthetic status: %v", len(events), events)
	}
	var synthetic map[string]any
	if err := json.Unmarshal([]byte(events[1]), &synthetic); err != nil {
		t.Fatalf("decode synthetic status: %v", err)
	}
	if synthetic["type"] != "status" || synthetic["status"] != "completed" {
		t.Errorf("synthetic status = %v", synthetic)
	}
}

func TestStreamControlSignalEndsViewer(t *testing.T) {
	srv, st, broker := newTestServer(t)
	ctx := context.Background()

	st.CreateThread(ctx, store.Thread{ID: "thread-1"})
	st.CreateRun(ctx, relay.Run{ID: "run-1", ThreadID: "thread-1"})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/runs/run-1/stream")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		broker.Publish(ctx, relay.ControlChannel("run-1"), relay.ControlStop)
	}()

	events := readEvents(t, resp)
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1: %v", len(events), events)
	}
	var status map[string]any
	json.Unmarshal([]byte(events[0]), &status)
	if status["status"] != relay.ControlStop {
		t.Errorf("status = %v, want STOP", status)
	}
}

// Two viewers joining at different times see the same item order.
func TestStreamViewersSeeSameOrder(t *testing.T) {
	srv, st, broker := newTestServer(t)
	ctx := context.Background()

	st.CreateThread(ctx, store.Thread{ID: "thread-1"})
	st.CreateRun(ctx, relay.Run{ID: "run-1", ThreadID: "thread-1"})

	appendTestItem(t, broker, "run-1", statusItem("thread-1", relay.StatusThreadRunStart))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp1, err := http.Get(ts.URL + "/api/runs/run-1/stream")
	if err != nil {
		t.Fatalf("viewer 1: %v", err)
	}

	appendTestItem(t, broker, "run-1", statusItem("thread-1", relay.StatusAssistantResponseStart))
	time.Sleep(50 * time.Millisecond)

	resp2, err := http.Get(ts.URL + "/api/runs/run-1/stream")
	if err != nil {
		t.Fatalf("viewer 2: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		appendTestItem(t, broker, "run-1", statusItem("thread-1", relay.StatusThreadRunEnd))
	}()

	events1 := readEvents(t, resp1)
	events2 := readEvents(t, resp2)

	// Viewer 2 joined later; its stream must be a suffix-complete view
	// ending with the same items.
	if len(events1) != 3 || len(events2) != 3 {
		t.Fatalf("viewer streams = %d and %d events, want 3 each", len(events1), len(events2))
	}
	for i := range events1 {
		if events1[i] != events2[i] {
			t.Errorf("viewers diverge at %d:\n%s\n%s", i, events1[i], events2[i])
		}
	}
}
