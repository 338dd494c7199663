package nats

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

// testConnect connects to NATS or skips the test if NATS_URL is not set.
func testConnect(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		if err := q.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return q
}

func TestQueue_PublishSubscribe(t *testing.T) {
	q := testConnect(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})

	cancel, err := q.Subscribe(ctx, "memory.insight", func(_ context.Context, _ string, data []byte) error {
		mu.Lock()
		got = data
		mu.Unlock()
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	payload := []byte(`{"persona_id":"p1","domain":"security","previous_rate":0.5,"current_rate":0.7,"delta":0.2}`)
	if err := q.Publish(ctx, "memory.insight", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: %s", got)
	}
}

func TestQueue_PublishRejectsSchemaViolation(t *testing.T) {
	q := testConnect(t)

	err := q.Publish(context.Background(), "consensus.input", []byte(`{"confidence":"high"}`))
	if err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestQueue_IsConnected(t *testing.T) {
	q := testConnect(t)
	if !q.IsConnected() {
		t.Fatal("expected connected queue")
	}
}
