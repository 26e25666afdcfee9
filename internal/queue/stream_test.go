package queue

import (
	"context"
	"testing"
	"time"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	rdb := testRedis(t)
	q := NewStreamQueue(rdb, "charchat:digest", "digesters", "worker-1", 10*time.Millisecond)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// Idempotent on an existing group.
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group again: %v", err)
	}

	id, err := q.Enqueue(ctx, DigestJob{ChatID: "chat-1", Profile: "ada", Model: "open-mistral-nemo"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("empty stream id")
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	job := msgs[0].Job
	if job.ChatID != "chat-1" || job.Model != "open-mistral-nemo" {
		t.Fatalf("job = %+v", job)
	}
	if job.JobID == "" {
		t.Fatalf("job id not assigned")
	}
	if job.EnqueuedAt.IsZero() {
		t.Fatalf("enqueued_at not set")
	}

	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	msgs, err = q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read after ack: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty stream after ack, got %d", len(msgs))
	}
}
