package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(testRedis(t), 2)
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), "ada", "chat-1", now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "ada", "chat-1", now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), "ada", "chat-1", now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
}

func TestRateLimiterIsolatesChats(t *testing.T) {
	rl := NewRateLimiter(testRedis(t), 1)
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	if allowed, _, _, _ := rl.Allow(context.Background(), "ada", "chat-1", now); !allowed {
		t.Fatalf("first chat should be allowed")
	}
	if allowed, _, _, _ := rl.Allow(context.Background(), "ada", "chat-2", now); !allowed {
		t.Fatalf("second chat should have its own window")
	}
	if allowed, _, _, _ := rl.Allow(context.Background(), "ada", "chat-1", now); allowed {
		t.Fatalf("first chat should be over its limit")
	}
}

func TestMessageDeduplicator(t *testing.T) {
	d := NewMessageDeduplicator(testRedis(t), time.Minute)

	first, err := d.MarkFirst(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("mark#1: %v", err)
	}
	if !first {
		t.Fatalf("first sighting should report true")
	}

	second, err := d.MarkFirst(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("mark#2: %v", err)
	}
	if second {
		t.Fatalf("second sighting should report false")
	}

	other, err := d.MarkFirst(context.Background(), "msg-2")
	if err != nil {
		t.Fatalf("mark#3: %v", err)
	}
	if !other {
		t.Fatalf("different message id should be first")
	}
}
