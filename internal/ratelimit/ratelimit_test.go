package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func allow(t *testing.T, l Limiter, key string) bool {
	t.Helper()
	ok, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("allow %s: %v", key, err)
	}
	return ok
}

func TestAllowUnderLimit(t *testing.T) {
	l := NewWindow(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !allow(t, l, "1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestDenyOverLimit(t *testing.T) {
	l := NewWindow(3, time.Hour)

	for i := 0; i < 3; i++ {
		allow(t, l, "1.2.3.4")
	}
	if allow(t, l, "1.2.3.4") {
		t.Fatal("4th request should be denied")
	}
}

func TestDifferentKeysIndependent(t *testing.T) {
	l := NewWindow(2, time.Hour)

	allow(t, l, "ada@x.io")
	allow(t, l, "ada@x.io")

	if allow(t, l, "ada@x.io") {
		t.Fatal("ada@x.io should be denied")
	}
	if !allow(t, l, "bob@x.io") {
		t.Fatal("bob@x.io should be allowed")
	}
}

func TestExpiredEntriesPruned(t *testing.T) {
	l := NewWindow(2, 50*time.Millisecond)

	allow(t, l, "1.2.3.4")
	allow(t, l, "1.2.3.4")

	if allow(t, l, "1.2.3.4") {
		t.Fatal("should be denied before window expires")
	}

	time.Sleep(60 * time.Millisecond)

	if !allow(t, l, "1.2.3.4") {
		t.Fatal("should be allowed after window expires")
	}
}

func TestStaleKeysSwept(t *testing.T) {
	l := NewWindow(1, 200*time.Millisecond)

	for i := 0; i < 20; i++ {
		allow(t, l, fmt.Sprintf("10.0.0.%d", i))
	}
	if l.Len() != 20 {
		t.Fatalf("expected 20 tracked keys, got %d", l.Len())
	}

	time.Sleep(250 * time.Millisecond)

	if !allow(t, l, "10.0.1.1") {
		t.Fatal("new key should be allowed")
	}
	if l.Len() != 1 {
		t.Fatalf("expected stale keys to be swept, %d still tracked", l.Len())
	}
}

func TestForget(t *testing.T) {
	l := NewWindow(1, time.Hour)
	allow(t, l, "conn-1")
	if l.Len() != 1 {
		t.Fatalf("expected 1 tracked key, got %d", l.Len())
	}
	l.Forget("conn-1")
	if l.Len() != 0 {
		t.Fatalf("expected 0 tracked keys, got %d", l.Len())
	}
	if !allow(t, l, "conn-1") {
		t.Fatal("forgotten key should start fresh")
	}
}

func TestUnlimited(t *testing.T) {
	var l Unlimited
	for i := 0; i < 100; i++ {
		if !allow(t, l, "k") {
			t.Fatal("unlimited limiter denied")
		}
	}
}

func newTestRedisLimiter(t *testing.T, max int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, "resend", max, window), mr
}

func TestRedisLimiterWindow(t *testing.T) {
	l, mr := newTestRedisLimiter(t, 2, time.Minute)

	if !allow(t, l, "ada@x.io") || !allow(t, l, "ada@x.io") {
		t.Fatal("first two events should be allowed")
	}
	if allow(t, l, "ada@x.io") {
		t.Fatal("third event should be denied")
	}
	if ttl := mr.TTL("ratelimit:resend:ada@x.io"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if !allow(t, l, "ada@x.io") {
		t.Fatal("event should be allowed after the window expired")
	}
}

func TestRedisLimiterCounterAlwaysExpires(t *testing.T) {
	l, mr := newTestRedisLimiter(t, 5, time.Minute)

	for i := 0; i < 3; i++ {
		allow(t, l, "203.0.113.9")
		if ttl := mr.TTL("ratelimit:resend:203.0.113.9"); ttl <= 0 {
			t.Fatalf("event %d: counter has no expiry", i+1)
		}
	}
	if got, _ := mr.Get("ratelimit:resend:203.0.113.9"); got != "3" {
		t.Fatalf("expected counter 3, got %q", got)
	}
}

func TestRedisLimiterReset(t *testing.T) {
	l, _ := newTestRedisLimiter(t, 1, time.Minute)
	allow(t, l, "k")
	if err := l.Reset(context.Background(), "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !allow(t, l, "k") {
		t.Fatal("reset key should be allowed")
	}
}

func TestRedisLimiterUnavailable(t *testing.T) {
	l, mr := newTestRedisLimiter(t, 1, time.Minute)
	mr.Close()

	if _, err := l.Allow(context.Background(), "k"); err == nil {
		t.Fatal("expected an error when redis is down")
	}
}
