package ratelimit

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
)

// newTestLimiter connects to a local Redis instance. These are integration
// tests, not unit tests: they're skipped when no Redis is reachable rather
// than mocking the client.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return New(rdb)
}

func TestLimiter_CheckAllowsUnderCap(t *testing.T) {
	l := newTestLimiter(t)
	l.UserCaps.PerMinute = 2
	ctx := context.Background()

	allowed, _, err := l.Check(ctx, 1, 1, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed under empty counters")
	}
}

func TestLimiter_IncrementThenCheckDeniesOverCap(t *testing.T) {
	l := newTestLimiter(t)
	l.UserCaps.PerMinute = 1
	ctx := context.Background()

	if err := l.Increment(ctx, 1, 1, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	allowed, info, err := l.Check(ctx, 1, 1, 1)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allowed {
		t.Fatalf("expected denial once per-minute cap reached, info=%+v", info)
	}
}

func TestLimiter_ResetClearsSequenceScope(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	if err := l.Increment(ctx, 1, 2, 3); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := l.Reset(ctx, 1, 2); err != nil {
		t.Fatalf("reset: %v", err)
	}
	_, info, err := l.Check(ctx, 1, 2, 3)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if info.Minute != 0 {
		t.Fatalf("expected counters cleared after reset, got %+v", info)
	}
}

func TestLimiter_BounceCooldownBlocksSend(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	if err := l.MarkBounced(ctx, 5, 9); err != nil {
		t.Fatalf("mark bounced: %v", err)
	}
	allowed, _, err := l.Check(ctx, 1, 5, 9)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allowed {
		t.Fatalf("expected bounced contact to be denied")
	}
}
