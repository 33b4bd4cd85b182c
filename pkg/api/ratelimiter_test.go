package api

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilLimiterGrantsFreely(t *testing.T) {
	var l *RateLimiter
	permit, err := l.Acquire(context.Background(), "10.0.0.1", RequestPipeline)
	if err != nil {
		t.Fatalf("nil limiter returned error: %v", err)
	}
	if permit != nil {
		t.Fatalf("nil limiter handed out a permit: %+v", permit)
	}
	permit.Release() // must not panic
}

func TestPipelineCooldownDelaysSameIP(t *testing.T) {
	const cooldown = 30 * time.Millisecond
	l := NewRateLimiter(cooldown)

	p1, err := l.Acquire(context.Background(), "10.0.0.1", RequestPipeline)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p1.Release()

	start := time.Now()
	p2, err := l.Acquire(context.Background(), "10.0.0.1", RequestPipeline)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer p2.Release()

	if elapsed := time.Since(start); elapsed < cooldown/2 {
		t.Fatalf("second pipeline run started after %v, want at least %v", elapsed, cooldown/2)
	}
	if !p2.WaitNotice {
		t.Fatalf("expected the second permit to report a wait")
	}
}

func TestSeparateIPsDoNotBlockEachOther(t *testing.T) {
	l := NewRateLimiter(time.Minute)

	p1, err := l.Acquire(context.Background(), "10.0.0.1", RequestPipeline)
	if err != nil {
		t.Fatalf("first IP acquire: %v", err)
	}
	defer p1.Release()

	// The first permit is still held; a different IP must get through
	// without waiting for it.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p2, err := l.Acquire(ctx, "10.0.0.2", RequestPipeline)
	if err != nil {
		t.Fatalf("second IP acquire: %v", err)
	}
	p2.Release()
}

func TestQueuedRequestHonorsContext(t *testing.T) {
	l := NewRateLimiter(0)

	p1, err := l.Acquire(context.Background(), "10.0.0.1", RequestPipeline)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "10.0.0.1", RequestPipeline); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued acquire error = %v, want deadline exceeded", err)
	}

	// Releasing the held permit opens the queue again.
	p1.Release()
	p3, err := l.Acquire(context.Background(), "10.0.0.1", RequestPipeline)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p3.Release()
}
