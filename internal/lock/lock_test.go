package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	release, err := l.Acquire(ctx, "terminal-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := l.Acquire(ctx, "terminal-1", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire err = %v, want ErrLocked", err)
	}

	if _, err := l.Acquire(ctx, "terminal-2", time.Minute); err != nil {
		t.Fatalf("other key: %v", err)
	}

	release()
	release()

	if _, err := l.Acquire(ctx, "terminal-1", time.Minute); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	stale, _ := l.Acquire(ctx, "k", time.Second)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}

	// the expired holder must not free the new lease
	stale()
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	fresh()
}
