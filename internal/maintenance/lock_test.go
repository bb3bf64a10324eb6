package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLockClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLockSingleHolder(t *testing.T) {
	client := newLockClient(t)
	ctx := context.Background()

	a := NewLock(client, "test", "cleanup", time.Minute)
	b := NewLock(client, "test", "cleanup", time.Minute)

	ok, err := a.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second holder should not acquire")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}

	ok, err = b.Acquire(ctx)
	if err != nil || !ok {
		t.Errorf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	client := newLockClient(t)
	ctx := context.Background()

	a := NewLock(client, "test", "cleanup", time.Minute)
	b := NewLock(client, "test", "cleanup", time.Minute)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	// A non-holder release must not free the lock
	if err := b.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Error("lock should still be held by a")
	}
}

func TestExtendRefreshesOnlyForHolder(t *testing.T) {
	client := newLockClient(t)
	ctx := context.Background()

	a := NewLock(client, "test", "cleanup", time.Minute)
	b := NewLock(client, "test", "cleanup", time.Minute)

	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	ok, err := a.Extend(ctx)
	if err != nil || !ok {
		t.Errorf("holder extend: ok=%v err=%v", ok, err)
	}

	ok, err = b.Extend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("non-holder extend should report lost lock")
	}
}
