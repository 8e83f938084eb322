package locks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/barkit/core/infra/config"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+mr.Addr(), config.TLS{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreAcquireRelease(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	res := BoxResource("alpha")

	lock, ok, err := store.Acquire(ctx, res, "install-a", 2*time.Second)
	if err != nil || !ok || lock == nil {
		t.Fatalf("expected lock acquired, err=%v ok=%v", err, ok)
	}
	if _, ok, err := store.Acquire(ctx, res, "install-b", 2*time.Second); err != nil || ok {
		t.Fatalf("expected second acquire to fail, err=%v ok=%v", err, ok)
	}
	if err := store.Release(ctx, res, "install-b"); !errors.Is(err, ErrNotHeld) {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("expected not held for foreign owner, got %v", err)
	}
	if err := store.Release(ctx, res, "install-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := store.Acquire(ctx, res, "install-b", 2*time.Second); err != nil || !ok {
		t.Fatalf("expected acquire after release, err=%v ok=%v", err, ok)
	}
}

func TestRedisStoreExpiryAndRenew(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	res := BoxResource("beta")

	if _, ok, err := store.Acquire(ctx, res, "owner", time.Second); err != nil || !ok {
		t.Fatalf("acquire: err=%v ok=%v", err, ok)
	}
	if err := store.Renew(ctx, res, "owner", 5*time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("renew: %v", err)
	}
	mr.FastForward(2 * time.Second)
	got, err := store.Get(ctx, res)
	if err != nil || got == nil || got.Owner != "owner" {
		t.Fatalf("expected renewed lock, got %+v err=%v", got, err)
	}
	mr.FastForward(5 * time.Second)
	if got, err := store.Get(ctx, res); err != nil || got != nil {
		t.Fatalf("expected expired lock, got %+v err=%v", got, err)
	}
	if err := store.Renew(ctx, res, "owner", time.Second); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected not held after expiry, got %v", err)
	}
}

func TestRedisStoreRejectsEmptyArgs(t *testing.T) {
	store, _ := newRedisStore(t)
	if _, _, err := store.Acquire(context.Background(), " ", "o", time.Second); err == nil {
		t.Fatalf("expected error for empty resource")
	}
	var nilStore *RedisStore
	if _, _, err := nilStore.Acquire(context.Background(), "r", "o", time.Second); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if _, ok, _ := store.Acquire(ctx, "r", "a", time.Minute); !ok {
		t.Fatalf("expected acquire")
	}
	if _, ok, _ := store.Acquire(ctx, "r", "b", time.Minute); ok {
		t.Fatalf("expected contention")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Acquire(ctx, "r", "b", time.Minute); !ok {
		t.Fatalf("expected acquire after expiry")
	}
	if err := store.Release(ctx, "r", "a"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected not held, got %v", err)
	}
	if err := store.Renew(ctx, "r", "b", time.Hour); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := store.Release(ctx, "r", "b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.Get(ctx, "r"); got != nil {
		t.Fatalf("expected free lock")
	}
}

func skipEval(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown command") || strings.Contains(msg, "eval")
}
