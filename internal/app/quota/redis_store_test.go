package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/voicelink/internal/domain"
)

func TestRedisUsageStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(context.Background(), mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()
	store := NewRedisUsageStore(rdb)
	ctx := context.Background()

	u, err := store.Get(ctx, "u1")
	if err != nil || u.Count != 0 {
		t.Fatalf("empty get = %+v, %v", u, err)
	}
	if err := store.Put(ctx, "u1", domain.DailyUsage{DateKey: "2026-03-14", Count: 2}); err != nil {
		t.Fatal(err)
	}
	u, err = store.Get(ctx, "u1")
	if err != nil || u.Count != 2 || u.DateKey != "2026-03-14" {
		t.Fatalf("get = %+v, %v", u, err)
	}
	if ttl := mr.TTL("voicelink:usage:u1"); ttl != usageTTL {
		t.Fatalf("ttl = %v", ttl)
	}

	if err := mr.Set("voicelink:usage:u1", "{broken"); err != nil {
		t.Fatal(err)
	}
	u, err = store.Get(ctx, "u1")
	if err != nil || u.Count != 0 {
		t.Fatalf("corrupt get = %+v, %v", u, err)
	}
	if mr.Exists("voicelink:usage:u1") {
		t.Fatal("corrupt entry should be deleted")
	}
}

func TestManagerOverRedisSharesQuota(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()

	a := NewManager(Config{MaxConnectionsPerDay: 2}, NewRedisUsageStore(rdb))
	b := NewManager(Config{MaxConnectionsPerDay: 2}, NewRedisUsageStore(rdb))
	defer a.Close()
	defer b.Close()

	if _, _, err := a.CreateSession(ctx, "ch1", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.CreateSession(ctx, "ch1", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.CreateSession(ctx, "ch1", "u1"); !domain.IsCode(err, domain.CodeQuotaExceeded) {
		t.Fatalf("third across instances = %v", err)
	}
}

func TestRedisReserveIsAtomicAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()

	managers := []*Manager{
		NewManager(Config{MaxConnectionsPerDay: 3}, NewRedisUsageStore(rdb)),
		NewManager(Config{MaxConnectionsPerDay: 3}, NewRedisUsageStore(rdb)),
	}
	for _, m := range managers {
		defer m.Close()
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			_, _, err := m.CreateSession(ctx, "ch1", "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case domain.IsCode(err, domain.CodeQuotaExceeded):
				rejected++
			default:
				t.Errorf("create: %v", err)
			}
		}(managers[i%2])
	}
	wg.Wait()
	if created != 3 || rejected != 9 {
		t.Fatalf("created = %d rejected = %d, want 3 and 9", created, rejected)
	}
	u, err := NewRedisUsageStore(rdb).Get(ctx, "u1")
	if err != nil || u.Count != 3 {
		t.Fatalf("stored usage = %+v, %v", u, err)
	}
}

func TestRedisReserveStartsOverOnNewDay(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	store := NewRedisUsageStore(rdb)
	defer store.Close()

	if err := store.Put(ctx, "u1", domain.DailyUsage{DateKey: "2026-03-13", Count: 3}); err != nil {
		t.Fatal(err)
	}
	u, ok, err := store.Reserve(ctx, "u1", "2026-03-14", 3)
	if err != nil || !ok || u.Count != 1 || u.DateKey != "2026-03-14" {
		t.Fatalf("reserve = %+v %v %v", u, ok, err)
	}
	for i := 0; i < 2; i++ {
		if _, ok, err := store.Reserve(ctx, "u1", "2026-03-14", 3); err != nil || !ok {
			t.Fatalf("reserve %d = %v %v", i, ok, err)
		}
	}
	u, ok, err = store.Reserve(ctx, "u1", "2026-03-14", 3)
	if err != nil || ok || u.Count != 3 {
		t.Fatalf("over limit = %+v %v %v", u, ok, err)
	}
}
