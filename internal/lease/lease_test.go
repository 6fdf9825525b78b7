package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"termsync/internal/storage"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	a, err := NewManager(st, WithHolder("a"))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewManager(st, WithHolder("b"))

	h, err := a.Acquire(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	_, err = b.Acquire(ctx, "job", time.Minute)
	var he *HeldError
	if !errors.Is(err, ErrHeld) || !errors.As(err, &he) || he.Lease.Holder != "a" {
		t.Fatalf("acquire b: %v", err)
	}

	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	h2, err := b.Acquire(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("acquire b after release: %v", err)
	}
	_ = h2.Release(ctx)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		m, err := NewManager(st)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "job", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()

	var clock atomic.Int64
	clock.Store(time.Now().UnixMilli())
	now := func() time.Time { return time.UnixMilli(clock.Load()) }

	a, _ := NewManager(st, WithHolder("a"), WithClock(now))
	b, _ := NewManager(st, WithHolder("b"), WithClock(now))

	if _, err := a.Acquire(ctx, "job", time.Hour); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	clock.Add(int64(2 * time.Hour / time.Millisecond))
	h, err := b.Acquire(ctx, "job", time.Hour)
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	defer h.Release(ctx)

	cur, ok, _ := b.Current(ctx, "job")
	if !ok || cur.Holder != "b" {
		t.Fatalf("current = %+v", cur)
	}
}

func TestRenewKeepsLeaseAlive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	m, _ := NewManager(st, WithHolder("a"))

	ttl := 90 * time.Millisecond
	h, err := m.Acquire(ctx, "job", ttl)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(4 * ttl)

	cur, ok, _ := st.GetLease(ctx, "job")
	if !ok || cur.Holder != "a" || cur.Expired(time.Now()) {
		t.Fatalf("lease not renewed: %+v ok=%v", cur, ok)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLostIsSignalled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	m, _ := NewManager(st, WithHolder("a"))

	h, err := m.Acquire(ctx, "job", 60*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.ForceRelease(ctx, "job"); !ok {
		t.Fatal("force release found nothing")
	}
	select {
	case <-h.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lost was not signalled")
	}
	if err := h.Release(ctx); !errors.Is(err, ErrLost) {
		t.Fatalf("release after loss: %v", err)
	}
}

func TestAcquireWaitTimesOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	a, _ := NewManager(st, WithHolder("a"))
	b, _ := NewManager(st, WithHolder("b"))

	h, err := a.Acquire(ctx, "job", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release(ctx)

	if _, err := b.AcquireWait(ctx, "job", time.Minute, 0); !errors.Is(err, ErrHeld) {
		t.Fatalf("err = %v, want ErrHeld", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := b.AcquireWait(cctx, "job", time.Minute, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
