package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestArenaSerializesOneConversation(t *testing.T) {
	a := NewArena()
	var active, maxActive int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := a.Acquire(context.Background(), "conv")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most 1 concurrent holder, saw %d", maxActive)
	}
}

func TestArenaIndependentConversations(t *testing.T) {
	a := NewArena()

	releaseA, err := a.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	// A held token on "a" must not block "b".
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := a.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("acquire b blocked by unrelated conversation: %v", err)
	}
	releaseB()
}

func TestArenaAcquireHonorsContext(t *testing.T) {
	a := NewArena()
	release, _ := a.Acquire(context.Background(), "conv")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := a.Acquire(ctx, "conv"); err == nil {
		t.Error("expected context deadline error while token is held")
	}
}

func TestArenaTryAcquire(t *testing.T) {
	a := NewArena()

	release := a.TryAcquire("conv")
	if release == nil {
		t.Fatal("first TryAcquire should succeed")
	}
	if a.TryAcquire("conv") != nil {
		t.Error("second TryAcquire should fail while held")
	}
	release()
	if r := a.TryAcquire("conv"); r == nil {
		t.Error("TryAcquire should succeed after release")
	} else {
		r()
	}
}
