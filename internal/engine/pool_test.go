package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeInstance implements Instance without a native engine. The inUse flag
// trips if two goroutines ever drive the same instance concurrently.
type fakeInstance struct {
	langs       []string
	reloadErr   error
	recognizeFn func(image []byte, params Params) (Output, error)

	inUse    atomic.Bool
	violated atomic.Bool
	closed   atomic.Bool
}

func (f *fakeInstance) Languages() []string { return append([]string(nil), f.langs...) }

func (f *fakeInstance) Reload(languages []string) error {
	if f.reloadErr != nil {
		return f.reloadErr
	}
	f.langs = append([]string(nil), languages...)
	return nil
}

func (f *fakeInstance) Recognize(image []byte, params Params) (Output, error) {
	if !f.inUse.CompareAndSwap(false, true) {
		f.violated.Store(true)
	}
	defer f.inUse.Store(false)
	if f.recognizeFn != nil {
		return f.recognizeFn(image, params)
	}
	return Output{Text: "ok"}, nil
}

func (f *fakeInstance) Close() error {
	f.closed.Store(true)
	return nil
}

func newFakeFactory(instances *[]*fakeInstance, mu *sync.Mutex) Factory {
	return func(languages []string) (Instance, error) {
		inst := &fakeInstance{langs: append([]string(nil), languages...)}
		mu.Lock()
		*instances = append(*instances, inst)
		mu.Unlock()
		return inst, nil
	}
}

func newTestPool(t *testing.T, size int) (*Pool, *[]*fakeInstance) {
	t.Helper()
	var mu sync.Mutex
	instances := &[]*fakeInstance{}
	pool, err := NewPool(PoolConfig{
		Size:             size,
		DefaultLanguages: []string{"eng"},
		AcquireTimeout:   2 * time.Second,
		ShutdownGrace:    2 * time.Second,
	}, newFakeFactory(instances, &mu))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return pool, instances
}

func TestNewPoolPreInitializes(t *testing.T) {
	pool, instances := newTestPool(t, 3)
	defer pool.Close()
	if got := pool.UsableCount(); got != 3 {
		t.Fatalf("UsableCount() = %d, want 3", got)
	}
	if len(*instances) != 3 {
		t.Fatalf("factory created %d instances, want 3", len(*instances))
	}
}

func TestNewPoolFactoryFailureAborts(t *testing.T) {
	calls := 0
	_, err := NewPool(PoolConfig{Size: 2, DefaultLanguages: []string{"eng"}}, func(languages []string) (Instance, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("no trained data")
		}
		return &fakeInstance{langs: languages}, nil
	})
	if err == nil {
		t.Fatal("NewPool() expected error when an instance fails to initialize")
	}
}

func TestAcquireExclusiveOwnership(t *testing.T) {
	const size = 2
	pool, instances := newTestPool(t, size)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < size+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lease, err := pool.Acquire(context.Background(), []string{"eng"})
				if err != nil {
					t.Errorf("Acquire() error = %v", err)
					return
				}
				if _, err := lease.Recognize([]byte("img"), Params{}); err != nil {
					t.Errorf("Recognize() error = %v", err)
				}
				lease.Release()
			}
		}()
	}
	wg.Wait()

	for i, inst := range *instances {
		if inst.violated.Load() {
			t.Fatalf("instance %d was driven by two goroutines concurrently", i)
		}
	}
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	var mu sync.Mutex
	instances := &[]*fakeInstance{}
	pool, err := NewPool(PoolConfig{
		Size:             1,
		DefaultLanguages: []string{"eng"},
		AcquireTimeout:   50 * time.Millisecond,
	}, newFakeFactory(instances, &mu))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), []string{"eng"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	start := time.Now()
	_, err = pool.Acquire(context.Background(), []string{"eng"})
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrAcquireTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Acquire() returned after %v, before the timeout", elapsed)
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), []string{"eng"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = pool.Acquire(ctx, []string{"eng"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}
}

func TestReloadOnLanguageChange(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), []string{"deu"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := lease.Languages(); len(got) != 1 || got[0] != "deu" {
		t.Fatalf("Languages() = %v, want [deu]", got)
	}
	lease.Release()
}

func TestReloadFailureReplacesBeforeSurfacing(t *testing.T) {
	created := 0
	var bad *fakeInstance
	pool, err := NewPool(PoolConfig{
		Size:             1,
		DefaultLanguages: []string{"eng"},
		AcquireTimeout:   time.Second,
	}, func(languages []string) (Instance, error) {
		created++
		inst := &fakeInstance{langs: append([]string(nil), languages...)}
		if created == 1 {
			inst.reloadErr = errors.New("traineddata corrupt")
			bad = inst
		}
		return inst, nil
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	defer pool.Close()

	_, err = pool.Acquire(context.Background(), []string{"deu"})
	var failure *FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("Acquire() error = %v, want *FailureError", err)
	}
	if failure.Op != "reload" {
		t.Fatalf("FailureError.Op = %q, want reload", failure.Op)
	}

	// The bad instance is gone, a replacement is already in the idle set,
	// and the pool never reported zero usable instances to the caller.
	if !bad.closed.Load() {
		t.Fatal("failed instance was not closed")
	}
	if got := pool.UsableCount(); got != 1 {
		t.Fatalf("UsableCount() = %d, want 1", got)
	}
	if got := pool.Replacements(); got != 1 {
		t.Fatalf("Replacements() = %d, want 1", got)
	}

	lease, err := pool.Acquire(context.Background(), []string{"eng"})
	if err != nil {
		t.Fatalf("Acquire() after replacement error = %v", err)
	}
	if gen := lease.Generation(); gen != 1 {
		t.Fatalf("replacement generation = %d, want 1", gen)
	}
	lease.Release()
}

func TestDiscardReplacesInstance(t *testing.T) {
	pool, instances := newTestPool(t, 1)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), []string{"eng"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Discard()

	if got := pool.UsableCount(); got != 1 {
		t.Fatalf("UsableCount() = %d, want 1", got)
	}
	if !(*instances)[0].closed.Load() {
		t.Fatal("discarded instance was not closed")
	}
	lease2, err := pool.Acquire(context.Background(), []string{"eng"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease2.Generation() != 1 {
		t.Fatalf("Generation() = %d, want 1", lease2.Generation())
	}
	lease2.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	pool, _ := newTestPool(t, 1)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), []string{"eng"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease.Release()
	lease.Release() // second call must not double-insert
	lease.Discard() // nor may a late discard replace a released instance

	if got := pool.Replacements(); got != 0 {
		t.Fatalf("Replacements() = %d, want 0", got)
	}
}

func TestCloseRejectsNewAcquires(t *testing.T) {
	pool, instances := newTestPool(t, 2)
	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, inst := range *instances {
		if !inst.closed.Load() {
			t.Fatal("Close() did not close an idle instance")
		}
	}
	if _, err := pool.Acquire(context.Background(), []string{"eng"}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire() after Close error = %v, want ErrPoolClosed", err)
	}
}

func TestCloseWaitsForLeasedInstance(t *testing.T) {
	var mu sync.Mutex
	instances := &[]*fakeInstance{}
	pool, err := NewPool(PoolConfig{
		Size:             1,
		DefaultLanguages: []string{"eng"},
		AcquireTimeout:   time.Second,
		ShutdownGrace:    time.Second,
	}, newFakeFactory(instances, &mu))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	lease, err := pool.Acquire(context.Background(), []string{"eng"})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		lease.Release()
	}()
	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !(*instances)[0].closed.Load() {
		t.Fatal("instance was not closed after release during shutdown")
	}
}

func TestCloseGivesUpAfterGrace(t *testing.T) {
	var mu sync.Mutex
	instances := &[]*fakeInstance{}
	pool, err := NewPool(PoolConfig{
		Size:             1,
		DefaultLanguages: []string{"eng"},
		AcquireTimeout:   time.Second,
		ShutdownGrace:    30 * time.Millisecond,
	}, newFakeFactory(instances, &mu))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	// Never released: the lease holder is stuck.
	if _, err := pool.Acquire(context.Background(), []string{"eng"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := pool.Close(); err == nil {
		t.Fatal("Close() expected error when an instance stays busy past the grace period")
	}
}

func TestFailureErrorMessage(t *testing.T) {
	err := &FailureError{
		Op:         "recognize",
		Languages:  []string{"eng", "fra"},
		Generation: 3,
		ImageSize:  2048,
		Err:        errors.New("boom"),
	}
	want := "engine recognize failed (languages=eng+fra, instance generation=3, image bytes=2048): boom"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, err.Err) {
		t.Fatal("Unwrap() does not expose the cause")
	}
}

func TestPoolSaturationManyWaiters(t *testing.T) {
	pool, _ := newTestPool(t, 2)
	defer pool.Close()

	// Saturate, then pile on waiters; all must eventually succeed once
	// leases are returned, none may hang past the acquire timeout.
	var held []*Lease
	for i := 0; i < 2; i++ {
		lease, err := pool.Acquire(context.Background(), []string{"eng"})
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		held = append(held, lease)
	}

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			lease, err := pool.Acquire(context.Background(), []string{"eng"})
			if err == nil {
				defer lease.Release()
			}
			results <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	for _, lease := range held {
		lease.Release()
	}

	for i := 0; i < 4; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("waiter %d: Acquire() error = %v", i, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("waiter hung past the acquire timeout")
		}
	}
}
