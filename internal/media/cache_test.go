package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration, maxBytes int64) (*Cache, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCache(ttl, maxBytes)
	c.now = clock.Now
	return c, clock
}

func TestCache_GetPut(t *testing.T) {
	c, clock := newTestCache(5*time.Minute, 0)

	if _, ok := c.Get("a.mp4"); ok {
		t.Fatal("empty cache should miss")
	}

	c.Put("a.mp4", []byte("one"))
	got, ok := c.Get("a.mp4")
	if !ok || string(got) != "one" {
		t.Fatalf("expected hit with %q, got %q %v", "one", got, ok)
	}

	t.Run("overwrite_refreshes", func(t *testing.T) {
		clock.Advance(4 * time.Minute)
		c.Put("a.mp4", []byte("two"))
		clock.Advance(4 * time.Minute)
		got, ok := c.Get("a.mp4")
		if !ok || string(got) != "two" {
			t.Errorf("expected refreshed entry, got %q %v", got, ok)
		}
	})

	t.Run("expires_after_ttl", func(t *testing.T) {
		clock.Advance(time.Minute)
		if _, ok := c.Get("a.mp4"); ok {
			t.Error("entry should be expired after 5 minutes")
		}
	})
}

func TestCache_PutSweepsExpired(t *testing.T) {
	c, clock := newTestCache(5*time.Minute, 0)
	c.Put("old.png", []byte("x"))
	clock.Advance(6 * time.Minute)
	c.Put("new.png", []byte("y"))

	if n := c.Len(); n != 1 {
		t.Errorf("expected expired entry swept on put, len=%d", n)
	}
}

func TestCache_byteCapEvictsOldest(t *testing.T) {
	c, clock := newTestCache(time.Hour, 10)
	c.Put("a", make([]byte, 4))
	clock.Advance(time.Second)
	c.Put("b", make([]byte, 4))
	clock.Advance(time.Second)
	c.Put("c", make([]byte, 4))

	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry should be evicted above the byte cap")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("newest entry should be retained")
	}
}

func TestCache_concurrentReadersSeeWholeEntries(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)
	a := []byte("aaaaaaaaaaaaaaaa")
	b := []byte("bbbbbbbbbbbbbbbb")
	c.Put("f", a)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				c.Put("f", b)
			} else {
				c.Put("f", a)
			}
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, ok := c.Get("f")
				if !ok {
					t.Error("unexpected miss")
					return
				}
				if string(got) != string(a) && string(got) != string(b) {
					t.Errorf("torn read: %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

type countingFetcher struct {
	calls atomic.Int32
	delay time.Duration
	files map[string][]byte
}

func (f *countingFetcher) FetchResult(_ context.Context, name string) ([]byte, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	data, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("no such file %s", name)
	}
	return data, nil
}

func TestResolver_cachesAfterFetch(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)
	f := &countingFetcher{files: map[string][]byte{"out.mp4": []byte("video")}}
	r := NewResolver(c, f, nil)

	for i := 0; i < 3; i++ {
		data, err := r.Resolve(context.Background(), "out.mp4")
		if err != nil || string(data) != "video" {
			t.Fatalf("Resolve: %q %v", data, err)
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream fetch, got %d", n)
	}
}

func TestResolver_missingIsNotFound(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)
	r := NewResolver(c, &countingFetcher{}, nil)

	_, err := r.Resolve(context.Background(), "gone.mp4")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver_collapsesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)
	f := &countingFetcher{delay: 50 * time.Millisecond, files: map[string][]byte{"x.png": []byte("img")}}
	r := NewResolver(c, f, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "x.png"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected concurrent misses to share one fetch, got %d", n)
	}
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) FetchResult(ctx context.Context, _ string) ([]byte, error) {
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.release:
		return []byte("video"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestResolver_cancelledCallerDoesNotFailOthers(t *testing.T) {
	c, _ := newTestCache(time.Hour, 0)
	f := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	r := NewResolver(c, f, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, "a.mp4")
		errA <- err
	}()
	<-f.started

	type result struct {
		data []byte
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		data, err := r.Resolve(context.Background(), "a.mp4")
		resB <- result{data, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller should see its own cancellation, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.release)

	got := <-resB
	if got.err != nil || string(got.data) != "video" {
		t.Fatalf("waiting caller should get the artifact, got %q %v", got.data, got.err)
	}
	if data, ok := c.Get("a.mp4"); !ok || string(data) != "video" {
		t.Error("shared fetch should populate the cache")
	}
}
