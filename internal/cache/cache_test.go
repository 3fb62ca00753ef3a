package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func key(path string, frame int64) Key {
	return Key{Path: path, MTime: 1, Frame: frame, Width: 320, Height: 240, Format: 2}
}

func raster(n int, fill byte) Value {
	data := make([]byte, n)
	for i := range data {
		data[i] = fill
	}
	return Value{Data: data, Width: 320, Height: 240, Format: 2}
}

func mustCompute(t *testing.T, c *Cache, k Key, v Value) {
	t.Helper()
	_, err := c.GetOrCompute(context.Background(), k, func() (Value, error) { return v, nil })
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
}

func TestEvictionKeepsMostRecent(t *testing.T) {
	const mb = 1 << 20
	c := New(10 * mb)

	for i := 0; i < 15; i++ {
		mustCompute(t, c, key("a.mov", int64(i)), raster(mb, byte(i)))
	}

	st := c.Stats()
	if st.Bytes > 10*mb {
		t.Fatalf("cache over budget: %d bytes", st.Bytes)
	}
	if st.Entries != 10 {
		t.Fatalf("entries: got %d, want 10", st.Entries)
	}
	for i := 0; i < 5; i++ {
		if _, ok := c.Get(key("a.mov", int64(i))); ok {
			t.Errorf("frame %d survived eviction", i)
		}
	}
	for i := 5; i < 15; i++ {
		v, ok := c.Get(key("a.mov", int64(i)))
		if !ok {
			t.Errorf("frame %d evicted early", i)
			continue
		}
		if v.Data[0] != byte(i) {
			t.Errorf("frame %d holds wrong raster", i)
		}
	}
}

func TestEvictionIsLRUNotFIFO(t *testing.T) {
	const mb = 1 << 20
	c := New(2 * mb)

	mustCompute(t, c, key("a.mov", 0), raster(mb, 0))
	mustCompute(t, c, key("a.mov", 1), raster(mb, 1))

	// Touch frame 0 so frame 1 is the eviction candidate.
	if _, ok := c.Get(key("a.mov", 0)); !ok {
		t.Fatalf("frame 0 missing")
	}
	mustCompute(t, c, key("a.mov", 2), raster(mb, 2))

	if _, ok := c.Get(key("a.mov", 0)); !ok {
		t.Errorf("recently used frame 0 evicted")
	}
	if _, ok := c.Get(key("a.mov", 1)); ok {
		t.Errorf("least recently used frame 1 survived")
	}
}

func TestSingleflight(t *testing.T) {
	c := New(1 << 20)
	k := key("a.mov", 42)

	var calls atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), k, func() (Value, error) {
				calls.Add(1)
				<-gate
				return raster(64, 7), nil
			})
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
				return
			}
			results[i] = v.Data
		}(i)
	}

	// Give every goroutine a chance to join the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("producer ran %d times, want 1", got)
	}
	for i := 1; i < 4; i++ {
		if !bytes.Equal(results[0], results[i]) {
			t.Fatalf("caller %d saw different bytes", i)
		}
	}
}

func TestProducerFailureInsertsNothing(t *testing.T) {
	c := New(1 << 20)
	k := key("a.mov", 1)
	boom := errors.New("decode failed")

	if _, err := c.GetOrCompute(context.Background(), k, func() (Value, error) {
		return Value{}, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want producer error", err)
	}
	if _, ok := c.Get(k); ok {
		t.Fatalf("failed producer left an entry")
	}

	// A retry runs the producer again and succeeds.
	var calls int
	v, err := c.GetOrCompute(context.Background(), k, func() (Value, error) {
		calls++
		return raster(8, 9), nil
	})
	if err != nil || calls != 1 || v.Data[0] != 9 {
		t.Fatalf("retry failed: v=%v err=%v calls=%d", v, err, calls)
	}
}

func TestWaiterCancellation(t *testing.T) {
	c := New(1 << 20)
	k := key("a.mov", 1)
	gate := make(chan struct{})

	started := make(chan struct{})
	go func() {
		c.GetOrCompute(context.Background(), k, func() (Value, error) {
			close(started)
			<-gate
			return raster(8, 1), nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.GetOrCompute(ctx, k, func() (Value, error) {
		t.Error("second producer ran during singleflight")
		return Value{}, nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter: got %v", err)
	}

	// The abandoned producer still completes and populates the cache.
	close(gate)
	deadline := time.After(time.Second)
	for {
		if _, ok := c.Get(k); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("producer result never inserted")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMTimeChangeInvalidates(t *testing.T) {
	c := New(1 << 20)
	old := Key{Path: "a.mov", MTime: 1, Frame: 0, Width: 320, Height: 240, Format: 2}
	mustCompute(t, c, old, raster(8, 1))
	mustCompute(t, c, Key{Path: "a.mov", MTime: 1, Frame: 1, Width: 320, Height: 240, Format: 2}, raster(8, 2))
	mustCompute(t, c, Key{Path: "b.mov", MTime: 1, Frame: 0, Width: 320, Height: 240, Format: 2}, raster(8, 3))

	// Same file, newer mtime: all a.mov entries must go.
	newer := old
	newer.MTime = 2
	mustCompute(t, c, newer, raster(8, 4))

	if _, ok := c.Get(old); ok {
		t.Errorf("stale entry survived mtime change")
	}
	if _, ok := c.Get(Key{Path: "a.mov", MTime: 1, Frame: 1, Width: 320, Height: 240, Format: 2}); ok {
		t.Errorf("stale sibling entry survived mtime change")
	}
	if _, ok := c.Get(Key{Path: "b.mov", MTime: 1, Frame: 0, Width: 320, Height: 240, Format: 2}); !ok {
		t.Errorf("unrelated file invalidated")
	}
	if _, ok := c.Get(newer); !ok {
		t.Errorf("fresh entry missing")
	}
}

func TestInvalidateAndClear(t *testing.T) {
	c := New(1 << 20)
	mustCompute(t, c, key("a.mov", 0), raster(8, 1))
	mustCompute(t, c, key("a.mov", 1), raster(8, 2))
	mustCompute(t, c, key("b.mov", 0), raster(8, 3))

	if n := c.Invalidate("a.mov"); n != 2 {
		t.Fatalf("Invalidate removed %d entries, want 2", n)
	}
	if st := c.Stats(); st.Entries != 1 {
		t.Fatalf("entries after invalidate: %d", st.Entries)
	}

	c.Clear()
	if st := c.Stats(); st.Entries != 0 || st.Bytes != 0 {
		t.Fatalf("clear left entries=%d bytes=%d", st.Entries, st.Bytes)
	}
}

func TestOversizedValueNotCached(t *testing.T) {
	c := New(16)
	k := key("a.mov", 0)
	v, err := c.GetOrCompute(context.Background(), k, func() (Value, error) {
		return raster(64, 1), nil
	})
	if err != nil || len(v.Data) != 64 {
		t.Fatalf("oversized value not served: %v", err)
	}
	if _, ok := c.Get(k); ok {
		t.Fatalf("oversized value was cached")
	}
	if st := c.Stats(); st.Bytes != 0 {
		t.Fatalf("bytes accounted for uncached value: %d", st.Bytes)
	}
}

func TestHitMissCounters(t *testing.T) {
	c := New(1 << 20)
	k := key("a.mov", 0)
	mustCompute(t, c, k, raster(8, 1))
	mustCompute(t, c, k, raster(8, 1))
	c.Get(k)
	c.Get(key("a.mov", 99))

	st := c.Stats()
	if st.Misses != 2 || st.Hits != 2 {
		t.Fatalf("hits=%d misses=%d, want 2/2", st.Hits, st.Misses)
	}
}
