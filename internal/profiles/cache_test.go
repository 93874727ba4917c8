package profiles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/riskengine/internal/store"
	"github.com/terminal-bench/riskengine/internal/thresholds"
)

func ptr(v float64) *float64 { return &v }

type fakeSource struct {
	mu       sync.Mutex
	profiles map[string]thresholds.Overrides
	loads    atomic.Int32
	gate     chan struct{}
	err      error
	// afterRead runs between reading a profile and returning it
	afterRead func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{profiles: make(map[string]thresholds.Overrides)}
}

func (f *fakeSource) Load(_ context.Context, id string) (*thresholds.Overrides, error) {
	f.loads.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	o, ok := f.profiles[id]
	f.mu.Unlock()
	if f.afterRead != nil {
		f.afterRead()
	}
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (f *fakeSource) Save(_ context.Context, id string, o thresholds.Overrides) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = o
	return nil
}

func TestCacheGet(t *testing.T) {
	ctx := context.Background()

	t.Run("should load once and serve from memory", func(t *testing.T) {
		src := newFakeSource()
		src.profiles["pf-1"] = thresholds.Overrides{VaR95Limit: ptr(4)}
		c := NewCache(src, nil, time.Minute, nil)

		for i := 0; i < 3; i++ {
			o, err := c.Get(ctx, "pf-1")
			require.NoError(t, err)
			assert.Equal(t, 4.0, *o.VaR95Limit)
		}
		assert.Equal(t, int32(1), src.loads.Load())
	})

	t.Run("should cache the absence of a profile", func(t *testing.T) {
		src := newFakeSource()
		c := NewCache(src, nil, time.Minute, nil)

		o, err := c.Get(ctx, "none")
		require.NoError(t, err)
		assert.Nil(t, o)
		_, _ = c.Get(ctx, "none")
		assert.Equal(t, int32(1), src.loads.Load())
	})

	t.Run("should hand out copies", func(t *testing.T) {
		src := newFakeSource()
		src.profiles["pf-1"] = thresholds.Overrides{VaR95Limit: ptr(4)}
		c := NewCache(src, nil, time.Minute, nil)

		o, err := c.Get(ctx, "pf-1")
		require.NoError(t, err)
		*o.VaR95Limit = 99

		again, err := c.Get(ctx, "pf-1")
		require.NoError(t, err)
		assert.Equal(t, 4.0, *again.VaR95Limit)
	})

	t.Run("should reload after the ttl", func(t *testing.T) {
		src := newFakeSource()
		c := NewCache(src, nil, time.Minute, nil)
		now := time.Unix(1000, 0)
		c.now = func() time.Time { return now }

		_, _ = c.Get(ctx, "pf-1")
		now = now.Add(2 * time.Minute)
		_, _ = c.Get(ctx, "pf-1")
		assert.Equal(t, int32(2), src.loads.Load())
	})

	t.Run("should collapse concurrent misses", func(t *testing.T) {
		src := newFakeSource()
		src.gate = make(chan struct{})
		c := NewCache(src, nil, time.Minute, nil)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = c.Get(ctx, "pf-1")
			}()
		}
		// let the goroutines pile up on the in-flight load
		time.Sleep(50 * time.Millisecond)
		close(src.gate)
		wg.Wait()

		assert.Equal(t, int32(1), src.loads.Load())
	})

	t.Run("should surface source errors", func(t *testing.T) {
		src := newFakeSource()
		src.err = errors.New("db down")
		c := NewCache(src, nil, time.Minute, nil)

		_, err := c.Get(ctx, "pf-1")
		assert.Error(t, err)
	})
}

func TestCacheSave(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	c := NewCache(src, nil, time.Minute, nil)

	o, err := c.Get(ctx, "pf-1")
	require.NoError(t, err)
	assert.Nil(t, o)

	require.NoError(t, c.Save(ctx, "pf-1", thresholds.Overrides{SharpeMin: ptr(1.5)}))

	o, err = c.Get(ctx, "pf-1")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, 1.5, *o.SharpeMin)
}

func TestCacheConcurrentLoads(t *testing.T) {
	t.Run("should not cache a value read before a save", func(t *testing.T) {
		ctx := context.Background()
		src := newFakeSource()
		src.profiles["pf-1"] = thresholds.Overrides{VaR95Limit: ptr(5)}
		read := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		src.afterRead = func() {
			once.Do(func() {
				close(read)
				<-release
			})
		}
		c := NewCache(src, nil, time.Minute, nil)

		done := make(chan *thresholds.Overrides)
		go func() {
			o, _ := c.Get(ctx, "pf-1")
			done <- o
		}()

		<-read
		require.NoError(t, c.Save(ctx, "pf-1", thresholds.Overrides{VaR95Limit: ptr(8)}))
		close(release)

		// the caller that raced the save may see either value
		require.NotNil(t, <-done)

		o, err := c.Get(ctx, "pf-1")
		require.NoError(t, err)
		require.NotNil(t, o)
		assert.Equal(t, 8.0, *o.VaR95Limit)
	})

	t.Run("should not fail waiters when the first caller gives up", func(t *testing.T) {
		src := newFakeSource()
		src.profiles["pf-1"] = thresholds.Overrides{SharpeMin: ptr(1.4)}
		src.gate = make(chan struct{})
		c := NewCache(src, nil, time.Minute, nil)

		first, cancel := context.WithCancel(context.Background())
		firstErr := make(chan error)
		go func() {
			_, err := c.Get(first, "pf-1")
			firstErr <- err
		}()
		require.Eventually(t, func() bool { return src.loads.Load() == 1 }, time.Second, time.Millisecond)

		type result struct {
			o   *thresholds.Overrides
			err error
		}
		second := make(chan result)
		go func() {
			o, err := c.Get(context.Background(), "pf-1")
			second <- result{o, err}
		}()
		// let the second caller join the in-flight load
		time.Sleep(20 * time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-firstErr, context.Canceled)

		close(src.gate)
		res := <-second
		require.NoError(t, res.err)
		require.NotNil(t, res.o)
		assert.Equal(t, 1.4, *res.o.SharpeMin)
		assert.Equal(t, int32(1), src.loads.Load())
	})
}

type fakeProfileStore struct {
	saved map[string]thresholds.Overrides
}

func (f *fakeProfileStore) RiskProfile(_ context.Context, id string) (*thresholds.Overrides, error) {
	o, ok := f.saved[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (f *fakeProfileStore) SaveRiskProfile(_ context.Context, id string, o thresholds.Overrides) error {
	f.saved[id] = o
	return nil
}

func TestPostgresSource(t *testing.T) {
	ctx := context.Background()
	src := NewPostgresSource(&fakeProfileStore{saved: map[string]thresholds.Overrides{}})

	o, err := src.Load(ctx, "pf-1")
	require.NoError(t, err)
	assert.Nil(t, o)

	require.NoError(t, src.Save(ctx, "pf-1", thresholds.Overrides{VaR95Limit: ptr(3)}))
	o, err = src.Load(ctx, "pf-1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, *o.VaR95Limit)
}
