package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return NewBreaker(Config{
		Name:        "varservice",
		MaxFailures: 3,
		Timeout:     time.Second,
		HalfOpenMax: 2,
		Now:         clock.Now,
	})
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func trip(b *Breaker) {
	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), fail)
	}
}

func TestBreakerClosed(t *testing.T) {
	t.Run("should pass calls through and count failures", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{})

		assert.NoError(t, b.Execute(context.Background(), ok))
		assert.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
		assert.Equal(t, 1, b.Failures())
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reset failures on success", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{})
		_ = b.Execute(context.Background(), fail)
		_ = b.Execute(context.Background(), fail)
		_ = b.Execute(context.Background(), ok)
		assert.Equal(t, 0, b.Failures())
	})

	t.Run("should ignore errors the classifier rejects", func(t *testing.T) {
		notFound := errors.New("not found")
		b := NewBreaker(Config{
			MaxFailures: 1,
			IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, notFound) },
		})
		_ = b.Execute(context.Background(), func(context.Context) error { return notFound })
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should not call fn on a cancelled context", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func TestBreakerOpen(t *testing.T) {
	t.Run("should open after max failures and reject calls", func(t *testing.T) {
		b := newTestBreaker(&fakeClock{})
		trip(b)

		assert.Equal(t, StateOpen, b.State())
		assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrCircuitOpen)
	})

	t.Run("should report transitions", func(t *testing.T) {
		var got []string
		b := NewBreaker(Config{
			Name:        "x",
			MaxFailures: 1,
			OnStateChange: func(name string, from, to State) {
				got = append(got, name+":"+from.String()+"->"+to.String())
			},
		})
		_ = b.Execute(context.Background(), fail)
		b.Reset()
		assert.Equal(t, []string{"x:closed->open", "x:open->closed"}, got)
	})
}

func TestBreakerHalfOpen(t *testing.T) {
	t.Run("should probe after timeout and close on successes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := newTestBreaker(clock)
		trip(b)

		clock.Advance(1500 * time.Millisecond)
		require.NoError(t, b.Execute(context.Background(), ok))
		assert.Equal(t, StateHalfOpen, b.State())

		require.NoError(t, b.Execute(context.Background(), ok))
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reopen on a failed probe", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := newTestBreaker(clock)
		trip(b)

		clock.Advance(2 * time.Second)
		_ = b.Execute(context.Background(), fail)
		assert.Equal(t, StateOpen, b.State())
		assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrCircuitOpen)
	})

	t.Run("should limit concurrent probes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := NewBreaker(Config{MaxFailures: 1, Timeout: time.Second, HalfOpenMax: 1, Now: clock.Now})
		_ = b.Execute(context.Background(), fail)
		clock.Advance(2 * time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error)
		go func() {
			done <- b.Execute(context.Background(), func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrTooManyRequests)
		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, StateClosed, b.State())
	})
}

func TestBreakerForceOpen(t *testing.T) {
	b := newTestBreaker(&fakeClock{})
	b.ForceOpen()
	assert.ErrorIs(t, b.Execute(context.Background(), ok), ErrCircuitOpen)
	b.Reset()
	assert.NoError(t, b.Execute(context.Background(), ok))
}
