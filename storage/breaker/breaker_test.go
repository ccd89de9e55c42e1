package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/throttle"
	"go.gearno.de/throttle/clientip"
	"go.gearno.de/throttle/storage/memory"
)

var errBackendDown = errors.New("backend down")

type flakyStorage struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *flakyStorage) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *flakyStorage) LoadStatus(_ context.Context, _, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "", false, f.err
}

func (f *flakyStorage) SaveStatus(_ context.Context, _, _, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestNew_CompareAndSwapDetection(t *testing.T) {
	r := prometheus.NewRegistry()

	plain := New(&flakyStorage{}, WithRegisterer(r))
	_, ok := plain.(throttle.CompareAndSwapper)
	assert.False(t, ok)

	swapping := New(memory.New(), WithRegisterer(r))
	_, ok = swapping.(throttle.CompareAndSwapper)
	assert.True(t, ok)
}

func TestStorage_Trip(t *testing.T) {
	ctx := context.Background()
	r := prometheus.NewRegistry()
	next := &flakyStorage{err: errBackendDown}

	s := New(next,
		WithName("redis"),
		WithFailureThreshold(2),
		WithOpenTimeout(20*time.Millisecond),
		WithRegisterer(r),
	).(*Storage)

	for i := 0; i < 2; i++ {
		_, _, err := s.LoadStatus(ctx, "throttle", "k")
		require.ErrorIs(t, err, errBackendDown)
	}

	assert.Equal(t, gobreaker.StateOpen, s.State())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(s.state.WithLabelValues("redis")))

	err := s.SaveStatus(ctx, "throttle", "k", "1", false)
	require.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 2, next.calls)

	next.setErr(nil)
	time.Sleep(40 * time.Millisecond)

	require.NoError(t, s.SaveStatus(ctx, "throttle", "k", "1", false))
	assert.Equal(t, gobreaker.StateClosed, s.State())
	assert.Equal(t, float64(gobreaker.StateClosed), testutil.ToFloat64(s.state.WithLabelValues("redis")))
}

func TestStorage_ContextErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	next := &flakyStorage{err: context.Canceled}

	s := New(next, WithFailureThreshold(1), WithRegisterer(prometheus.NewRegistry())).(*Storage)

	for i := 0; i < 3; i++ {
		_, _, err := s.LoadStatus(ctx, "throttle", "k")
		require.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, gobreaker.StateClosed, s.State())
}

func TestStorage_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(), WithRegisterer(prometheus.NewRegistry())).(throttle.CompareAndSwapper)

	swapped, err := s.CompareAndSwapStatus(ctx, "throttle", "k", "", false, "1")
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwapStatus(ctx, "throttle", "k", "0", true, "2")
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestStorage_WithLimiter(t *testing.T) {
	ctx := context.Background()
	r := prometheus.NewRegistry()
	next := &flakyStorage{err: errBackendDown}

	limiter, err := throttle.New(
		New(next, WithFailureThreshold(1), WithOpenTimeout(time.Hour), WithRegisterer(r)),
		10,
		throttle.WithRegisterer(r),
	)
	require.NoError(t, err)

	_, err = limiter.CheckAll(ctx, []clientip.Identity{"1.2.3.4"})
	require.ErrorIs(t, err, throttle.ErrStorage)
	require.ErrorIs(t, err, errBackendDown)

	_, err = limiter.CheckAll(ctx, []clientip.Identity{"1.2.3.4"})
	require.ErrorIs(t, err, throttle.ErrStorage)
	require.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 1, next.calls)
}
