package throttle

import (
	"context"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/clientip"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var epoch = time.Unix(1_700_000_000, 0)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newLimiter(t *testing.T, s Storage, perInterval int, options ...Option) *Limiter {
	t.Helper()

	options = append(
		[]Option{
			WithRegisterer(prometheus.NewRegistry()),
			WithClock(fixedClock(epoch)),
		},
		options...,
	)

	l, err := New(s, perInterval, options...)
	require.NoError(t, err)

	return l
}

func seed(s *mapStorage, id string, count int64, lastTest time.Time) {
	s.set(DefaultNamespace, id, strconv.FormatInt(count, 10))
	s.set(DefaultNamespace, id+"lastTest", strconv.FormatInt(lastTest.Unix(), 10))
}

func TestNew(t *testing.T) {
	registry := prometheus.NewRegistry()

	_, err := New(nil, 60, WithRegisterer(registry))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(newMapStorage(), 0, WithRegisterer(registry))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(newMapStorage(), -1, WithRegisterer(registry))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(newMapStorage(), 60, WithRegisterer(registry), WithNamespace(""))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(newMapStorage(), 60, WithRegisterer(registry), WithMaxSwapAttempts(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	l, err := New(newMapStorage(), 60, WithRegisterer(registry))
	require.NoError(t, err)
	assert.Equal(t, 60, l.PerInterval())
}

func TestCheck_FirstRequest(t *testing.T) {
	s := newMapStorage()
	l := newLimiter(t, s, 60)

	res, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)

	assert.Equal(t, clientip.Identity("1.2.3.4"), res.Identity)
	assert.Equal(t, int64(1), res.Count)
	assert.Equal(t, int64(60), res.Limit)
	assert.False(t, res.Blocked)

	count, ok := s.get("throttle", "1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, "1", count)
	assert.False(t, s.isVolatile("throttle", "1.2.3.4"))

	lastTest, ok := s.get("throttle", "1.2.3.4lastTest")
	require.True(t, ok)
	assert.Equal(t, "1700000000", lastTest)
	assert.True(t, s.isVolatile("throttle", "1.2.3.4lastTest"))
}

func TestCheck_MissingTimestampResetsStaleCount(t *testing.T) {
	s := newMapStorage()
	s.set(DefaultNamespace, "1.2.3.4", "500")
	l := newLimiter(t, s, 60)

	res, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)
	assert.False(t, res.Blocked)
}

func TestCheck_OverLimit(t *testing.T) {
	s := newMapStorage()
	seed(s, "1.2.3.4", 60, epoch)
	l := newLimiter(t, s, 60)

	res, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(61), res.Count)
	assert.True(t, res.Blocked)
}

func TestCheck_AtLimitIsAdmitted(t *testing.T) {
	s := newMapStorage()
	seed(s, "1.2.3.4", 59, epoch)
	l := newLimiter(t, s, 60)

	res, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Count)
	assert.False(t, res.Blocked)
}

func TestCheck_DecayIsNotClamped(t *testing.T) {
	s := newMapStorage()
	seed(s, "1.2.3.4", 60, epoch.Add(-120*time.Second))
	l := newLimiter(t, s, 60)

	res, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(-59), res.Count)
	assert.False(t, res.Blocked)

	count, _ := s.get("throttle", "1.2.3.4")
	assert.Equal(t, "-59", count)
}

func TestCheck_NegativeCountGrantsHeadroom(t *testing.T) {
	s := newMapStorage()
	seed(s, "1.2.3.4", -59, epoch)
	l := newLimiter(t, s, 60)

	for i := 0; i < 119; i++ {
		res, err := l.Check(context.Background(), "1.2.3.4")
		require.NoError(t, err)
		require.False(t, res.Blocked, "request %d", i)
	}

	res, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(61), res.Count)
	assert.True(t, res.Blocked)
}

func TestCheck_RoundsElapsedMinutes(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    int64
	}{
		{0, 6},
		{29 * time.Second, 6},
		{30 * time.Second, -4},
		{89 * time.Second, -4},
		{90 * time.Second, -14},
		{-90 * time.Second, -14},
		{time.Hour, 6 - 600},
	}

	for _, tt := range tests {
		s := newMapStorage()
		seed(s, "10.0.0.1", 5, epoch.Add(-tt.elapsed))
		l := newLimiter(t, s, 10)

		res, err := l.Check(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Count, "elapsed %s", tt.elapsed)
	}
}

func TestCheck_MonotonicWithoutElapsedTime(t *testing.T) {
	s := newMapStorage()
	l := newLimiter(t, s, 3)

	var counts []int64
	var blocked []bool
	for i := 0; i < 5; i++ {
		res, err := l.Check(context.Background(), "192.0.2.1")
		require.NoError(t, err)
		counts = append(counts, res.Count)
		blocked = append(blocked, res.Blocked)
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, counts)
	assert.Equal(t, []bool{false, false, false, true, true}, blocked)
}

func TestCheck_MalformedStoredValues(t *testing.T) {
	tests := []struct {
		stored string
		want   int64
	}{
		{"abc", 1},
		{"12.7", 13},
		{"7 apples", 8},
		{"", 1},
	}

	for _, tt := range tests {
		s := newMapStorage()
		s.set(DefaultNamespace, "1.1.1.1", tt.stored)
		s.set(DefaultNamespace, "1.1.1.1lastTest", strconv.FormatInt(epoch.Unix(), 10))
		l := newLimiter(t, s, 60)

		res, err := l.Check(context.Background(), "1.1.1.1")
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Count, "stored %q", tt.stored)
	}
}

func TestCheck_SaturatedStoredValues(t *testing.T) {
	t.Run("minimum count keeps decaying without wrapping", func(t *testing.T) {
		s := newMapStorage()
		s.set(DefaultNamespace, "1.1.1.1", "-99999999999999999999")
		s.set(DefaultNamespace, "1.1.1.1lastTest", strconv.FormatInt(epoch.Add(-120*time.Second).Unix(), 10))
		l := newLimiter(t, s, 60)

		res, err := l.Check(context.Background(), "1.1.1.1")
		require.NoError(t, err)
		assert.Equal(t, int64(math.MinInt64), res.Count)
		assert.False(t, res.Blocked)

		count, _ := s.get("throttle", "1.1.1.1")
		assert.Equal(t, strconv.FormatInt(math.MinInt64, 10), count)
	})

	t.Run("maximum count stays at the bound", func(t *testing.T) {
		s := newMapStorage()
		s.set(DefaultNamespace, "1.1.1.1", "99999999999999999999")
		s.set(DefaultNamespace, "1.1.1.1lastTest", strconv.FormatInt(epoch.Unix(), 10))
		l := newLimiter(t, s, 60)

		res, err := l.Check(context.Background(), "1.1.1.1")
		require.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64), res.Count)
		assert.True(t, res.Blocked)
	})

	t.Run("minimum timestamp", func(t *testing.T) {
		s := newMapStorage()
		s.set(DefaultNamespace, "1.1.1.1", "5")
		s.set(DefaultNamespace, "1.1.1.1lastTest", "-99999999999999999999")
		l := newLimiter(t, s, 60)

		res, err := l.Check(context.Background(), "1.1.1.1")
		require.NoError(t, err)
		assert.Equal(t, int64(math.MinInt64+14), res.Count)
		assert.False(t, res.Blocked)
	})
}

func TestCheck_HugePerInterval(t *testing.T) {
	s := newMapStorage()
	seed(s, "1.2.3.4", 0, epoch.Add(-120*time.Second))
	l := newLimiter(t, s, math.MaxInt64/2+1)

	res, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MinInt64+2), res.Count)
	assert.False(t, res.Blocked)
}

func TestCheck_Namespace(t *testing.T) {
	s := newMapStorage()
	l := newLimiter(t, s, 60, WithNamespace("edge"))

	_, err := l.Check(context.Background(), "1.2.3.4")
	require.NoError(t, err)

	_, ok := s.get("edge", "1.2.3.4")
	assert.True(t, ok)
	_, ok = s.get("throttle", "1.2.3.4")
	assert.False(t, ok)
}

func TestCheck_StorageFailures(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		s := newMapStorage()
		s.loadErr = errBackendDown
		l := newLimiter(t, s, 60)

		_, err := l.Check(context.Background(), "1.2.3.4")
		assert.ErrorIs(t, err, ErrStorage)
		assert.ErrorIs(t, err, errBackendDown)
		assert.Equal(t, float64(1), testutil.ToFloat64(l.storageErrorsTotal.WithLabelValues("load")))
	})

	t.Run("save timestamp", func(t *testing.T) {
		s := newMapStorage()
		s.saveErr = errBackendDown
		s.failSaveKey = "1.2.3.4lastTest"
		l := newLimiter(t, s, 60)

		_, err := l.Check(context.Background(), "1.2.3.4")
		assert.ErrorIs(t, err, ErrStorage)
		assert.Equal(t, float64(1), testutil.ToFloat64(l.storageErrorsTotal.WithLabelValues("save")))

		count, ok := s.get("throttle", "1.2.3.4")
		assert.True(t, ok)
		assert.Equal(t, "1", count)
	})
}

func TestCheckAll(t *testing.T) {
	t.Run("any blocked identity blocks the request", func(t *testing.T) {
		s := newMapStorage()
		seed(s, "10.0.0.1", 60, epoch)
		seed(s, "10.0.0.2", 3, epoch)
		l := newLimiter(t, s, 60)

		blocked, err := l.CheckAll(context.Background(), []clientip.Identity{"10.0.0.1", "10.0.0.2"})
		require.NoError(t, err)
		assert.True(t, blocked)

		a, _ := s.get("throttle", "10.0.0.1")
		b, _ := s.get("throttle", "10.0.0.2")
		assert.Equal(t, "61", a)
		assert.Equal(t, "4", b)
	})

	t.Run("identities after a blocked one are still accounted", func(t *testing.T) {
		s := newMapStorage()
		seed(s, "10.0.0.1", 100, epoch)
		l := newLimiter(t, s, 60)

		blocked, err := l.CheckAll(context.Background(), []clientip.Identity{"10.0.0.1", "10.0.0.3"})
		require.NoError(t, err)
		assert.True(t, blocked)

		c, ok := s.get("throttle", "10.0.0.3")
		require.True(t, ok)
		assert.Equal(t, "1", c)
	})

	t.Run("all admitted", func(t *testing.T) {
		l := newLimiter(t, newMapStorage(), 60)

		blocked, err := l.CheckAll(context.Background(), []clientip.Identity{"10.0.0.1", "10.0.0.2"})
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("no identity", func(t *testing.T) {
		l := newLimiter(t, newMapStorage(), 60)

		blocked, err := l.CheckAll(context.Background(), nil)
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("storage failure aborts", func(t *testing.T) {
		s := newMapStorage()
		s.saveErr = errBackendDown
		s.failSaveKey = "10.0.0.2"
		l := newLimiter(t, s, 60)

		_, err := l.CheckAll(context.Background(), []clientip.Identity{"10.0.0.1", "10.0.0.2", "10.0.0.3"})
		assert.ErrorIs(t, err, ErrStorage)

		_, ok := s.get("throttle", "10.0.0.1")
		assert.True(t, ok)
		_, ok = s.get("throttle", "10.0.0.3")
		assert.False(t, ok)
	})
}

func TestCheck_Metrics(t *testing.T) {
	s := newMapStorage()
	seed(s, "10.0.0.1", 60, epoch)
	l := newLimiter(t, s, 60)

	_, err := l.Check(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	_, err = l.Check(context.Background(), "10.0.0.2")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(l.checksTotal.WithLabelValues("true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(l.checksTotal.WithLabelValues("false")))
}

func TestCheck_Tracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)

	l := newLimiter(t, newMapStorage(), 60, WithTracerProvider(tp))

	ctx, root := tp.Tracer("test").Start(context.Background(), "request")
	_, err := l.CheckAll(ctx, []clientip.Identity{"10.0.0.1"})
	require.NoError(t, err)
	root.End()

	var names []string
	for _, span := range recorder.Ended() {
		names = append(names, span.Name())
	}

	assert.Contains(t, names, "throttle.Check")
	assert.Contains(t, names, "throttle.CheckAll")
}

func TestCheck_AtomicUpdates(t *testing.T) {
	t.Run("no conflict", func(t *testing.T) {
		s := &casStorage{mapStorage: newMapStorage()}
		seed(s.mapStorage, "10.0.0.1", 10, epoch)
		l := newLimiter(t, s, 60, WithAtomicUpdates())

		res, err := l.Check(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, int64(11), res.Count)
		assert.Equal(t, 1, s.swaps)

		lastTest, _ := s.get("throttle", "10.0.0.1lastTest")
		assert.Equal(t, "1700000000", lastTest)
	})

	t.Run("concurrent increment is not lost", func(t *testing.T) {
		s := &casStorage{mapStorage: newMapStorage()}
		seed(s.mapStorage, "10.0.0.1", 10, epoch)
		s.beforeSwap = func(attempt int) {
			if attempt == 1 {
				s.set(DefaultNamespace, "10.0.0.1", "11")
			}
		}
		l := newLimiter(t, s, 60, WithAtomicUpdates())

		res, err := l.Check(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, int64(12), res.Count)
		assert.Equal(t, 2, s.swaps)
		assert.Equal(t, float64(1), testutil.ToFloat64(l.swapConflictsTotal))
	})

	t.Run("first write for an identity", func(t *testing.T) {
		s := &casStorage{mapStorage: newMapStorage()}
		l := newLimiter(t, s, 60, WithAtomicUpdates())

		res, err := l.Check(context.Background(), "10.0.0.9")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Count)

		count, _ := s.get("throttle", "10.0.0.9")
		assert.Equal(t, "1", count)
	})

	t.Run("exhausted attempts save unconditionally", func(t *testing.T) {
		s := &casStorage{mapStorage: newMapStorage()}
		seed(s.mapStorage, "10.0.0.1", 10, epoch)
		s.beforeSwap = func(attempt int) {
			s.set(DefaultNamespace, "10.0.0.1", strconv.Itoa(100+attempt))
		}
		l := newLimiter(t, s, 60, WithAtomicUpdates(), WithMaxSwapAttempts(3))

		res, err := l.Check(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, 3, s.swaps)
		assert.Equal(t, int64(103), res.Count)
		assert.True(t, res.Blocked)

		count, _ := s.get("throttle", "10.0.0.1")
		assert.Equal(t, "103", count)
	})

	t.Run("storage without compare-and-swap", func(t *testing.T) {
		s := newMapStorage()
		l := newLimiter(t, s, 60, WithAtomicUpdates())
		assert.False(t, l.atomic)

		res, err := l.Check(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Count)
	})
}

func TestCheck_ClockAdvances(t *testing.T) {
	s := newMapStorage()
	now := epoch
	l := newLimiter(t, s, 2, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		_, err := l.Check(context.Background(), "10.0.0.1")
		require.NoError(t, err)
	}

	res, err := l.Check(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Blocked)

	now = now.Add(time.Minute)
	res, err = l.Check(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
	assert.True(t, res.Blocked)

	now = now.Add(time.Minute)
	res, err = l.Check(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
	assert.False(t, res.Blocked)
}

func TestErrorsAreDistinguishable(t *testing.T) {
	s := newMapStorage()
	s.loadErr = errBackendDown
	l := newLimiter(t, s, 60)

	_, err := l.Check(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.False(t, errors.Is(err, ErrInvalidConfig))
}
