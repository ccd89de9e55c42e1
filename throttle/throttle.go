// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package throttle

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/clientip"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter decides whether a client identity exceeded its request
	// budget. It keeps no state between calls; everything lives in
	// the Storage.
	Limiter struct {
		storage     Storage
		perInterval int64
		namespace   string
		now         func() time.Time

		atomic          bool
		maxSwapAttempts int

		logger *log.Logger
		tracer trace.Tracer

		checksTotal          *prometheus.CounterVec
		checkDuration        *prometheus.HistogramVec
		storageErrorsTotal   *prometheus.CounterVec
		swapConflictsTotal   prometheus.Counter
		unidentifiedRequests prometheus.Counter
	}

	// Result is the outcome of the accounting of one identity.
	Result struct {
		Identity clientip.Identity

		// Count is the value stored for the identity after this
		// request. It may be negative.
		Count int64

		// Limit is the number of requests allowed per Interval.
		Limit int64

		// Blocked is true when Count exceeds Limit.
		Blocked bool
	}
)

const (
	// Interval is the accounting window perInterval applies to.
	Interval = time.Minute

	// DefaultNamespace prefixes every key written by the limiter.
	DefaultNamespace = "throttle"

	lastTestSuffix = "lastTest"
	tracerName     = "go.gearno.de/throttle"

	defaultMaxSwapAttempts = 5
)

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("throttle")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithNamespace changes the storage namespace. Default is "throttle".
func WithNamespace(ns string) Option {
	return func(l *Limiter) {
		l.namespace = ns
	}
}

// WithAtomicUpdates makes the limiter update counts with
// compare-and-swap when the storage implements CompareAndSwapper.
// Storages without it keep the plain load and save behavior.
func WithAtomicUpdates() Option {
	return func(l *Limiter) {
		l.atomic = true
	}
}

// WithMaxSwapAttempts bounds the compare-and-swap retries of an atomic
// update. Once exhausted the last computed count is saved
// unconditionally. Default is 5.
func WithMaxSwapAttempts(n int) Option {
	return func(l *Limiter) {
		l.maxSwapAttempts = n
	}
}

// New returns a Limiter allowing perInterval requests per Interval to
// each identity.
func New(storage Storage, perInterval int, options ...Option) (*Limiter, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrInvalidConfig)
	}

	if perInterval <= 0 {
		return nil, fmt.Errorf("%w: requests per interval must be positive, got %d", ErrInvalidConfig, perInterval)
	}

	l := &Limiter{
		storage:         storage,
		perInterval:     int64(perInterval),
		namespace:       DefaultNamespace,
		now:             time.Now,
		maxSwapAttempts: defaultMaxSwapAttempts,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	if l.namespace == "" {
		return nil, fmt.Errorf("%w: namespace cannot be empty", ErrInvalidConfig)
	}

	if l.maxSwapAttempts <= 0 {
		return nil, fmt.Errorf("%w: swap attempts must be positive, got %d", ErrInvalidConfig, l.maxSwapAttempts)
	}

	if l.atomic {
		if _, ok := l.storage.(CompareAndSwapper); !ok {
			l.logger.Warn("storage does not support compare-and-swap, using best effort updates")
			l.atomic = false
		}
	}

	return l, nil
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "throttle",
			Name:      "checks_total",
			Help:      "Total number of identity checks.",
		},
		[]string{"blocked"},
	)
	if err := r.Register(l.checksTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checksTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "throttle",
			Name:      "check_duration_seconds",
			Help:      "Duration of identity checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"blocked"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	l.storageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "throttle",
			Name:      "storage_errors_total",
			Help:      "Total number of failed storage operations.",
		},
		[]string{"operation"},
	)
	if err := r.Register(l.storageErrorsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.storageErrorsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.swapConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "throttle",
			Name:      "swap_conflicts_total",
			Help:      "Total number of compare-and-swap attempts lost to a concurrent update.",
		},
	)
	if err := r.Register(l.swapConflictsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.swapConflictsTotal = are.ExistingCollector.(prometheus.Counter)
		}
	}

	l.unidentifiedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "throttle",
			Name:      "unidentified_requests_total",
			Help:      "Total number of requests admitted without any client identity.",
		},
	)
	if err := r.Register(l.unidentifiedRequests); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.unidentifiedRequests = are.ExistingCollector.(prometheus.Counter)
		}
	}
}

// PerInterval returns the number of requests allowed per Interval.
func (l *Limiter) PerInterval() int {
	return int(l.perInterval)
}

// CheckAll accounts one request for every identity and reports
// whether any of them is over the limit. All identities are accounted
// even after one is found blocked. The first storage failure aborts
// the remaining identities.
func (l *Limiter) CheckAll(ctx context.Context, ids []clientip.Identity) (bool, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"throttle.CheckAll",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int("throttle.identities", len(ids)),
			),
		)
		defer span.End()
	}

	blocked := false
	for _, id := range ids {
		res, err := l.Check(ctx, id)
		if err != nil {
			if rootSpan.IsRecording() {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return false, err
		}

		if res.Blocked {
			blocked = true
		}
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Bool("throttle.blocked", blocked))
	}

	return blocked, nil
}

// Check accounts one request for id, persists the new state and
// reports whether id is over the limit.
func (l *Limiter) Check(ctx context.Context, id clientip.Identity) (*Result, error) {
	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"throttle.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("throttle.identity", id.String()),
				attribute.Int64("throttle.limit", l.perInterval),
				attribute.Bool("throttle.atomic", l.atomic),
			),
		)
		defer span.End()
	}

	var (
		count int64
		err   error
	)

	if l.atomic {
		count, err = l.updateAtomic(ctx, id)
	} else {
		count, err = l.update(ctx, id)
	}

	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	result := &Result{
		Identity: id,
		Count:    count,
		Limit:    l.perInterval,
		Blocked:  count > l.perInterval,
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Int64("throttle.count", count),
			attribute.Bool("throttle.blocked", result.Blocked),
		)
	}

	if result.Blocked {
		l.logger.InfoCtx(ctx, "identity over limit",
			log.String("identity", id.String()),
			log.Int64("count", count),
			log.Int64("limit", l.perInterval),
		)
	}

	l.recordMetrics(result.Blocked, time.Since(start))

	return result, nil
}

// nextCount applies the decay of the time elapsed since lastTest and
// counts the current request. The result saturates at the int64
// bounds.
func (l *Limiter) nextCount(count, lastTest int64, hasLastTest bool, now int64) int64 {
	if !hasLastTest {
		return 1
	}

	elapsed := absSat(subSat(now, lastTest))

	seconds := int64(Interval / time.Second)
	minutes := addSat(elapsed, seconds/2) / seconds

	return subSat(addSat(count, 1), mulSat(minutes, l.perInterval))
}

func (l *Limiter) lastTestKey(id clientip.Identity) string {
	return string(id) + lastTestSuffix
}

func (l *Limiter) load(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := l.storage.LoadStatus(ctx, l.namespace, key)
	if err != nil {
		l.storageErrorsTotal.WithLabelValues("load").Inc()
		return "", false, fmt.Errorf("%w: cannot load %q: %w", ErrStorage, key, err)
	}

	return value, ok, nil
}

func (l *Limiter) save(ctx context.Context, key, value string, volatile bool) error {
	if err := l.storage.SaveStatus(ctx, l.namespace, key, value, volatile); err != nil {
		l.storageErrorsTotal.WithLabelValues("save").Inc()
		return fmt.Errorf("%w: cannot save %q: %w", ErrStorage, key, err)
	}

	return nil
}

func (l *Limiter) loadLastTest(ctx context.Context, id clientip.Identity) (int64, bool, error) {
	raw, ok, err := l.load(ctx, l.lastTestKey(id))
	if err != nil {
		return 0, false, err
	}

	return parseValue(raw), ok, nil
}

func (l *Limiter) saveLastTest(ctx context.Context, id clientip.Identity, now int64) error {
	return l.save(ctx, l.lastTestKey(id), formatValue(now), true)
}

func (l *Limiter) update(ctx context.Context, id clientip.Identity) (int64, error) {
	rawCount, _, err := l.load(ctx, string(id))
	if err != nil {
		return 0, err
	}

	lastTest, hasLastTest, err := l.loadLastTest(ctx, id)
	if err != nil {
		return 0, err
	}

	now := l.now().Unix()
	count := l.nextCount(parseValue(rawCount), lastTest, hasLastTest, now)

	if err := l.save(ctx, string(id), formatValue(count), false); err != nil {
		return 0, err
	}

	if err := l.saveLastTest(ctx, id, now); err != nil {
		return 0, err
	}

	return count, nil
}

func (l *Limiter) updateAtomic(ctx context.Context, id clientip.Identity) (int64, error) {
	cas := l.storage.(CompareAndSwapper)

	var (
		count int64
		now   int64
	)

	for attempt := 1; attempt <= l.maxSwapAttempts; attempt++ {
		rawCount, hasCount, err := l.load(ctx, string(id))
		if err != nil {
			return 0, err
		}

		lastTest, hasLastTest, err := l.loadLastTest(ctx, id)
		if err != nil {
			return 0, err
		}

		now = l.now().Unix()
		count = l.nextCount(parseValue(rawCount), lastTest, hasLastTest, now)

		swapped, err := cas.CompareAndSwapStatus(ctx, l.namespace, string(id), rawCount, hasCount, formatValue(count))
		if err != nil {
			l.storageErrorsTotal.WithLabelValues("compare_and_swap").Inc()
			return 0, fmt.Errorf("%w: cannot swap %q: %w", ErrStorage, id, err)
		}

		if swapped {
			if err := l.saveLastTest(ctx, id, now); err != nil {
				return 0, err
			}
			return count, nil
		}

		l.swapConflictsTotal.Inc()
	}

	l.logger.WarnCtx(ctx, "compare-and-swap attempts exhausted, saving unconditionally",
		log.String("identity", id.String()),
		log.Int("attempts", l.maxSwapAttempts),
	)

	if err := l.save(ctx, string(id), formatValue(count), false); err != nil {
		return 0, err
	}

	if err := l.saveLastTest(ctx, id, now); err != nil {
		return 0, err
	}

	return count, nil
}

func (l *Limiter) recordMetrics(blocked bool, duration time.Duration) {
	label := strconv.FormatBool(blocked)

	l.checksTotal.WithLabelValues(label).Inc()
	l.checkDuration.WithLabelValues(label).Observe(duration.Seconds())
}
