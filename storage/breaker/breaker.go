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

// Package breaker guards a throttle storage with a circuit breaker so
// an unavailable backend fails requests fast instead of piling them up
// behind network timeouts.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.gearno.de/throttle/throttle"
	"go.gearno.de/throttle/log"
)

type (
	// Option configures the Storage during initialization.
	Option func(s *Storage)

	// Storage forwards every call to the wrapped storage through a
	// circuit breaker.
	Storage struct {
		next throttle.Storage
		cb   *gobreaker.CircuitBreaker

		name             string
		failureThreshold uint32
		halfOpenRequests uint32
		openTimeout      time.Duration
		interval         time.Duration

		logger     *log.Logger
		registerer prometheus.Registerer
		state      *prometheus.GaugeVec
	}

	swappingStorage struct {
		*Storage
		cas throttle.CompareAndSwapper
	}
)

var (
	// ErrOpen is returned without calling the wrapped storage while
	// the circuit is open or while the half-open trial quota is used.
	ErrOpen = errors.New("circuit breaker open")

	_ throttle.Storage           = (*Storage)(nil)
	_ throttle.CompareAndSwapper = (*swappingStorage)(nil)
)

// WithName names the breaker in logs and metrics. Default is
// "storage".
func WithName(name string) Option {
	return func(s *Storage) {
		s.name = name
	}
}

// WithFailureThreshold opens the circuit after n consecutive failures.
// Default is 5.
func WithFailureThreshold(n uint32) Option {
	return func(s *Storage) {
		s.failureThreshold = n
	}
}

// WithOpenTimeout sets how long the circuit stays open before letting
// trial requests through. Default is 30 seconds.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Storage) {
		s.openTimeout = d
	}
}

// WithHalfOpenRequests sets how many trial requests are allowed while
// half-open. Default is 1.
func WithHalfOpenRequests(n uint32) Option {
	return func(s *Storage) {
		s.halfOpenRequests = n
	}
}

// WithInterval resets the failure counts every d while closed. Zero,
// the default, never resets them.
func WithInterval(d time.Duration) Option {
	return func(s *Storage) {
		s.interval = d
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Storage) {
		s.logger = l.Named("storage.breaker")
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Storage) {
		s.registerer = r
	}
}

// New wraps next. The returned storage implements
// throttle.CompareAndSwapper only when next does, so the limiter keeps
// detecting compare-and-swap support.
func New(next throttle.Storage, options ...Option) throttle.Storage {
	s := &Storage{
		next:             next,
		name:             "storage",
		failureThreshold: 5,
		halfOpenRequests: 1,
		openTimeout:      30 * time.Second,
		logger:           log.NewLogger(log.WithOutput(io.Discard)),
		registerer:       prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(s)
	}

	if s.failureThreshold == 0 {
		s.failureThreshold = 1
	}

	s.registerMetrics()

	s.cb = gobreaker.NewCircuitBreaker(
		gobreaker.Settings{
			Name:        s.name,
			MaxRequests: s.halfOpenRequests,
			Interval:    s.interval,
			Timeout:     s.openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= s.failureThreshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.Is(err, context.Canceled) ||
					errors.Is(err, context.DeadlineExceeded)
			},
			OnStateChange: s.onStateChange,
		},
	)

	s.setState(gobreaker.StateClosed)

	if cas, ok := next.(throttle.CompareAndSwapper); ok {
		return &swappingStorage{Storage: s, cas: cas}
	}

	return s
}

func (s *Storage) registerMetrics() {
	s.state = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "throttle",
			Name:      "storage_breaker_state",
			Help:      "State of the storage circuit breaker: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)
	if err := s.registerer.Register(s.state); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.state = are.ExistingCollector.(*prometheus.GaugeVec)
		}
	}
}

func (s *Storage) onStateChange(name string, from, to gobreaker.State) {
	s.logger.Warn(
		"storage circuit breaker changed state",
		log.String("breaker", name),
		log.String("from", from.String()),
		log.String("to", to.String()),
	)

	s.setState(to)
}

func (s *Storage) setState(state gobreaker.State) {
	s.state.WithLabelValues(s.name).Set(float64(state))
}

// State returns the current state of the circuit.
func (s *Storage) State() gobreaker.State {
	return s.cb.State()
}

func (s *Storage) execute(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrOpen, s.name)
	}

	return v, err
}

type loadResult struct {
	value string
	ok    bool
}

func (s *Storage) LoadStatus(ctx context.Context, namespace, key string) (string, bool, error) {
	v, err := s.execute(
		func() (any, error) {
			value, ok, err := s.next.LoadStatus(ctx, namespace, key)
			return loadResult{value, ok}, err
		},
	)
	if err != nil {
		return "", false, err
	}

	r := v.(loadResult)
	return r.value, r.ok, nil
}

func (s *Storage) SaveStatus(ctx context.Context, namespace, key, value string, volatile bool) error {
	_, err := s.execute(
		func() (any, error) {
			return nil, s.next.SaveStatus(ctx, namespace, key, value, volatile)
		},
	)

	return err
}

func (s *swappingStorage) CompareAndSwapStatus(ctx context.Context, namespace, key, old string, oldOK bool, value string) (bool, error) {
	v, err := s.execute(
		func() (any, error) {
			return s.cas.CompareAndSwapStatus(ctx, namespace, key, old, oldOK, value)
		},
	)
	if err != nil {
		return false, err
	}

	return v.(bool), nil
}
