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

// Package memory implements an in-process throttle storage. State is
// lost on restart and not shared between processes, which makes it a
// fit for single instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"go.gearno.de/throttle/throttle"
)

type (
	// Option configures the Storage during initialization.
	Option func(s *Storage)

	// Storage is a mutex protected map. It implements
	// throttle.Storage and throttle.CompareAndSwapper.
	Storage struct {
		mu      sync.Mutex
		entries map[entryKey]entry
		now     func() time.Time
		ttl     time.Duration
	}

	entryKey struct {
		namespace string
		key       string
	}

	entry struct {
		value     string
		volatile  bool
		updatedAt time.Time
	}
)

var (
	_ throttle.Storage           = (*Storage)(nil)
	_ throttle.CompareAndSwapper = (*Storage)(nil)
)

// WithTTL drops entries not written for d. Expired entries are
// removed lazily on access and by Sweep. Zero keeps entries forever.
func WithTTL(d time.Duration) Option {
	return func(s *Storage) {
		s.ttl = d
	}
}

// WithClock replaces time.Now for TTL computations.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

func New(options ...Option) *Storage {
	s := &Storage{
		entries: make(map[entryKey]entry),
		now:     time.Now,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *Storage) expired(e entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.updatedAt) >= s.ttl
}

// lookup must be called with s.mu held.
func (s *Storage) lookup(k entryKey) (entry, bool) {
	e, ok := s.entries[k]
	if !ok {
		return entry{}, false
	}

	if s.expired(e, s.now()) {
		delete(s.entries, k)
		return entry{}, false
	}

	return e, true
}

func (s *Storage) LoadStatus(_ context.Context, namespace, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(entryKey{namespace, key})
	return e.value, ok, nil
}

func (s *Storage) SaveStatus(_ context.Context, namespace, key, value string, volatile bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entryKey{namespace, key}] = entry{
		value:     value,
		volatile:  volatile,
		updatedAt: s.now(),
	}

	return nil
}

func (s *Storage) CompareAndSwapStatus(_ context.Context, namespace, key, old string, oldOK bool, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{namespace, key}

	current, ok := s.lookup(k)
	if ok != oldOK || (ok && current.value != old) {
		return false, nil
	}

	s.entries[k] = entry{value: value, updatedAt: s.now()}

	return true, nil
}

// Sweep removes expired entries and returns how many were removed.
func (s *Storage) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl <= 0 {
		return 0
	}

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			removed++
		}
	}

	return removed
}

// Len returns the number of stored entries, expired ones included.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}
