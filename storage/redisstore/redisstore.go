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

// Package redisstore implements throttle storage on Redis, which lets
// several instances share their throttle state.
//
// Every (namespace, key) pair maps to a plain string key
// "<prefix>:<namespace>:<key>". Compare-and-swap relies on WATCH and
// MULTI so it also works on Redis Cluster as long as a single key is
// involved.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.gearno.de/throttle/throttle"
)

type (
	// Option configures the Storage during initialization.
	Option func(s *Storage)

	// Storage implements throttle.Storage and
	// throttle.CompareAndSwapper.
	Storage struct {
		client      redis.UniversalClient
		prefix      string
		ttl         time.Duration
		volatileTTL time.Duration
	}
)

var (
	_ throttle.Storage           = (*Storage)(nil)
	_ throttle.CompareAndSwapper = (*Storage)(nil)
)

// WithPrefix prepends prefix to every key.
func WithPrefix(prefix string) Option {
	return func(s *Storage) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// WithTTL expires durable values after d. Zero, the default, keeps
// them forever.
func WithTTL(d time.Duration) Option {
	return func(s *Storage) {
		s.ttl = d
	}
}

// WithVolatileTTL expires values saved with the volatile hint after
// d. Zero, the default, keeps them forever.
func WithVolatileTTL(d time.Duration) Option {
	return func(s *Storage) {
		s.volatileTTL = d
	}
}

func New(client redis.UniversalClient, options ...Option) *Storage {
	s := &Storage{client: client}

	for _, o := range options {
		o(s)
	}

	return s
}

// Ping checks the server is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cannot ping redis: %w", err)
	}

	return nil
}

func (s *Storage) key(namespace, key string) string {
	if s.prefix == "" {
		return namespace + ":" + key
	}

	return s.prefix + ":" + namespace + ":" + key
}

func (s *Storage) LoadStatus(ctx context.Context, namespace, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(namespace, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("cannot get key: %w", err)
	}

	return v, true, nil
}

func (s *Storage) SaveStatus(ctx context.Context, namespace, key, value string, volatile bool) error {
	ttl := s.ttl
	if volatile {
		ttl = s.volatileTTL
	}

	if err := s.client.Set(ctx, s.key(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cannot set key: %w", err)
	}

	return nil
}

func (s *Storage) CompareAndSwapStatus(ctx context.Context, namespace, key, old string, oldOK bool, value string) (bool, error) {
	k := s.key(namespace, key)
	swapped := false

	err := s.client.Watch(
		ctx,
		func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, k).Result()
			switch {
			case errors.Is(err, redis.Nil):
				if oldOK {
					return nil
				}
			case err != nil:
				return fmt.Errorf("cannot get key: %w", err)
			default:
				if !oldOK || current != old {
					return nil
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, k, value, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}

			swapped = true
			return nil
		},
		k,
	)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, nil
		}

		return false, fmt.Errorf("cannot swap key: %w", err)
	}

	return swapped, nil
}
