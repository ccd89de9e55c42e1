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

package throttled

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.gearno.de/throttle/throttle"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
	"go.gearno.de/throttle/storage/breaker"
	"go.gearno.de/throttle/storage/memory"
	"go.gearno.de/throttle/storage/pgstore"
	"go.gearno.de/throttle/storage/redisstore"
	"go.opentelemetry.io/otel/trace"
)

type (
	// backend is a configured storage with its housekeeping.
	backend struct {
		storage throttle.Storage

		// janitor removes stale entries; nil when the backend
		// expires them itself.
		janitor         func(context.Context) (int64, error)
		janitorInterval time.Duration

		close func()
	}
)

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newBackend(
	ctx context.Context,
	cfg Config,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (*backend, error) {
	var (
		b   *backend
		err error
	)

	switch cfg.Storage.Backend {
	case BackendMemory, "":
		b = newMemoryBackend(cfg.Storage.Memory)
	case BackendRedis:
		b, err = newRedisBackend(ctx, cfg.Storage.Redis)
	case BackendPostgres:
		b, err = newPostgresBackend(ctx, cfg.Storage.Postgres, logger, registerer, tp)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if err != nil {
		return nil, err
	}

	if cfg.Breaker.Enabled {
		b.storage = breaker.New(
			b.storage,
			breaker.WithName(cfg.Storage.Backend),
			breaker.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			breaker.WithOpenTimeout(secs(cfg.Breaker.OpenTimeout)),
			breaker.WithHalfOpenRequests(cfg.Breaker.HalfOpenRequests),
			breaker.WithLogger(logger),
			breaker.WithRegisterer(registerer),
		)
	}

	return b, nil
}

func newMemoryBackend(cfg MemoryConfig) *backend {
	s := memory.New(memory.WithTTL(secs(cfg.TTL)))

	return &backend{
		storage: s,
		janitor: func(context.Context) (int64, error) {
			return int64(s.Sweep()), nil
		},
		janitorInterval: secs(cfg.SweepInterval),
		close:           func() {},
	}
}

func newRedisBackend(ctx context.Context, cfg RedisConfig) (*backend, error) {
	client := redis.NewClient(
		&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
	)

	s := redisstore.New(
		client,
		redisstore.WithPrefix(cfg.Prefix),
		redisstore.WithTTL(secs(cfg.TTL)),
		redisstore.WithVolatileTTL(secs(cfg.VolatileTTL)),
	)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &backend{
		storage: s,
		close:   func() { _ = client.Close() },
	}, nil
}

func newPostgresBackend(
	ctx context.Context,
	cfg PostgresConfig,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (*backend, error) {
	client, err := pg.NewClient(
		pg.WithAddr(cfg.Addr),
		pg.WithUser(cfg.User),
		pg.WithPassword(cfg.Password),
		pg.WithDatabase(cfg.Database),
		pg.WithPoolSize(cfg.PoolSize),
		pg.WithLogger(logger),
		pg.WithRegisterer(registerer),
		pg.WithTracerProvider(tp),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create pg client: %w", err)
	}

	if err := pgstore.Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, err
	}

	s := pgstore.New(client)
	purgeAfter := secs(cfg.PurgeAfter)

	return &backend{
		storage: s,
		janitor: func(ctx context.Context) (int64, error) {
			return s.Purge(ctx, purgeAfter)
		},
		janitorInterval: secs(cfg.PurgeInterval),
		close:           client.Close,
	}, nil
}

// runJanitor calls the backend janitor every interval until ctx is
// canceled.
func (b *backend) runJanitor(ctx context.Context, logger *log.Logger) {
	if b.janitor == nil || b.janitorInterval <= 0 {
		return
	}

	ticker := time.NewTicker(b.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.janitor(ctx)
			if err != nil {
				logger.ErrorCtx(ctx, "cannot remove stale throttle entries", log.Error(err))
				continue
			}

			if n > 0 {
				logger.DebugCtx(ctx, "removed stale throttle entries", log.Int64("count", n))
			}
		}
	}
}
