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
	"fmt"
	"strconv"
	"strings"
)

type (
	Config struct {
		Addr              string        `json:"addr"`
		Upstream          string        `json:"upstream"`
		RequestsPerMinute int           `json:"requests-per-minute"`
		Namespace         string        `json:"namespace"`
		Headers           []string      `json:"headers"`
		AtomicUpdates     bool          `json:"atomic-updates"`
		Storage           StorageConfig `json:"storage"`
		Breaker           BreakerConfig `json:"breaker"`
	}

	StorageConfig struct {
		Backend  string         `json:"backend"`
		Memory   MemoryConfig   `json:"memory"`
		Redis    RedisConfig    `json:"redis"`
		Postgres PostgresConfig `json:"postgres"`
	}

	// MemoryConfig durations are in seconds.
	MemoryConfig struct {
		TTL           int `json:"ttl"`
		SweepInterval int `json:"sweep-interval"`
	}

	// RedisConfig durations are in seconds, zero disables expiry.
	RedisConfig struct {
		Addr        string `json:"addr"`
		Password    string `json:"password"`
		DB          int    `json:"db"`
		Prefix      string `json:"prefix"`
		TTL         int    `json:"ttl"`
		VolatileTTL int    `json:"volatile-ttl"`
	}

	// PostgresConfig durations are in seconds.
	PostgresConfig struct {
		Addr          string `json:"addr"`
		User          string `json:"user"`
		Password      string `json:"password"`
		Database      string `json:"database"`
		PoolSize      int32  `json:"pool-size"`
		PurgeAfter    int    `json:"purge-after"`
		PurgeInterval int    `json:"purge-interval"`
	}

	// BreakerConfig durations are in seconds.
	BreakerConfig struct {
		Enabled          bool   `json:"enabled"`
		FailureThreshold uint32 `json:"failure-threshold"`
		OpenTimeout      int    `json:"open-timeout"`
		HalfOpenRequests uint32 `json:"half-open-requests"`
	}
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

func defaultConfig() Config {
	return Config{
		Addr:              ":8080",
		RequestsPerMinute: 60,
		Namespace:         "throttle",
		Storage: StorageConfig{
			Backend: BackendMemory,
			Memory: MemoryConfig{
				TTL:           3600,
				SweepInterval: 60,
			},
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				Prefix:      "throttled",
				TTL:         86400,
				VolatileTTL: 86400,
			},
			Postgres: PostgresConfig{
				Addr:          "localhost:5432",
				User:          "postgres",
				Database:      "postgres",
				PoolSize:      10,
				PurgeAfter:    86400,
				PurgeInterval: 3600,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30,
			HalfOpenRequests: 1,
		},
	}
}

// applyEnv overrides the settings commonly injected by the
// environment, secrets first.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for key, dst := range map[string]*string{
		"ADDR":              &c.Addr,
		"UPSTREAM":          &c.Upstream,
		"STORAGE_BACKEND":   &c.Storage.Backend,
		"REDIS_ADDR":        &c.Storage.Redis.Addr,
		"REDIS_PASSWORD":    &c.Storage.Redis.Password,
		"POSTGRES_ADDR":     &c.Storage.Postgres.Addr,
		"POSTGRES_USER":     &c.Storage.Postgres.User,
		"POSTGRES_PASSWORD": &c.Storage.Postgres.Password,
		"POSTGRES_DATABASE": &c.Storage.Postgres.Database,
	} {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("REQUESTS_PER_MINUTE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REQUESTS_PER_MINUTE %q: %w", v, err)
		}
		c.RequestsPerMinute = n
	}

	if v, ok := lookup("HEADERS"); ok {
		c.Headers = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Headers = append(c.Headers, name)
			}
		}
	}

	return nil
}
