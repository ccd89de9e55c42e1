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

package pg

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// collector exports pgxpool statistics. Values are read from the
	// pool on every scrape.
	collector struct {
		pool    *pgxpool.Pool
		metrics []poolMetric
	}

	poolMetric struct {
		desc      *prometheus.Desc
		valueType prometheus.ValueType
		value     func(*pgxpool.Stat) float64
	}
)

var _ prometheus.Collector = (*collector)(nil)

func newCollector(pool *pgxpool.Pool, labels prometheus.Labels) *collector {
	counter := func(name, help string, value func(*pgxpool.Stat) float64) poolMetric {
		return poolMetric{
			desc:      prometheus.NewDesc("pgxpool_"+name, help, nil, labels),
			valueType: prometheus.CounterValue,
			value:     value,
		}
	}

	gauge := func(name, help string, value func(*pgxpool.Stat) float64) poolMetric {
		return poolMetric{
			desc:      prometheus.NewDesc("pgxpool_"+name, help, nil, labels),
			valueType: prometheus.GaugeValue,
			value:     value,
		}
	}

	return &collector{
		pool: pool,
		metrics: []poolMetric{
			counter(
				"acquire_total",
				"Cumulative count of successful acquires from the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquireCount()) },
			),
			counter(
				"acquire_duration_seconds",
				"Total duration of all successful acquires from the pool in seconds.",
				func(s *pgxpool.Stat) float64 { return s.AcquireDuration().Seconds() },
			),
			counter(
				"canceled_acquire_total",
				"Cumulative count of acquires from the pool that were canceled by a context.",
				func(s *pgxpool.Stat) float64 { return float64(s.CanceledAcquireCount()) },
			),
			counter(
				"empty_acquire_total",
				"Cumulative count of acquires that waited for a connection because the pool was empty.",
				func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) },
			),
			counter(
				"new_connections_total",
				"Cumulative count of new connections opened.",
				func(s *pgxpool.Stat) float64 { return float64(s.NewConnsCount()) },
			),
			gauge(
				"acquired_connections",
				"Number of currently acquired connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) },
			),
			gauge(
				"idle_connections",
				"Number of currently idle connections in the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) },
			),
			gauge(
				"max_connections",
				"Maximum size of the pool.",
				func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) },
			),
			gauge(
				"total_connections",
				"Number of connections currently in the pool, constructing, acquired or idle.",
				func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) },
			),
		},
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()

	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(stat))
	}
}
