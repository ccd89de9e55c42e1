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

// Package pg provides the PostgreSQL connection pool used by the
// pgstore backend, with tracing, query logging and pool metrics.
package pg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client is a PostgreSQL connection pool with logging, tracing
	// and Prometheus metrics.
	Client struct {
		addr     string
		user     string
		password string
		database string

		poolSize int32

		tlsConfig *tls.Config

		queryLogLevel tracelog.LogLevel

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		registerer     prometheus.Registerer
	}

	// ExecFunc runs statements on a connection or a transaction.
	ExecFunc func(Conn) error

	// AdvisoryLock identifies a transaction level advisory lock in
	// the BaseAdvisoryLockId space.
	AdvisoryLock = uint32
)

const (
	BaseAdvisoryLockId uint32 = 42
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg.client")
	}
}

// WithAddr specifies the database address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithUser sets the database user.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

// WithPassword sets the database password.
func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

// WithDatabase specifies the database to connect to.
func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

// WithTLS enables TLS and trusts the given certificates. The server
// name is taken from the address, so WithAddr must come first.
func WithTLS(certs []*x509.Certificate) Option {
	return func(c *Client) {
		rootCAs := x509.NewCertPool()
		for _, cert := range certs {
			rootCAs.AddCert(cert)
		}

		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			host = c.addr
		}

		c.tlsConfig = &tls.Config{
			RootCAs:    rootCAs,
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
}

// WithPoolSize sets the maximum number of connections. Default is 10.
func WithPoolSize(i int32) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithQueryLogLevel logs every statement at level. Query logging is
// off by default.
func WithQueryLogLevel(level tracelog.LogLevel) Option {
	return func(c *Client) {
		c.queryLogLevel = level
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates the connection pool. Connections are opened
// lazily; use Ping to check the server is reachable.
//
// Example:
//
//	client, err := pg.NewClient(
//	    pg.WithAddr("db.example.com:5432"),
//	    pg.WithUser("throttle"),
//	    pg.WithPassword("secret"),
//	)
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		queryLogLevel:  tracelog.LogLevelNone,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > math.MaxUint16 {
		return nil, fmt.Errorf("invalid port %q", portStr)
	}

	if c.poolSize <= 0 {
		return nil, fmt.Errorf("invalid pool size %d", c.poolSize)
	}

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("cannot create pool config: %w", err)
	}

	config.ConnConfig.Host = host
	config.ConnConfig.Port = uint16(port)
	config.ConnConfig.User = c.user
	config.ConnConfig.Password = c.password
	config.ConnConfig.Database = c.database
	config.ConnConfig.TLSConfig = c.tlsConfig
	config.MinConns = 1
	config.MaxConns = c.poolSize

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(
			version.New(0).Alpha(1),
		),
	)

	config.ConnConfig.Tracer = &tracer{c.tracer}
	if c.queryLogLevel != tracelog.LogLevelNone {
		config.ConnConfig.Tracer = multitracer.New(
			&tracer{c.tracer},
			&tracelog.TraceLog{
				Logger:   &logger{c.logger},
				LogLevel: c.queryLogLevel,
			},
		)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	err = c.registerer.Register(
		newCollector(
			pool,
			prometheus.Labels{
				"database": c.database,
				"user":     c.user,
				"addr":     c.addr,
			},
		),
	)
	if err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			pool.Close()
			return nil, fmt.Errorf("cannot register pool metrics: %w", err)
		}
	}

	c.pool = pool

	return c, nil
}

// Close closes the client's connection pool, releasing all resources.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping acquires a connection and checks the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.WithConn(
		ctx,
		func(conn Conn) error {
			var one int
			if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
				return fmt.Errorf("cannot ping database: %w", err)
			}

			return nil
		},
	)
}

// traced runs fn inside a client span named name when the caller is
// already traced.
func (c *Client) traced(
	ctx context.Context,
	name string,
	fn func(context.Context) error,
	attrs ...attribute.KeyValue,
) error {
	rootSpan := trace.SpanFromContext(ctx)
	if !rootSpan.IsRecording() {
		return fn(ctx)
	}

	ctx, span := c.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		recordError(span, err)
	}

	return err
}

// WithConn executes exec with a connection from the pool.
//
// Example:
//
//	err := client.WithConn(ctx, func(conn pg.Conn) error {
//	    _, err := conn.Exec(ctx, "DELETE FROM throttle_status")
//	    return err
//	})
func (c *Client) WithConn(ctx context.Context, exec ExecFunc) error {
	return c.traced(
		ctx,
		"WithConn",
		func(ctx context.Context) error {
			conn, err := c.pool.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("cannot acquire connection: %w", err)
			}
			defer conn.Release()

			return exec(conn)
		},
	)
}

// WithTx executes exec within a transaction. The transaction is
// rolled back when exec returns an error and committed otherwise.
func (c *Client) WithTx(ctx context.Context, exec ExecFunc) error {
	return c.traced(
		ctx,
		"WithTx",
		func(ctx context.Context) error {
			return c.withTx(ctx, exec)
		},
	)
}

func (c *Client) withTx(ctx context.Context, exec ExecFunc) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(
				err,
				fmt.Errorf("cannot rollback transaction: %w", err2),
			)
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cannot commit transaction: %w", err)
	}

	return nil
}

// WithAdvisoryLock executes f in a transaction holding the advisory
// lock id. The lock is released when the transaction ends.
func (c *Client) WithAdvisoryLock(ctx context.Context, id AdvisoryLock, f ExecFunc) error {
	return c.traced(
		ctx,
		"WithAdvisoryLock",
		func(ctx context.Context) error {
			return c.withTx(
				ctx,
				func(conn Conn) error {
					q := "SELECT pg_advisory_xact_lock($1, $2)"
					if _, err := conn.Exec(ctx, q, BaseAdvisoryLockId, id); err != nil {
						return fmt.Errorf("cannot acquire advisory lock: %w", err)
					}

					return f(conn)
				},
			)
		},
		attribute.Int("lock_id", int(id)),
	)
}
