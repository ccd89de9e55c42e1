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
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	// tracer turns pgx trace hooks into client spans. Spans are only
	// created below an already recording span so background pool
	// activity stays out of traces.
	tracer struct {
		tracer trace.Tracer
	}
)

var (
	_ pgx.QueryTracer       = (*tracer)(nil)
	_ pgx.ConnectTracer     = (*tracer)(nil)
	_ pgxpool.AcquireTracer = (*tracer)(nil)
)

const (
	tracerName = "go.gearno.de/throttle/pg"

	// RowsAffectedKey represents the number of rows affected.
	RowsAffectedKey = attribute.Key("pgx.rows_affected")

	// SQLStateKey represents PostgreSQL error code,
	// see https://www.postgresql.org/docs/current/errcodes-appendix.html.
	SQLStateKey = attribute.Key("db.response.status_code")
)

func operationName(sql string) string {
	if fields := strings.Fields(sql); len(fields) > 0 {
		return strings.ToUpper(fields[0])
	}

	return "UNKNOWN"
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		span.SetAttributes(SQLStateKey.String(pgErr.Code))
	}
}

func (t *tracer) start(
	ctx context.Context,
	name string,
	config *pgx.ConnConfig,
	attrs ...attribute.KeyValue,
) context.Context {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx
	}

	attrs = append(attrs, semconv.DBSystemNamePostgreSQL)
	if config != nil {
		attrs = append(
			attrs,
			semconv.NetworkPeerAddress(config.Host),
			semconv.NetworkPeerPort(int(config.Port)),
		)
	}

	ctx, _ = t.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx
}

func (t *tracer) end(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	// A missing row is an expected outcome for status lookups.
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		recordError(span, err)
	}

	span.SetAttributes(attrs...)
	span.End()
}

func (t *tracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	var config *pgx.ConnConfig
	if conn != nil {
		config = conn.Config()
	}

	return t.start(
		ctx,
		"db.query",
		config,
		semconv.DBOperationName(operationName(data.SQL)),
		semconv.DBQueryText(data.SQL),
	)
}

func (t *tracer) TraceQueryEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	if data.Err != nil {
		t.end(ctx, data.Err)
		return
	}

	t.end(ctx, nil, RowsAffectedKey.Int64(data.CommandTag.RowsAffected()))
}

func (t *tracer) TraceConnectStart(
	ctx context.Context,
	data pgx.TraceConnectStartData,
) context.Context {
	return t.start(ctx, "db.connect", data.ConnConfig)
}

func (t *tracer) TraceConnectEnd(
	ctx context.Context,
	data pgx.TraceConnectEndData,
) {
	t.end(ctx, data.Err)
}

func (t *tracer) TraceAcquireStart(
	ctx context.Context,
	pool *pgxpool.Pool,
	_ pgxpool.TraceAcquireStartData,
) context.Context {
	var config *pgx.ConnConfig
	if pool != nil && pool.Config() != nil {
		config = pool.Config().ConnConfig
	}

	return t.start(ctx, "pgx.pool.acquire", config)
}

func (t *tracer) TraceAcquireEnd(
	ctx context.Context,
	_ *pgxpool.Pool,
	data pgxpool.TraceAcquireEndData,
) {
	t.end(ctx, data.Err)
}
