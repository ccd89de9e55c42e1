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

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/throttle/clientip"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next       http.Handler
		logger     *log.Logger
		tracer     trace.Tracer
		extractor  *clientip.Extractor
		healthPath string

		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
	}
)

const (
	tracerName = "go.gearno.de/throttle/httpserver"
)

var (
	metricLabels = []string{"method", "status_code", "path"}

	internalErrorResponse = map[string]string{
		"error": "internal error",
	}
)

func newHandlerWrapper(next http.Handler, logger *log.Logger, opts *Options) *handlerWrapper {
	hw := &handlerWrapper{
		next:       next,
		logger:     logger,
		extractor:  opts.extractor,
		healthPath: opts.healthPath,
		tracer: opts.tracerProvider.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "http_server",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests served.",
			},
			metricLabels,
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_server",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			metricLabels,
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "http_server",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP responses in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
			},
			metricLabels,
		),
	}

	opts.registerer.MustRegister(hw.requestsTotal, hw.requestDuration, hw.responseSize)

	return hw
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if hw.healthPath != "" && r.URL.Path == hw.healthPath {
		RenderJSON(w, http.StatusOK, struct{}{})
		return
	}

	var (
		r2             = r.Clone(r.Context())
		ctx, clientIPs = hw.identify(r2)
		start          = time.Now()
		requestID      = r2.Header.Get("x-request-id")
		ww             = middleware.NewWrapResponseWriter(w, r2.ProtoMajor)
		logger         = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_host", r2.Host),
			log.String("http_request_path", r2.URL.Path),
			log.String("http_request_user_agent", r2.UserAgent()),
			log.String("http_request_peer_addr", r2.RemoteAddr),
			log.Strings("http_request_client_ips", clientIPs),
		)
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			logger.ErrorCtx(ctx, "cannot generate request id", log.Error(err))
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)
	ww.Header().Set("x-request-id", requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r2.Header))

		ctx, span = hw.tracer.Start(
			ctx,
			fmt.Sprintf("%s %s", r2.Method, r2.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.NetworkPeerAddress(r2.RemoteAddr),
				semconv.NetworkPeerPort(atoi(r2.URL.Port())),
				semconv.URLScheme(r2.URL.Scheme),
				attribute.String("http.method", r2.Method),
				attribute.String("http.target", r2.URL.Path),
				attribute.String("http.host", r2.Host),
				attribute.String("http.user_agent", r2.UserAgent()),
				attribute.String("http.request_id", requestID),
				attribute.StringSlice("http.client_ips", clientIPs),
			),
		)
		defer span.End()
	}

	// The route context is created here so the route pattern is
	// readable once the chi router below has matched the request.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())

	defer func() {
		duration := time.Since(start)

		rvr := recover()
		if rvr != nil {
			if rootSpan.IsRecording() {
				if err, ok := rvr.(error); ok {
					span.RecordError(err)
				}
				span.SetStatus(codes.Error, fmt.Sprintf("%v", rvr))
			}

			stack := make([]byte, 4096)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.Any("error", rvr),
				log.String("stacktrace", string(stack[:length])),
			)

			ww.Header().Set("content-type", "application/json; charset=utf-8")
			ww.WriteHeader(http.StatusInternalServerError)
			if err := json.NewEncoder(ww).Encode(internalErrorResponse); err != nil {
				logger.ErrorCtx(ctx, "cannot write internal error", log.Error(err))
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		labels := prometheus.Labels{
			"method":      r2.Method,
			"status_code": strconv.Itoa(status),
			"path":        routePattern(ctx),
		}

		hw.requestsTotal.With(labels).Inc()
		hw.requestDuration.With(labels).Observe(duration.Seconds())
		hw.responseSize.With(labels).Observe(float64(ww.BytesWritten()))

		msg := fmt.Sprintf(
			"%s %s %d %s %s",
			r2.Method,
			r2.URL.Path,
			status,
			formatSize(ww.BytesWritten()),
			duration,
		)

		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", status),
		)

		if rootSpan.IsRecording() {
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			if status > 499 && rvr == nil {
				span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
			}
		}

		if status > 499 || rvr != nil {
			logger.ErrorCtx(ctx, msg)
		} else {
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

// identify extracts the client identities of r once and stores them
// in the returned context for the handlers downstream.
func (hw *handlerWrapper) identify(r *http.Request) (context.Context, []string) {
	ctx := r.Context()
	if hw.extractor == nil {
		return ctx, nil
	}

	ids := hw.extractor.FromRequest(r)
	ips := make([]string, len(ids))
	for i, id := range ids {
		ips[i] = id.String()
	}

	return hw.extractor.NewContext(ctx, ids), ips
}

func routePattern(ctx context.Context) string {
	rctx := chi.RouteContext(ctx)
	if rctx == nil {
		return ""
	}

	return rctx.RoutePattern()
}

func formatSize(n int) string {
	switch {
	case n < 1_000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}

	return v
}
