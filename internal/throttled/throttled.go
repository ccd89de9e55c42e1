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

// Package throttled is the throttling front daemon: it accounts every
// request by the client identities found in its forwarding headers,
// rejects clients over their budget and forwards the others to an
// upstream, or echoes them back when no upstream is configured.
package throttled

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/throttle"
	"go.gearno.de/throttle/clientip"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/unit"
	"go.opentelemetry.io/otel/trace"
)

type (
	Throttled struct {
		cfg Config
	}

	echoResponse struct {
		Method     string              `json:"method"`
		Path       string              `json:"path"`
		Identities []clientip.Identity `json:"identities"`
	}
)

var (
	_ unit.Runnable        = (*Throttled)(nil)
	_ unit.Configurable    = (*Throttled)(nil)
	_ unit.EnvConfigurable = (*Throttled)(nil)
)

func New() *Throttled {
	return &Throttled{cfg: defaultConfig()}
}

func (t *Throttled) GetConfiguration() any {
	return &t.cfg
}

func (t *Throttled) ApplyEnv(lookup func(string) (string, bool)) error {
	return t.cfg.applyEnv(lookup)
}

func (t *Throttled) Run(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	logger = logger.Named("throttled")

	b, err := newBackend(ctx, t.cfg, logger, registerer, tp)
	if err != nil {
		return fmt.Errorf("cannot create %q storage: %w", t.cfg.Storage.Backend, err)
	}
	defer b.close()

	extractor, handler, err := t.newHandler(b.storage, logger, registerer, tp)
	if err != nil {
		return err
	}

	server := httpserver.NewServer(
		t.cfg.Addr,
		handler,
		httpserver.WithLogger(logger),
		httpserver.WithRegisterer(registerer),
		httpserver.WithTracerProvider(tp),
		httpserver.WithClientIPExtractor(extractor),
	)

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", server.Addr, err)
	}
	defer listener.Close()

	wg := sync.WaitGroup{}
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runJanitor(janitorCtx, logger)
	}()

	serverErrCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info(
		"throttled started",
		log.String("addr", server.Addr),
		log.String("storage", t.cfg.Storage.Backend),
		log.Int("requests_per_minute", t.cfg.RequestsPerMinute),
	)

	select {
	case err = <-serverErrCh:
	case <-ctx.Done():
	}

	stopJanitor()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err2 := server.Shutdown(shutdownCtx); err2 != nil {
		return errors.Join(err, fmt.Errorf("cannot shutdown http server: %w", err2))
	}

	return err
}

// newHandler builds the router: every route goes through the throttle
// middleware before reaching the upstream or the echo handler.
func (t *Throttled) newHandler(
	storage throttle.Storage,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (*clientip.Extractor, http.Handler, error) {
	extractorOptions := []clientip.Option{
		clientip.WithLogger(logger),
		clientip.WithRegisterer(registerer),
	}
	if len(t.cfg.Headers) > 0 {
		extractorOptions = append(extractorOptions, clientip.WithHeaders(t.cfg.Headers...))
	}

	extractor, err := clientip.New(extractorOptions...)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create client ip extractor: %w", err)
	}

	limiterOptions := []throttle.Option{
		throttle.WithLogger(logger),
		throttle.WithRegisterer(registerer),
		throttle.WithTracerProvider(tp),
		throttle.WithNamespace(t.cfg.Namespace),
	}
	if t.cfg.AtomicUpdates {
		limiterOptions = append(limiterOptions, throttle.WithAtomicUpdates())
	}

	limiter, err := throttle.New(storage, t.cfg.RequestsPerMinute, limiterOptions...)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot create limiter: %w", err)
	}

	var next http.Handler = echoHandler(extractor)
	if t.cfg.Upstream != "" {
		next, err = proxyHandler(t.cfg.Upstream, logger)
		if err != nil {
			return nil, nil, err
		}
	}

	router := chi.NewRouter()
	router.Use(limiter.Middleware(extractor))
	router.Handle("/*", next)

	return extractor, router, nil
}

func echoHandler(extractor *clientip.Extractor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderJSON(
			w,
			http.StatusOK,
			echoResponse{
				Method:     r.Method,
				Path:       r.URL.Path,
				Identities: extractor.FromRequest(r),
			},
		)
	})
}

func proxyHandler(upstream string, logger *log.Logger) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", upstream)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.ErrorCtx(r.Context(), "cannot reach upstream", log.Error(err))
		httpserver.RenderError(w, http.StatusBadGateway, errors.New("upstream unavailable"))
	}

	return proxy, nil
}
