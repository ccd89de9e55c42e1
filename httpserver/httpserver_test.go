package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/clientip"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func setupTracerProvider(t *testing.T) (trace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		otel.SetTracerProvider(noop.NewTracerProvider())
	})

	return tp, recorder
}

func TestServer_BasicOperation(t *testing.T) {
	tp, _ := setupTracerProvider(t)

	var logBuf bytes.Buffer
	registry := prometheus.NewRegistry()

	router := chi.NewRouter()
	router.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		RenderJSON(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id")})
	})

	server := NewServer(":8080", router,
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(registry),
		WithTracerProvider(tp),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/items/42", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "42", body["id"])

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "http_request_method")
	assert.Contains(t, logOutput, "/items/42")
	assert.Contains(t, logOutput, "test-agent")
	assert.Contains(t, logOutput, "200")

	families, err := registry.Gather()
	require.NoError(t, err)

	var pathLabel string
	for _, mf := range families {
		if mf.GetName() != "http_server_requests_total" {
			continue
		}
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			if lp.GetName() == "path" {
				pathLabel = lp.GetValue()
			}
		}
	}
	assert.Equal(t, "/items/{id}", pathLabel)
}

func TestServer_ClientIPs(t *testing.T) {
	var logBuf bytes.Buffer

	extractor, err := clientip.New(clientip.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	server := NewServer(":8080",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
		WithClientIPExtractor(extractor),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, garbage")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, logBuf.String(), "http_request_client_ips")
	assert.Contains(t, logBuf.String(), "203.0.113.7")
	assert.NotContains(t, logBuf.String(), "garbage")
}

func TestServer_PanicHandling(t *testing.T) {
	tp, recorder := setupTracerProvider(t)

	var logBuf bytes.Buffer

	server := NewServer(":8080",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(errors.New("test panic"))
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(tp),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	ctx, root := tp.Tracer("test").Start(t.Context(), "client")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/panic", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	root.End()

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body["error"])

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "/panic")
	assert.Contains(t, logOutput, "500")
	assert.Contains(t, logOutput, "test panic")
	assert.Contains(t, logOutput, "stacktrace")

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() == "GET /panic" {
			found = true
			assert.Equal(t, "Error", span.Status().Code.String())
		}
	}
	assert.True(t, found)

	assert.NotPanics(t, func() {
		resp, err := http.Get(ts.URL + "/panic")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestServer_Health(t *testing.T) {
	var logBuf bytes.Buffer

	server := NewServer(":8080",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called for the health endpoint")
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ts := httptest.NewServer(server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("content-type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", strings.TrimSpace(string(body)))
	assert.NotContains(t, logBuf.String(), "/health")
}

func TestServer_ErrorStatusIsLoggedAsError(t *testing.T) {
	var logBuf bytes.Buffer

	server := NewServer(":8080",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}),
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/upstream", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, logBuf.String(), `"level":"ERROR"`)
}

func TestRenderError(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, http.StatusTooManyRequests, errors.New("slow down"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "too_many_requests", body["error"])
	assert.Equal(t, "slow down", body["message"])
}
