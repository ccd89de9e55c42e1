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

// Package clientip derives client identities from the proxy
// forwarding headers of an HTTP request.
//
// Headers are read in a configurable trust order. Every header value
// is split on commas, each token is trimmed and kept only when it is
// a valid IPv4 or IPv6 literal. The result is deduplicated across all
// headers, in first-seen order:
//
//	extractor, err := clientip.New()
//	if err != nil {
//	    return err
//	}
//
//	for _, id := range extractor.Extract(r.Header) {
//	    // id is a validated client IP
//	}
//
// A request without any usable forwarding header yields no identity.
// The RemoteAddr of the connection is deliberately not used.
package clientip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/log"
)

type (
	// Identity is a validated client IP address, kept as it appeared
	// in the header.
	Identity string

	// Option configures the Extractor during initialization.
	Option func(e *Extractor)

	contextKey struct {
		extractor *Extractor
	}

	// Extractor reads client identities from forwarding headers.
	// It holds no per-request state and is safe for concurrent use.
	Extractor struct {
		headers []string
		logger  *log.Logger

		invalidTokensTotal *prometheus.CounterVec
	}
)

// DefaultHeaders is the header trust order used when no WithHeaders
// option is given.
var DefaultHeaders = []string{
	"Forwarded",
	"Forwarded-For",
	"Client-Ip",
	"X-Forwarded",
	"X-Forwarded-For",
	"X-Cluster-Client-Ip",
}

// WithHeaders replaces the ordered list of trusted header names.
func WithHeaders(names ...string) Option {
	return func(e *Extractor) {
		e.headers = append([]string(nil), names...)
	}
}

// WithLogger sets a custom logger for the extractor.
func WithLogger(l *log.Logger) Option {
	return func(e *Extractor) {
		e.logger = l.Named("clientip")
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *Extractor) {
		e.registerMetrics(r)
	}
}

// New returns an Extractor. It fails when the header list is empty or
// contains a blank name.
func New(options ...Option) (*Extractor, error) {
	e := &Extractor{
		headers: append([]string(nil), DefaultHeaders...),
		logger:  log.NewLogger(log.WithOutput(io.Discard)),
	}

	e.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(e)
	}

	if len(e.headers) == 0 {
		return nil, fmt.Errorf("cannot create extractor: empty header list")
	}

	for i, name := range e.headers {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("cannot create extractor: blank header name at position %d", i)
		}
		e.headers[i] = http.CanonicalHeaderKey(name)
	}

	return e, nil
}

func (e *Extractor) registerMetrics(r prometheus.Registerer) {
	e.invalidTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "clientip",
			Name:      "invalid_tokens_total",
			Help:      "Total number of forwarding header tokens that are not IP addresses.",
		},
		[]string{"header"},
	)
	if err := r.Register(e.invalidTokensTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			e.invalidTokensTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Headers returns the trusted header names in trust order.
func (e *Extractor) Headers() []string {
	return append([]string(nil), e.headers...)
}

// Extract returns the distinct client identities found in h, in
// first-seen order. It never fails: tokens that are not IP addresses
// are skipped.
func (e *Extractor) Extract(h http.Header) []Identity {
	var (
		ids  []Identity
		seen = make(map[Identity]struct{})
	)

	for _, name := range e.headers {
		value := strings.Join(h.Values(name), ",")
		if value == "" {
			continue
		}

		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)

			id, ok := ParseIdentity(token)
			if !ok {
				if token != "" {
					e.invalidTokensTotal.WithLabelValues(name).Inc()
					e.logger.Debug(
						"skipping invalid forwarding token",
						log.String("header", name),
						log.String("token", strings.ToValidUTF8(token, "�")),
					)
				}
				continue
			}

			if _, found := seen[id]; found {
				continue
			}

			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	return ids
}

// NewContext returns a copy of ctx carrying ids as the identities
// extracted by e.
func (e *Extractor) NewContext(ctx context.Context, ids []Identity) context.Context {
	return context.WithValue(ctx, contextKey{e}, ids)
}

// FromContext returns the identities stored in ctx by NewContext.
func (e *Extractor) FromContext(ctx context.Context) ([]Identity, bool) {
	ids, ok := ctx.Value(contextKey{e}).([]Identity)
	return ids, ok
}

// FromRequest returns the identities already extracted for r, or
// extracts them from its headers. Wrappers store their result with
// NewContext so a request is parsed, counted and logged once.
func (e *Extractor) FromRequest(r *http.Request) []Identity {
	if ids, ok := e.FromContext(r.Context()); ok {
		return ids
	}

	return e.Extract(r.Header)
}

// ParseIdentity reports whether token is an IPv4 or IPv6 literal and
// returns it as an Identity. Zoned IPv6 addresses are rejected.
func ParseIdentity(token string) (Identity, bool) {
	addr, err := netip.ParseAddr(token)
	if err != nil || addr.Zone() != "" {
		return "", false
	}

	return Identity(token), true
}

func (id Identity) String() string {
	return string(id)
}
