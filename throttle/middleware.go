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

package throttle

import (
	"errors"
	"net/http"
	"strconv"

	"go.gearno.de/throttle/clientip"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/log"
)

var (
	// ErrTooManyRequests is the error rendered to blocked clients.
	ErrTooManyRequests = errors.New("too many requests")

	errInternal = errors.New("cannot process request")
)

// Middleware returns a net/http middleware, compatible with chi, that
// accounts every identity extracted from the request and answers 429
// when any of them is over the limit. Storage failures answer 500 and
// never reach next.
func (l *Limiter) Middleware(extractor *clientip.Extractor) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(Interval.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ids, ok := extractor.FromContext(r.Context())
			if !ok {
				ids = extractor.Extract(r.Header)
				r = r.WithContext(extractor.NewContext(r.Context(), ids))
			}

			ctx := r.Context()
			if len(ids) == 0 {
				l.unidentifiedRequests.Inc()
				l.logger.DebugCtx(ctx, "admitting request without client identity",
					log.String("path", r.URL.Path),
				)
				next.ServeHTTP(w, r)
				return
			}

			blocked, err := l.CheckAll(ctx, ids)
			if err != nil {
				l.logger.ErrorCtx(ctx, "cannot check request rate", log.Error(err))
				httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
				return
			}

			if blocked {
				w.Header().Set("Retry-After", retryAfter)
				httpserver.RenderError(w, http.StatusTooManyRequests, ErrTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
