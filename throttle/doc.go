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

// Package throttle limits the request rate of clients identified by
// their forwarding-header IP addresses.
//
// # Algorithm
//
// Each identity owns two entries in a shared key-value store: a signed
// request count and the Unix time of its last request. On every
// request the limiter loads both, computes
//
//	minutes  = round(|now - lastTest| / 60)
//	newCount = count + 1 - minutes*perInterval
//
// stores newCount and now back, and blocks when newCount exceeds
// perInterval. Idle time therefore drains the counter, possibly below
// zero: a client that was quiet for a while gets headroom for a burst.
// The counter is never clamped and never reset by a sweeper. An
// identity without a stored timestamp starts over at a count of one.
//
// # Consistency
//
// By default the load-modify-save sequence is not atomic. Two
// concurrent requests of the same client may read the same count and
// one increment is lost, so the limiter errs on the side of admitting.
// When the storage also implements CompareAndSwapper and the limiter
// is built with WithAtomicUpdates, the count is updated with a bounded
// compare-and-swap loop instead.
//
// # Usage
//
//	limiter, err := throttle.New(store, 60,
//	    throttle.WithLogger(logger),
//	    throttle.WithRegisterer(registry),
//	)
//	if err != nil {
//	    return err
//	}
//
//	extractor, err := clientip.New()
//	if err != nil {
//	    return err
//	}
//
//	router.Use(limiter.Middleware(extractor))
//
// A request from which no identity can be extracted is always
// admitted.
//
// # Metrics
//
//   - throttle_checks_total{blocked}: per identity checks
//   - throttle_check_duration_seconds{blocked}: check latency
//   - throttle_storage_errors_total{operation}: failed loads and saves
//   - throttle_swap_conflicts_total: lost compare-and-swap races
//   - throttle_unidentified_requests_total: requests without identity
package throttle
