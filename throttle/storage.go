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
	"context"
	"errors"
)

type (
	// Storage is the key-value store holding throttle state. Values
	// are opaque strings; the last write to a key wins.
	Storage interface {
		// LoadStatus returns the value last saved under
		// (namespace, key). ok is false when nothing was ever
		// saved.
		LoadStatus(ctx context.Context, namespace, key string) (value string, ok bool, err error)

		// SaveStatus stores value under (namespace, key). volatile
		// hints that the value does not need durability nor
		// versioning.
		SaveStatus(ctx context.Context, namespace, key, value string, volatile bool) error
	}

	// CompareAndSwapper is implemented by storages able to replace a
	// value only if it still holds what the caller loaded.
	CompareAndSwapper interface {
		// CompareAndSwapStatus stores value under (namespace, key)
		// if the current value equals old, or if the key is absent
		// and oldOK is false. It reports whether the value was
		// stored.
		CompareAndSwapStatus(ctx context.Context, namespace, key, old string, oldOK bool, value string) (bool, error)
	}
)

var (
	// ErrStorage wraps every storage failure returned by the
	// limiter.
	ErrStorage = errors.New("throttle storage failure")

	// ErrInvalidConfig is returned when a limiter cannot be built.
	ErrInvalidConfig = errors.New("invalid throttle configuration")
)
