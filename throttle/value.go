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
	"math"
	"strconv"
	"strings"
)

// parseValue coerces a stored value to an integer without failing:
// integers parse as is, decimals are truncated toward zero, a leading
// numeric prefix is used when the rest is garbage, and anything else
// is zero. Out of range values saturate.
func parseValue(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	} else if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
		return i
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return truncate(f)
	}

	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}

	i, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return i
		}
		return 0
	}

	return i
}

func truncate(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}

	return int64(f)
}

// addSat, subSat and mulSat clamp to the int64 bounds instead of
// wrapping around.
func addSat(a, b int64) int64 {
	s := a + b
	if (a >= 0) == (b >= 0) && (s >= 0) != (a >= 0) {
		return saturate(a)
	}

	return s
}

func subSat(a, b int64) int64 {
	s := a - b
	if (a >= 0) != (b >= 0) && (s >= 0) != (a >= 0) {
		return saturate(a)
	}

	return s
}

// mulSat expects non-negative operands.
func mulSat(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}

	if a > math.MaxInt64/b {
		return math.MaxInt64
	}

	return a * b
}

func absSat(a int64) int64 {
	switch {
	case a == math.MinInt64:
		return math.MaxInt64
	case a < 0:
		return -a
	}

	return a
}

func saturate(sign int64) int64 {
	if sign >= 0 {
		return math.MaxInt64
	}

	return math.MinInt64
}

func formatValue(i int64) string {
	return strconv.FormatInt(i, 10)
}
