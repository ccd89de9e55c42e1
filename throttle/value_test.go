package throttle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"42", 42},
		{"-59", -59},
		{" 17 ", 17},
		{"+8", 8},
		{"12.7", 12},
		{"-3.9", -3},
		{"1e3", 1000},
		{"7 apples", 7},
		{"-12abc", -12},
		{"abc", 0},
		{"--1", 0},
		{"99999999999999999999", math.MaxInt64},
		{"-99999999999999999999", math.MinInt64},
		{"99999999999999999999xyz", math.MaxInt64},
		{"NaN", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in), "parseValue(%q)", tt.in)
	}
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "-59", formatValue(-59))
	assert.Equal(t, "1700000000", formatValue(1700000000))
}

func TestSaturatingArithmetic(t *testing.T) {
	assert.Equal(t, int64(5), addSat(2, 3))
	assert.Equal(t, int64(math.MaxInt64), addSat(math.MaxInt64, 1))
	assert.Equal(t, int64(math.MinInt64), addSat(math.MinInt64, -1))
	assert.Equal(t, int64(-1), addSat(math.MaxInt64, math.MinInt64))

	assert.Equal(t, int64(-1), subSat(2, 3))
	assert.Equal(t, int64(math.MinInt64), subSat(math.MinInt64+1, 120))
	assert.Equal(t, int64(math.MaxInt64), subSat(0, math.MinInt64))
	assert.Equal(t, int64(math.MaxInt64), subSat(math.MaxInt64, -1))

	assert.Equal(t, int64(0), mulSat(0, math.MaxInt64))
	assert.Equal(t, int64(120), mulSat(2, 60))
	assert.Equal(t, int64(math.MaxInt64), mulSat(2, math.MaxInt64/2+1))

	assert.Equal(t, int64(7), absSat(-7))
	assert.Equal(t, int64(math.MaxInt64), absSat(math.MinInt64))
}
