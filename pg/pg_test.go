package pg

import (
	"testing"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/log"
)

func TestNewClient_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		wantErr string
	}{
		{"missing port", []Option{WithAddr("localhost")}, "invalid address"},
		{"non numeric port", []Option{WithAddr("localhost:pg")}, "invalid port"},
		{"port out of range", []Option{WithAddr("localhost:70000")}, "invalid port"},
		{"empty pool", []Option{WithPoolSize(0)}, "invalid pool size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			options := append(tt.options, WithRegisterer(prometheus.NewRegistry()))
			_, err := NewClient(options...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewClient_LazyConnect(t *testing.T) {
	r := prometheus.NewRegistry()

	c, err := NewClient(WithAddr("127.0.0.1:1"), WithRegisterer(r))
	require.NoError(t, err)
	defer c.Close()

	c2, err := NewClient(WithAddr("127.0.0.1:1"), WithRegisterer(r))
	require.NoError(t, err, "registering the same pool labels twice is allowed")
	defer c2.Close()
}

func TestOperationName(t *testing.T) {
	assert.Equal(t, "SELECT", operationName("  select value FROM throttle_status"))
	assert.Equal(t, "INSERT", operationName("INSERT INTO t VALUES (1)"))
	assert.Equal(t, "UNKNOWN", operationName("  "))
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, log.LevelDebug-1, logLevel(tracelog.LogLevelTrace))
	assert.Equal(t, log.LevelDebug, logLevel(tracelog.LogLevelDebug))
	assert.Equal(t, log.LevelInfo, logLevel(tracelog.LogLevelInfo))
	assert.Equal(t, log.LevelWarn, logLevel(tracelog.LogLevelWarn))
	assert.Equal(t, log.LevelError, logLevel(tracelog.LogLevelError))
	assert.Equal(t, log.LevelError, logLevel(tracelog.LogLevel(42)))
}
