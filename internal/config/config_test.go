package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoadDefaults(t *testing.T) {
	c, err := LoadFrom(map[string]string{"POSTGRES_DSN": "postgres://x"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, c.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, c.JobTimeout)
	assert.Equal(t, 5, c.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 4 * time.Hour}, c.RetrySchedule)
	assert.Equal(t, 100, c.GlobalRateLimit)
	assert.Equal(t, 60*time.Second, c.GlobalRateWindow)
	assert.Equal(t, 5, c.RecipientRateLimit)
	assert.Equal(t, time.Hour, c.RecipientRateWindow)
	assert.Equal(t, 10*time.Minute, c.DedupWindow)
	assert.Equal(t, time.Second, c.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, c.ReconnectMaxDelay)
	assert.Equal(t, 10, c.ReconnectMaxAttempts)
	assert.Equal(t, []string{"invoice_request"}, c.RecipientLimitedEvents)
}

func TestLoadRequiresDSN(t *testing.T) {
	_, err := LoadFrom(map[string]string{}, nil)
	require.Error(t, err)
}

func TestInvalidValuesFallBackWithWarning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c, err := LoadFrom(map[string]string{
		"POSTGRES_DSN":       "postgres://x",
		"WORKER_CONCURRENCY": "lots",
		"JOB_TIMEOUT":        "-5s",
		"GLOBAL_RATE_LIMIT":  "250",
		"DEDUP_WINDOW":       "forever",
	}, zap.New(core))
	require.NoError(t, err)

	assert.Equal(t, 5, c.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, c.JobTimeout)
	assert.Equal(t, 250, c.GlobalRateLimit)
	assert.Equal(t, 10*time.Minute, c.DedupWindow)
	assert.Equal(t, 3, logs.Len())
}

func TestRetryScheduleMustNotDecrease(t *testing.T) {
	c, err := LoadFrom(map[string]string{
		"POSTGRES_DSN":   "postgres://x",
		"RETRY_SCHEDULE": "10m,1m",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults().RetrySchedule, c.RetrySchedule)
}

func TestLimitedEventsDropsUnknown(t *testing.T) {
	c, err := LoadFrom(map[string]string{
		"POSTGRES_DSN":             "postgres://x",
		"RECIPIENT_LIMITED_EVENTS": "invoice_request,bogus,status_update",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"invoice_request", "status_update"}, c.RecipientLimitedEvents)
	assert.Len(t, c.LimitedEvents(), 2)
}

func TestBoundedValuesFallBackWithinBounds(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c, err := LoadFrom(map[string]string{
		"POSTGRES_DSN":         "postgres://x",
		"HEARTBEAT_INTERVAL":   "90s",
		"RETRY_INITIAL":        "5h",
		"COMPLETED_MAX_AGE":    "720h",
		"RECONNECT_BASE_DELAY": "1m",
	}, zap.New(core))
	require.NoError(t, err)

	assert.Equal(t, 180*time.Second, c.HeartbeatTimeout)
	assert.Greater(t, c.HeartbeatTimeout, c.HeartbeatInterval)
	assert.Equal(t, 5*time.Hour, c.RetryMax)
	assert.GreaterOrEqual(t, c.RetryMax, c.RetryInitial)
	assert.Equal(t, 720*time.Hour, c.DeadMaxAge)
	assert.Equal(t, time.Minute, c.ReconnectMaxDelay)
	assert.Equal(t, 4, logs.FilterField(zap.String("field", "HeartbeatTimeout")).Len()+
		logs.FilterField(zap.String("field", "RetryMax")).Len()+
		logs.FilterField(zap.String("field", "DeadMaxAge")).Len()+
		logs.FilterField(zap.String("field", "ReconnectMaxDelay")).Len())
}

func TestBoundedValuesKeepValidSettings(t *testing.T) {
	c, err := LoadFrom(map[string]string{
		"POSTGRES_DSN":       "postgres://x",
		"HEARTBEAT_INTERVAL": "5s",
		"HEARTBEAT_TIMEOUT":  "20s",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 20*time.Second, c.HeartbeatTimeout)
	assert.Equal(t, 4*time.Hour, c.RetryMax)
}

func TestAllowedOrigins(t *testing.T) {
	c, err := LoadFrom(map[string]string{
		"POSTGRES_DSN":           "postgres://x",
		"EVENTS_ALLOWED_ORIGINS": "https://ops.example,http://localhost:3000",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ops.example", "http://localhost:3000"}, c.EventsAllowedOrigins)
}
