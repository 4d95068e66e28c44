package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/notiq/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	at   = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dead = domain.JobEvent{JobID: "j1", EventType: domain.InvoiceRequest, From: domain.Active, To: domain.Dead, Attempt: 3, Error: "550", At: at}
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	var a, c []domain.JobEvent
	unsub := b.Subscribe(func(ev domain.JobEvent) { a = append(a, ev) })
	b.Subscribe(func(ev domain.JobEvent) { c = append(c, ev) })

	b.Emit(dead)
	unsub()
	b.Emit(dead)

	assert.Len(t, a, 1)
	assert.Len(t, c, 2)

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Emit(dead) })
}

func TestLogHandlerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := LogHandler(zap.New(core))

	h(dead)
	h(domain.JobEvent{JobID: "j2", From: domain.Active, To: domain.Pending, At: at})
	h(domain.JobEvent{JobID: "j3", From: domain.Pending, To: domain.Active, At: at})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "job dead-lettered", entries[0].Message)
	assert.Equal(t, "550", entries[0].ContextMap()["error"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
}

// gather returns the value of every sample of name keyed by its label values.
func gather(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetValue())
			}
			v := m.GetGauge().GetValue()
			if m.GetCounter() != nil {
				v = m.GetCounter().GetValue()
			}
			out[strings.Join(labels, ",")] = v
		}
	}
	return out
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Handler()(dead)
	m.Handler()(dead)
	assert.Equal(t, map[string]float64{"invoice_request,dead": 2}, gather(t, reg, "notiq_job_transitions_total"))
}

func TestStatsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewStatsCollector(func(context.Context) (domain.Stats, error) {
		return domain.Stats{Counts: map[domain.State]int64{domain.Pending: 4, domain.Dead: 1}, Due: 2}, nil
	}))
	assert.Equal(t, map[string]float64{"": 1}, gather(t, reg, "notiq_store_up"))
	assert.Equal(t, map[string]float64{"": 2}, gather(t, reg, "notiq_jobs_due"))
	jobs := gather(t, reg, "notiq_jobs")
	assert.Equal(t, 4.0, jobs["pending"])
	assert.Equal(t, 1.0, jobs["dead"])
	assert.Equal(t, 0.0, jobs["active"])

	failing := prometheus.NewRegistry()
	failing.MustRegister(NewStatsCollector(func(context.Context) (domain.Stats, error) {
		return domain.Stats{}, errors.New("down")
	}))
	assert.Equal(t, map[string]float64{"": 0}, gather(t, failing, "notiq_store_up"))
	assert.Empty(t, gather(t, failing, "notiq_jobs"))
}

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, time.Millisecond)
	hub.Handler()(dead)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got domain.JobEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, dead, got)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, time.Millisecond)
}

func TestHubChecksOrigin(t *testing.T) {
	hub := NewHub(zap.NewNop(), []string{"https://ops.example/"})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	for origin, ok := range map[string]bool{
		"":                                 true,
		srv.URL:                            true,
		"https://ops.example":              true,
		"https://OPS.example":              true,
		"http://evil.example":              false,
		"https://ops.example.evil.example": false,
	} {
		h := http.Header{}
		if origin != "" {
			h.Set("Origin", origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, h)
		if !ok {
			require.ErrorIs(t, err, websocket.ErrBadHandshake, origin)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode, origin)
			resp.Body.Close()
			continue
		}
		require.NoError(t, err, origin)
		require.NoError(t, conn.Close())
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, time.Millisecond)
}
