package telemetry

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.Observation("match", "stored", 12*time.Millisecond)
	m.Observation("match", "stored", 3*time.Millisecond)
	m.Observation("player", "not_ready", time.Millisecond)
	require.Equal(t, 2.0, testutil.ToFloat64(m.observations.WithLabelValues("match", "stored")))

	m.Message("getPlayer", nil)
	m.Message("getPlayer", errors.New("boom"))
	require.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("getPlayer", "error")))

	m.ClientConnected(1)
	m.ClientConnected(1)
	m.ClientConnected(-1)
	require.Equal(t, 1.0, testutil.ToFloat64(m.wsClients))

	m.AuditFindings(map[string]int{"missing_players": 3, "dateless_matches": 1})
	m.AuditFindings(map[string]int{"missing_players": 2})
	require.Equal(t, 1, testutil.CollectAndCount(m.auditFindings))
	require.Equal(t, 2.0, testutil.ToFloat64(m.auditFindings.WithLabelValues("missing_players")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.Migration("migrated")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `pitchside_migrations_total{state="migrated"} 1`), body)
	require.Contains(t, body, "go_goroutines")
}
