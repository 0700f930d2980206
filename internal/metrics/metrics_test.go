package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentsRegisterAndCount(t *testing.T) {
	m := New()

	m.Connections.Inc()
	m.FramesIn.WithLabelValues("action").Add(3)
	m.Backpressured.Inc()
	m.BreakerState.WithLabelValues("game").Set(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FramesIn.WithLabelValues("action")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("game")))
}

func TestTwoProcessesDoNotShareRegistries(t *testing.T) {
	a, b := New(), New()
	a.Connections.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Connections))
}

func TestHandlerServesScrapes(t *testing.T) {
	m := New()
	m.EventsAppended.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "cardroom_event_appends_total 1")
}
