package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCountsByStatus(t *testing.T) {
	m := New()
	ctx := t.Context()
	m.Observe(ctx, "archive", nil, time.Millisecond)
	m.Observe(ctx, "archive", nil, time.Millisecond)
	m.Observe(ctx, "archive", errors.New("boom"), time.Millisecond)
	m.Observe(ctx, "", nil, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("archive", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("archive", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.durations))
}

func TestCounters(t *testing.T) {
	m := New()
	m.Rebuild(RebuildChanged)
	m.Rebuild(RebuildUnchanged)
	m.Rebuild(RebuildChanged)
	m.Submitted("duplicate")
	m.Migrated("migrated")
	m.SetQueueDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rebuilds.WithLabelValues(RebuildChanged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rebuilds.WithLabelValues(RebuildUnchanged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submits.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.migrated.WithLabelValues("migrated")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Observe(t.Context(), "x", nil, 0)
		m.Rebuild(RebuildFailed)
		m.Submitted("normal")
		m.Migrated("failed")
		m.SetQueueDepth(1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Rebuild(RebuildChanged)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `caseledger_case_rebuilds_total{outcome="changed"} 1`)
}
