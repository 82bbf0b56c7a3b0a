package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.IncrementScans()
	m.IncrementScans()
	m.IncrementOutcome("Recorded")
	m.IncrementOutcome("AlreadyMarked")
	m.IncrementOutcome("Recorded")
	m.IncrementDecodeWarnings()
	m.IncrementCaptureError("PermissionDenied")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Scans))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("Recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("AlreadyMarked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeWarnings))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureErrors.WithLabelValues("PermissionDenied")))
}

func TestCameraActiveGauge(t *testing.T) {
	m := New()
	m.SetCameraActive(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CameraActive))
	m.SetCameraActive(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CameraActive))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IncrementScans()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Scans))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New()
	m.IncrementOutcome("Recorded")
	m.ObserveConfirm(time.Now().Add(-50 * time.Millisecond))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `rollgo_outcomes_total{kind="Recorded"} 1`)
	assert.Contains(t, string(body), "rollgo_confirm_duration_seconds_count 1")
	assert.Contains(t, string(body), "go_goroutines")
}
