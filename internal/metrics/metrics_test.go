package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tsbridge/internal/metrics"
)

func TestIncRead(t *testing.T) {
	before := testutil.ToFloat64(metrics.ReadTotal.WithLabelValues(metrics.ReadZero))
	metrics.IncRead(metrics.ReadZero)
	metrics.IncRead(metrics.ReadZero)
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ReadTotal.WithLabelValues(metrics.ReadZero)))
}

func TestAddBytes_IgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(metrics.BytesTotal.WithLabelValues(metrics.StagePushed))
	metrics.AddBytes(metrics.StagePushed, 0)
	metrics.AddBytes(metrics.StagePushed, -3)
	metrics.AddBytes(metrics.StagePushed, 188)
	assert.Equal(t, before+188, testutil.ToFloat64(metrics.BytesTotal.WithLabelValues(metrics.StagePushed)))
}

func TestIncSessionOpen(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		reason  string
		result  string
	}{
		{"success", true, "ok", "success"},
		{"filter failure", false, "filter_init", "failure"},
		{"connection failure", false, "connection", "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := metrics.SessionOpenTotal.WithLabelValues(tt.result, tt.reason)
			before := testutil.ToFloat64(c)
			metrics.IncSessionOpen(tt.success, tt.reason)
			assert.Equal(t, before+1, testutil.ToFloat64(c))
		})
	}
}

func TestPromhttpExposure(t *testing.T) {
	metrics.ObserveNetworkRead(3 * time.Millisecond)
	metrics.IncFilterOpenFailure()

	srv := httptest.NewServer(promhttp.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "tsbridge_network_read_seconds_bucket"))
	assert.True(t, strings.Contains(text, "tsbridge_filter_open_failures_total"))
}
