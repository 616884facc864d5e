package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestNewMonitoringService(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create disabled service with default config when nil provided", func(t *testing.T) {
		service, err := NewMonitoringService(ctx, nil)
		require.NoError(t, err)
		assert.False(t, service.IsInitialized())
		assert.Equal(t, "/metrics", service.Path())
		assert.NotNil(t, service.Meter())
	})

	t.Run("Should fail with invalid config", func(t *testing.T) {
		_, err := NewMonitoringService(ctx, &Config{Enabled: true, Path: ""})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "monitoring path cannot be empty")
	})

	t.Run("Should expose recorded counters when enabled", func(t *testing.T) {
		service, err := NewMonitoringService(ctx, &Config{Enabled: true, Path: "/metrics"})
		require.NoError(t, err)
		defer service.Shutdown(ctx)
		counter, err := service.Meter().Int64Counter("flowplane_test_total")
		require.NoError(t, err)
		counter.Add(ctx, 3, metric.WithAttributes())

		w := httptest.NewRecorder()
		service.ExporterHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "flowplane_test_total")
	})

	t.Run("Should return unavailable from the handler when disabled", func(t *testing.T) {
		service, err := NewMonitoringService(ctx, DefaultConfig())
		require.NoError(t, err)
		w := httptest.NewRecorder()
		service.ExporterHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
