package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Should count requests by route template", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		router := gin.New()
		router.Use(HTTPMetrics(context.Background(), provider.Meter("test")))
		router.GET("/api/v0/runs/:run_id", func(c *gin.Context) { c.Status(http.StatusOK) })

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v0/runs/orders_1", http.NoBody))
		require.Equal(t, http.StatusOK, w.Code)

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		require.Len(t, rm.ScopeMetrics, 1)
		names := make([]string, 0)
		for _, m := range rm.ScopeMetrics[0].Metrics {
			names = append(names, m.Name)
			if m.Name == "flowplane_http_requests_total" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				require.Len(t, sum.DataPoints, 1)
				path, _ := sum.DataPoints[0].Attributes.Value("path")
				assert.Equal(t, "/api/v0/runs/:run_id", path.AsString())
			}
		}
		assert.Contains(t, names, "flowplane_http_requests_total")
		assert.Contains(t, names, "flowplane_http_request_duration_seconds")
	})
}
