package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLettersTotal(t *testing.T) {
	before := testutil.ToFloat64(DeadLettersTotal.WithLabelValues("provisioning", "retry_ceiling"))
	DeadLettersTotal.WithLabelValues("provisioning", "retry_ceiling").Inc()
	after := testutil.ToFloat64(DeadLettersTotal.WithLabelValues("provisioning", "retry_ceiling"))

	assert.Equal(t, before+1, after)
}

func TestHandlerExposesCollectors(t *testing.T) {
	DeliveriesTotal.WithLabelValues("notification", "payment.failed", "ack").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "controlplane_deliveries_total"))
}
