package server

import (
	"net/http"
	"time"

	"github.com/telhawk-systems/controlplane/billing/internal/ratelimit"
	"github.com/telhawk-systems/controlplane/billing/internal/webhook"
	"github.com/telhawk-systems/controlplane/common/httputil"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
)

// Throttle limits webhook requests per client. A nil Throttle disables limiting.
type Throttle struct {
	Limiter ratelimit.Limiter
	Window  time.Duration
}

// NewRouter mounts the webhook endpoint next to the operational endpoints.
func NewRouter(h *webhook.Handler, broker messaging.Broker, throttle *Throttle, logger *logging.Logger) http.Handler {
	r := httputil.NewRouter(logger, map[string]httputil.ReadinessCheck{
		"broker": messaging.ReadinessCheck(broker),
	})
	var webhooks http.Handler = h
	if throttle != nil {
		webhooks = ratelimit.Middleware(throttle.Limiter, "webhooks", throttle.Window, logger)(h)
	}
	r.Method(http.MethodPost, "/webhooks/payments", webhooks)
	return r
}
