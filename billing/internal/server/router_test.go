package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/controlplane/billing/internal/ratelimit"
	"github.com/telhawk-systems/controlplane/billing/internal/webhook"
	"github.com/telhawk-systems/controlplane/billing/pkg/publisher"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/messaging"
	"github.com/telhawk-systems/controlplane/common/messaging/memory"
	"github.com/telhawk-systems/controlplane/common/signature"
)

func newTestRouter(t *testing.T) (http.Handler, *memory.Broker, *signature.Signer) {
	t.Helper()
	return newThrottledRouter(t, nil)
}

func newThrottledRouter(t *testing.T, throttle *Throttle) (http.Handler, *memory.Broker, *signature.Signer) {
	t.Helper()
	b := memory.New()
	p, err := publisher.New(b, []string{messaging.QueueProvisioning}, publisher.DefaultRetryPolicy(), logging.Discard())
	require.NoError(t, err)
	signer := signature.NewSigner("secret", signature.DefaultTolerance)
	return NewRouter(webhook.NewHandler(p, signer, logging.Discard()), b, throttle, logging.Discard()), b, signer
}

func TestRouter_Webhook(t *testing.T) {
	router, b, signer := newTestRouter(t)
	body := []byte(`{"id":"evt_1","type":"customer.subscription.created","data":{"tenant_ref":"t-42","plan":"pro"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(signature.Header, signer.Sign(time.Now(), body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
	assert.Equal(t, 1, b.Stats(messaging.QueueProvisioning).Ready)
}

func TestRouter_WebhookRejectsGet(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/payments", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_Readiness(t *testing.T) {
	router, b, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	b.SetConnected(false)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not connected to message broker")
}

func TestRouter_Health(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_WebhookRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	throttle := &Throttle{Limiter: ratelimit.NewRedis(rdb, 1, time.Minute), Window: time.Minute}
	router, b, signer := newThrottledRouter(t, throttle)

	send := func() *httptest.ResponseRecorder {
		body := []byte(`{"id":"evt_rl","type":"customer.subscription.created","data":{"tenant_ref":"t-42","plan":"pro"}}`)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
		req.Header.Set(signature.Header, signer.Sign(time.Now(), body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, b.Stats(messaging.QueueProvisioning).Ready)

	// health endpoints are never throttled
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
