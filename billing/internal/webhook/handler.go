package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/telhawk-systems/controlplane/billing/pkg/publisher"
	"github.com/telhawk-systems/controlplane/common/envelope"
	"github.com/telhawk-systems/controlplane/common/failure"
	"github.com/telhawk-systems/controlplane/common/httputil"
	"github.com/telhawk-systems/controlplane/common/logging"
	"github.com/telhawk-systems/controlplane/common/metrics"
	"github.com/telhawk-systems/controlplane/common/signature"
)

// MaxBodyBytes caps the accepted webhook body.
const MaxBodyBytes = 1 << 20

// Publisher is the part of the event publisher the handler needs.
type Publisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) (publisher.Ack, error)
}

// Handler serves POST /webhooks/payments.
type Handler struct {
	publisher Publisher
	signer    *signature.Signer
	logger    *logging.Logger
	now       func() time.Time
}

// NewHandler creates the webhook handler.
func NewHandler(p Publisher, signer *signature.Signer, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		publisher: p,
		signer:    signer,
		logger:    logger,
		now:       time.Now,
	}
}

// Response is the JSON body returned to the provider.
type Response struct {
	Status   string   `json:"status"`
	EventIDs []string `json:"event_ids,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.logger.WithContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		h.respond(w, "", http.StatusRequestEntityTooLarge, Response{Status: "rejected", Error: "body too large"})
		return
	}

	if err := h.signer.Verify(r.Header.Get(signature.Header), body, h.now()); err != nil {
		log.Warn("webhook signature rejected", "remote_ip", httputil.GetClientIP(r), logging.Error(err))
		h.respond(w, "", http.StatusUnauthorized, Response{Status: "rejected", Error: "invalid signature"})
		return
	}

	n, err := Decode(body)
	if err != nil {
		h.respond(w, "", http.StatusBadRequest, Response{Status: "rejected", Error: "malformed body"})
		return
	}

	envs, err := Normalize(n)
	if err != nil {
		log.Warn("webhook rejected", "provider_id", n.ID, "provider_type", n.Type, logging.Error(err))
		h.respond(w, n.Type, http.StatusBadRequest, Response{Status: "rejected", Error: err.Error()})
		return
	}
	if len(envs) == 0 {
		log.Debug("webhook ignored", "provider_id", n.ID, "provider_type", n.Type)
		h.respond(w, n.Type, http.StatusOK, Response{Status: "ignored"})
		return
	}

	ids := make([]string, 0, len(envs))
	for _, env := range envs {
		if _, err := h.publisher.Publish(r.Context(), env); err != nil {
			status := http.StatusServiceUnavailable
			if publisher.IsPermanent(err) || failure.IsPermanent(err) {
				status = http.StatusBadRequest
			}
			log.Error("webhook publish failed",
				"provider_id", n.ID,
				logging.EventID(env.EventID),
				logging.EventType(string(env.EventType)),
				logging.TenantRef(env.TenantRef),
				"status", status,
				logging.Error(err),
			)
			h.respond(w, n.Type, status, Response{Status: "failed", EventIDs: ids, Error: errorText(err)})
			return
		}
		ids = append(ids, env.EventID)
	}

	h.respond(w, n.Type, http.StatusAccepted, Response{Status: "accepted", EventIDs: ids})
}

func (h *Handler) respond(w http.ResponseWriter, providerType string, status int, resp Response) {
	if providerType == "" {
		providerType = "unknown"
	}
	metrics.WebhooksTotal.WithLabelValues(providerType, strconv.Itoa(status)).Inc()
	httputil.WriteJSON(w, status, resp)
}

func errorText(err error) string {
	var pe *publisher.PublishError
	if errors.As(err, &pe) && !pe.Permanent {
		return "broker unavailable, retry later"
	}
	return err.Error()
}
