package httpapi

import (
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// paymentWebhook принимает события провайдера. Любой исход, кроме ошибки подписи
// или хранилища, подтверждается 200, чтобы провайдер не повторял доставку.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondDomainError(w, r, fmt.Errorf("read webhook body: %w", domain.ErrValidation))
		return
	}

	signature := r.Header.Get(h.cfg.SignatureHeader)
	if signature == "" {
		h.metrics.RecordWebhookRejected()
		respondError(w, http.StatusBadRequest, "invalid_signature", "missing "+h.cfg.SignatureHeader+" header")
		return
	}

	res, err := h.webhooks.HandleEvent(r.Context(), payload, signature)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	h.logger.WithFields(log.Fields{
		"event_id":   res.EventID,
		"event_type": res.EventType,
		"order_id":   res.OrderID,
		"outcome":    res.Outcome,
	}).Debug("payment webhook acknowledged")
	respondJSON(w, http.StatusOK, toWebhookAck(res))
}
