package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	HeaderIdempotencyKey      = "Idempotency-Key"
	HeaderIdempotencyReplayed = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 255
	storeResponseTimeout    = 5 * time.Second
)

// withIdempotency выполняет run не более одного раза на пару (пользователь, Idempotency-Key).
// Повтор с тем же запросом получает сохранённый ответ, включая ошибочный.
// Без заголовка запрос выполняется как обычно.
func (h *Handler) withIdempotency(
	w http.ResponseWriter,
	r *http.Request,
	operation string,
	requestParts []string,
	run func() (int, any, error),
) {
	rawKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if h.idempotency == nil || rawKey == "" {
		status, body, err := run()
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		respondJSON(w, status, body)
		return
	}
	if len(rawKey) > maxIdempotencyKeyLength {
		respondError(w, http.StatusBadRequest, "validation_failed", "Idempotency-Key is too long")
		return
	}

	ctx := r.Context()
	key := domain.IdempotencyKey{Operation: operation, UserID: currentUser(r).ID, Value: rawKey}
	scope := key.Scope()
	requestHash := domain.HashRequest(requestParts...)
	logger := h.logger.WithFields(log.Fields{"operation": operation, "idempotency_key": rawKey})

	record, err := h.idempotency.CreateProcessing(ctx, key, requestHash, h.now().UTC().Add(h.cfg.IdempotencyTTL))
	if err != nil {
		h.replayIdempotency(w, r, logger, record, err)
		return
	}

	// Ключ без сохранённого ответа освобождается: паника в run или сбой записи не блокируют повтор.
	stored := false
	defer func() {
		if !stored {
			h.releaseIdempotency(logger, scope)
		}
	}()

	status, body, runErr := run()
	if runErr != nil {
		var errBody ErrorResponse
		status, errBody = errorBody(runErr)
		stored = h.storeIdempotentResponse(logger, scope, status, errBody, true)
		h.respondDomainError(w, r, runErr)
		return
	}

	stored = h.storeIdempotentResponse(logger, scope, status, body, false)
	respondJSON(w, status, body)
}

func (h *Handler) replayIdempotency(w http.ResponseWriter, r *http.Request, logger *log.Entry, record domain.IdempotencyRecord, createErr error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		respondError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
			"Idempotency-Key is already used with a different request")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone, domain.IdempotencyStatusFailed:
			if record.HTTPStatus == 0 || len(record.ResponseBody) == 0 {
				logger.Warn("idempotency record has no stored response")
				respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderIdempotencyReplayed, "true")
			w.WriteHeader(record.HTTPStatus)
			_, _ = w.Write(record.ResponseBody)
		case domain.IdempotencyStatusProcessing:
			respondError(w, http.StatusConflict, "idempotency_in_flight",
				"request with the same Idempotency-Key is already processing")
		default:
			logger.WithField("status", record.Status).Warn("unknown idempotency record status")
			respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}
	default:
		h.respondDomainError(w, r, createErr)
	}
}

// storeIdempotentResponse сохраняет ответ и сообщает, удалось ли это.
func (h *Handler) storeIdempotentResponse(logger *log.Entry, scope string, status int, body any, failed bool) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		logger.WithError(err).Warn("failed to encode idempotent response")
		return false
	}
	// Запись не должна зависеть от отмены клиентского запроса.
	ctx, cancel := context.WithTimeout(context.Background(), storeResponseTimeout)
	defer cancel()

	if failed {
		err = h.idempotency.MarkFailed(ctx, scope, payload, status)
	} else {
		err = h.idempotency.MarkDone(ctx, scope, payload, status)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
		return false
	}
	return true
}

// releaseIdempotency снимает processing-ключ, для которого ответ так и не сохранён.
func (h *Handler) releaseIdempotency(logger *log.Entry, scope string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeResponseTimeout)
	defer cancel()

	if err := h.idempotency.Release(ctx, scope); err != nil {
		logger.WithError(err).Warn("failed to release idempotency key")
		return
	}
	logger.Warn("idempotency key released without stored response")
}
