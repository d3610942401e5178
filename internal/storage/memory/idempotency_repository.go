package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// IdempotencyRepository хранит ключи Idempotency-Key для checkout и pay-later.
type IdempotencyRepository struct {
	s *Store
}

func (r *IdempotencyRepository) CreateProcessing(_ context.Context, key domain.IdempotencyKey, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	requestHash = strings.TrimSpace(requestHash)
	if strings.TrimSpace(key.Value) == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(24 * time.Hour)
	}
	scope := key.Scope()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.idempotency[scope]; ok {
		if existing.RequestHash != requestHash {
			return cloneIdempotencyRecord(existing), domain.ErrIdempotencyHashMismatch
		}
		return cloneIdempotencyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.IdempotencyRecord{
		Key:         scope,
		Operation:   key.Operation,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.s.idempotency[scope] = record
	return cloneIdempotencyRecord(record), nil
}

func (r *IdempotencyRepository) Get(_ context.Context, scope string) (domain.IdempotencyRecord, error) {
	if scope == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	record, ok := r.s.idempotency[scope]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneIdempotencyRecord(record), nil
}

func (r *IdempotencyRepository) MarkDone(_ context.Context, scope string, responseBody []byte, httpStatus int) error {
	return r.markStatus(scope, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *IdempotencyRepository) MarkFailed(_ context.Context, scope string, responseBody []byte, httpStatus int) error {
	return r.markStatus(scope, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// Release освобождает ключ незавершённого запроса; завершённые записи не трогает.
func (r *IdempotencyRepository) Release(_ context.Context, scope string) error {
	if scope == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if record, ok := r.s.idempotency[scope]; ok && record.Status == domain.IdempotencyStatusProcessing {
		delete(r.s.idempotency, scope)
	}
	return nil
}

// DeleteExpired удаляет записи с истёкшим TTL, самые старые первыми.
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (domain.IdempotencyPurge, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	return r.purge(limit, func(rec domain.IdempotencyRecord) (time.Time, bool) {
		return rec.TTLAt, !rec.TTLAt.After(before)
	}), nil
}

// ReleaseStale удаляет зависшие processing-записи: обработчик упал, не сохранив ответ.
func (r *IdempotencyRepository) ReleaseStale(_ context.Context, startedBefore time.Time, limit int) (domain.IdempotencyPurge, error) {
	return r.purge(limit, func(rec domain.IdempotencyRecord) (time.Time, bool) {
		return rec.CreatedAt, rec.Status == domain.IdempotencyStatusProcessing && rec.CreatedAt.Before(startedBefore)
	}), nil
}

func (r *IdempotencyRepository) purge(limit int, match func(domain.IdempotencyRecord) (time.Time, bool)) domain.IdempotencyPurge {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	type candidate struct {
		scope string
		op    string
		at    time.Time
	}
	var candidates []candidate
	for scope, record := range r.s.idempotency {
		if at, ok := match(record); ok {
			candidates = append(candidates, candidate{scope: scope, op: record.Operation, at: at})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	purged := domain.IdempotencyPurge{}
	for _, c := range candidates {
		delete(r.s.idempotency, c.scope)
		purged.Add(c.op, 1)
	}
	return purged
}

func (r *IdempotencyRepository) markStatus(scope string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	if scope == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.idempotency[scope]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}

	record.Status = status
	record.ResponseBody = append([]byte(nil), responseBody...)
	record.HTTPStatus = httpStatus
	record.UpdatedAt = time.Now().UTC()
	r.s.idempotency[scope] = record
	return nil
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
