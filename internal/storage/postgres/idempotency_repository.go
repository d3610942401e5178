package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key domain.IdempotencyKey, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
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

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (
			key, operation, request_hash, status, ttl_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		scope,
		key.Operation,
		requestHash,
		string(domain.IdempotencyStatusProcessing),
		ttlAt,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := r.Get(ctx, scope)
			if getErr != nil {
				return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
			}
			if existing.RequestHash != requestHash {
				return existing, domain.ErrIdempotencyHashMismatch
			}
			return existing, domain.ErrIdempotencyKeyAlreadyExists
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("create idempotency record %s: %w", key.Operation, err)
	}

	return domain.IdempotencyRecord{
		Key:         scope,
		Operation:   key.Operation,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *idempotencyRepository) Get(ctx context.Context, scope string) (domain.IdempotencyRecord, error) {
	if scope == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		record       domain.IdempotencyRecord
		statusRaw    string
		responseBody []byte
		httpStatus   sql.NullInt64
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT key, operation, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1
	`, scope).Scan(
		&record.Key,
		&record.Operation,
		&record.RequestHash,
		&responseBody,
		&httpStatus,
		&statusRaw,
		&record.TTLAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for %s", statusRaw, record.Operation)
	}

	record.ResponseBody = append([]byte(nil), responseBody...)
	if httpStatus.Valid {
		record.HTTPStatus = int(httpStatus.Int64)
	}

	return record, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, scope string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, scope, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, scope string, responseBody []byte, httpStatus int) error {
	return r.markStatus(ctx, scope, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// Release удаляет запись, пока запрос не завершён; готовый ответ остаётся.
func (r *idempotencyRepository) Release(ctx context.Context, scope string) error {
	if scope == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND status = $2
	`, scope, string(domain.IdempotencyStatusProcessing)); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// DeleteExpired удаляет записи с истёкшим TTL пачкой не больше limit.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (domain.IdempotencyPurge, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	purged, err := r.purge(ctx, `ttl_at <= $1`, `ttl_at`, limit, before)
	if err != nil {
		return nil, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return purged, nil
}

// ReleaseStale удаляет processing-записи, начатые раньше startedBefore.
func (r *idempotencyRepository) ReleaseStale(ctx context.Context, startedBefore time.Time, limit int) (domain.IdempotencyPurge, error) {
	purged, err := r.purge(ctx, `status = 'processing' AND created_at < $1`, `created_at`, limit, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("release stale idempotency records: %w", err)
	}
	return purged, nil
}

// purge удаляет записи по условию и считает их по операциям.
func (r *idempotencyRepository) purge(ctx context.Context, where, orderBy string, limit int, at time.Time) (domain.IdempotencyPurge, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE key IN (
				SELECT key
				FROM idempotency_keys
				WHERE `+where+`
				ORDER BY `+orderBy+` ASC
				LIMIT $2
			)
			RETURNING operation
		`, at, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE `+where+`
			RETURNING operation
		`, at)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	purged := domain.IdempotencyPurge{}
	for rows.Next() {
		var operation string
		if err := rows.Scan(&operation); err != nil {
			return nil, err
		}
		purged.Add(operation, 1)
	}
	return purged, rows.Err()
}

func (r *idempotencyRepository) markStatus(ctx context.Context, scope string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	if scope == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_body = $1,
		    http_status = $2,
		    status = $3,
		    updated_at = $4
		WHERE key = $5
	`,
		responseBody,
		httpStatus,
		string(status),
		time.Now().UTC(),
		scope,
	)
	if err != nil {
		return fmt.Errorf("mark idempotency key status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}

	return nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
