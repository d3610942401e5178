package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// IdempotencyRecord хранит ответ на запрос оформления с Idempotency-Key.
type IdempotencyRecord struct {
	Key          string
	Operation    string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyKey адрес записи: операция API, владелец и значение заголовка.
type IdempotencyKey struct {
	Operation string
	UserID    string
	Value     string
}

// Scope формирует ключ хранения: один и тот же Idempotency-Key разных
// пользователей и операций не пересекается. Операция и пользователь
// записываются с префиксом длины, поэтому ':' внутри user id не склеивает ключи.
func (k IdempotencyKey) Scope() string {
	var b strings.Builder
	for _, part := range []string{k.Operation, k.UserID} {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	b.WriteString(strings.TrimSpace(k.Value))
	return b.String()
}

// IdempotencyPurge число удалённых записей по операциям API.
type IdempotencyPurge map[string]int

// Add учитывает удалённую запись операции.
func (p IdempotencyPurge) Add(operation string, n int) {
	if n != 0 {
		p[operation] += n
	}
}

// Merge добавляет счётчики другой порции.
func (p IdempotencyPurge) Merge(other IdempotencyPurge) {
	for op, n := range other {
		p.Add(op, n)
	}
}

// Total общее число удалённых записей.
func (p IdempotencyPurge) Total() int {
	total := 0
	for _, n := range p {
		total += n
	}
	return total
}

// Operations возвращает операции в стабильном порядке.
func (p IdempotencyPurge) Operations() []string {
	ops := make([]string, 0, len(p))
	for op := range p {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// HashRequest возвращает sha256 от частей запроса.
func HashRequest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
