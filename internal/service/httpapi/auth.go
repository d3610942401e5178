package httpapi

import (
	"context"
	"net/http"
	"strings"
)

// Заголовки, которые выставляет внешний слой аутентификации (gateway).
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	roleAdmin = "admin"
)

// User аутентифицированный пользователь запроса.
type User struct {
	ID    string
	Admin bool
}

type userContextKey struct{}

// UserFromContext возвращает пользователя, найденного middleware Authenticate.
func UserFromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userContextKey{}).(User)
	return user, ok && user.ID != ""
}

// ContextWithUser кладёт пользователя в контекст.
func ContextWithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// Authenticate читает идентификатор пользователя и роль из заголовков.
// Запрос без пользователя проходит дальше; доступ ограничивают RequireUser и RequireAdmin.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		user := User{
			ID:    userID,
			Admin: strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderUserRole)), roleAdmin),
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}

// RequireUser отвечает 401 на запросы без пользователя.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin отвечает 401 без пользователя и 403 для не-администратора.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
			return
		}
		if !user.Admin {
			respondError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func currentUser(r *http.Request) User {
	user, _ := UserFromContext(r.Context())
	return user
}
