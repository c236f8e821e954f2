package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/response"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// UserStore регистрирует пользователя при первом обращении.
type UserStore interface {
	EnsureUser(ctx context.Context, userID, email string) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// EnsureUserMiddleware создаёт запись пользователя, если её ещё нет, и дополняет
// Principal текущим тарифом. Должен стоять после JWTMiddleware.
func EnsureUserMiddleware(log *slog.Logger, users UserStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.EnsureUserMiddleware"

			p, ok := PrincipalFrom(r.Context())
			if !ok {
				log.Error("user identification missing", slog.String("op", op))
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("user identification missing"))
				return
			}
			log := log.With(slog.String("op", op), slog.String("request_id", p.RequestID))

			if err := users.EnsureUser(r.Context(), p.UserID, p.Email); err != nil {
				response.WriteError(w, r, log, "failed to register user", err)
				return
			}
			user, err := users.GetUser(r.Context(), p.UserID)
			if err != nil {
				response.WriteError(w, r, log, "failed to load user", err)
				return
			}
			p.Tier = user.Tier
			if p.Email == "" {
				p.Email = user.Email
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
