// Package webhook принимает вебхуки платёжного провайдера.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/response"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// SignatureHeader — заголовок с подписью тела запроса.
const SignatureHeader = "Stripe-Signature"

// maxBodyBytes ограничивает размер тела вебхука.
const maxBodyBytes = 1 << 20

// Ingester принимает проверенное тело вебхука.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) (models.IngestResult, error)
}

// Handler обрабатывает вебхуки.
type Handler struct {
	log      *slog.Logger
	ingester Ingester
}

// New создает новый Handler.
func New(log *slog.Logger, ingester Ingester) *Handler {
	return &Handler{
		log:      log,
		ingester: ingester,
	}
}

// ServeHTTP godoc
// @Summary Вебхук платёжного провайдера
// @Description Проверяет подпись и применяет событие к подписке. Повторная доставка подтверждается без повторного применения. На 503 провайдер должен повторить доставку.
// @Tags Webhook
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Подпись тела"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Router /webhooks/stripe [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.webhook.ServeHTTP"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("webhook body too large")
			render.Status(r, http.StatusRequestEntityTooLarge)
			render.JSON(w, r, response.Error("body too large"))
			return
		}
		log.Error("failed to read body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	result, err := h.ingester.Ingest(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		response.WriteError(w, r, log, "webhook rejected", err)
		return
	}
	render.JSON(w, r, response.OKWithData(map[string]models.IngestResult{"result": result}))
}
