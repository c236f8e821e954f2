// Package subscription реализует HTTP-обработчики управления подпиской:
// просмотр, переход на премиум, отмену, возобновление и портал оплаты.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/response"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	subsvc "github.com/magabrotheeeer/entitlement-engine/internal/services/subscription"
)

// Service описывает операции жизненного цикла подписки.
type Service interface {
	Current(ctx context.Context, userID string) (*models.Subscription, error)
	Upgrade(ctx context.Context, principal models.Principal, paymentMethodID string) (subsvc.UpgradeResult, error)
	Cancel(ctx context.Context, principal models.Principal, atPeriodEnd bool) (subsvc.Outcome, error)
	Reactivate(ctx context.Context, principal models.Principal) (subsvc.Outcome, error)
	BillingPortal(ctx context.Context, principal models.Principal, returnURL string) (string, error)
}

// Handler обрабатывает запросы к подписке текущего пользователя.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// UpgradeRequest — тело запроса на переход на премиум.
type UpgradeRequest struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required" example:"pm_card_visa"`
}

// CancelRequest — тело запроса на отмену. По умолчанию подписка
// отменяется в конце оплаченного периода.
type CancelRequest struct {
	AtPeriodEnd *bool `json:"at_period_end,omitempty" example:"true"`
}

// PortalRequest — тело запроса ссылки на портал оплаты.
type PortalRequest struct {
	ReturnURL string `json:"return_url,omitempty" validate:"omitempty,url" example:"https://app.example.com/account"`
}

// CurrentResponse — состояние подписки пользователя.
type CurrentResponse struct {
	Status       models.SubscriptionStatus `json:"status"`
	Tier         models.Tier               `json:"tier"`
	Subscription *models.Subscription      `json:"subscription,omitempty"`
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

// Current godoc
// @Summary Текущая подписка
// @Tags Subscription
// @Produce json
// @Success 200 {object} response.Response{data=CurrentResponse}
// @Failure 401 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /subscription [get]
func (h *Handler) Current(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Current")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	sub, err := h.service.Current(r.Context(), p.UserID)
	if err != nil {
		response.WriteError(w, r, log, "failed to get subscription", err)
		return
	}
	render.JSON(w, r, response.OKWithData(CurrentResponse{
		Status:       sub.State(),
		Tier:         models.TierFor(sub.State()),
		Subscription: sub,
	}))
}

// Upgrade godoc
// @Summary Перейти на премиум
// @Description Создаёт подписку у платёжного провайдера. Если провайдер сразу подтвердил оплату, подписка активна; иначе активируется по вебхуку.
// @Tags Subscription
// @Accept json
// @Produce json
// @Param request body UpgradeRequest true "Способ оплаты"
// @Success 200 {object} response.Response{data=subsvc.UpgradeResult}
// @Failure 402 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Failure 422 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /subscription/upgrade [post]
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Upgrade")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Warn("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	res, err := h.service.Upgrade(r.Context(), p, req.PaymentMethodID)
	if err != nil {
		response.WriteError(w, r, log, "upgrade failed", err)
		return
	}
	log.Info("upgrade requested", sl.UserID(p.UserID), slog.String("provider_status", res.Status))
	render.JSON(w, r, response.OKWithData(res))
}

// Cancel godoc
// @Summary Отменить подписку
// @Description По умолчанию подписка действует до конца оплаченного периода. С at_period_end=false отменяется немедленно.
// @Tags Subscription
// @Accept json
// @Produce json
// @Param request body CancelRequest false "Режим отмены"
// @Success 200 {object} response.Response{data=subsvc.Outcome}
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /subscription/cancel [post]
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Cancel")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	atPeriodEnd := true
	if req.AtPeriodEnd != nil {
		atPeriodEnd = *req.AtPeriodEnd
	}

	out, err := h.service.Cancel(r.Context(), p, atPeriodEnd)
	if err != nil {
		response.WriteError(w, r, log, "cancel failed", err)
		return
	}
	log.Info("subscription canceled", sl.UserID(p.UserID), slog.Bool("at_period_end", atPeriodEnd))
	render.JSON(w, r, response.OKWithData(out))
}

// Reactivate godoc
// @Summary Возобновить подписку
// @Description Снимает отмену в конце периода.
// @Tags Subscription
// @Produce json
// @Success 200 {object} response.Response{data=subsvc.Outcome}
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /subscription/reactivate [post]
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Reactivate")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	out, err := h.service.Reactivate(r.Context(), p)
	if err != nil {
		response.WriteError(w, r, log, "reactivate failed", err)
		return
	}
	render.JSON(w, r, response.OKWithData(out))
}

// Portal godoc
// @Summary Ссылка на портал оплаты
// @Tags Subscription
// @Accept json
// @Produce json
// @Param request body PortalRequest false "Адрес возврата"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /subscription/portal [post]
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.subscription.Portal")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Warn("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	url, err := h.service.BillingPortal(r.Context(), p, req.ReturnURL)
	if err != nil {
		response.WriteError(w, r, log, "failed to create portal session", err)
		return
	}
	render.JSON(w, r, response.OKWithData(map[string]string{"url": url}))
}
