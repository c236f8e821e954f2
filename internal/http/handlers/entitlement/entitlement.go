// Package entitlement реализует HTTP-обработчики лимитов: снимок прав,
// остаток ресурса, запись потребления и допуск задания на обработку видео.
package entitlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/response"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// Service описывает бизнес-логику лимитов.
type Service interface {
	Snapshot(ctx context.Context, userID string) (models.Entitlements, error)
	RemainingQuota(ctx context.Context, userID string, kind models.ResourceKind) (models.Quantity, error)
	RecordUsage(ctx context.Context, userID string, kind models.ResourceKind, amount int64, occurredAt time.Time) (models.UsageRecord, error)
	AdmitJob(ctx context.Context, principal models.Principal, job models.JobDescriptor) (models.JobHandle, error)
}

// Handler обрабатывает запросы к лимитам текущего пользователя.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создает новый Handler с переданными логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// UsageRequest — тело запроса на запись потребления.
type UsageRequest struct {
	Resource   string     `json:"resource" validate:"required,oneof=processing_minutes api_calls" example:"processing_minutes"`
	Amount     float64    `json:"amount" validate:"gt=0" example:"0.5"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// JobRequest — тело запроса на допуск задания.
type JobRequest struct {
	DurationSeconds float64 `json:"duration_seconds" validate:"gt=0" example:"30"`
	Resolution      int     `json:"resolution" validate:"gt=0" example:"720"`
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

// Snapshot godoc
// @Summary Снимок прав пользователя
// @Description Возвращает тариф, текущий расчётный период и остатки всех ресурсов.
// @Tags Entitlements
// @Produce json
// @Success 200 {object} response.Response{data=models.Entitlements}
// @Failure 401 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /entitlements [get]
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.entitlement.Snapshot")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	snapshot, err := h.service.Snapshot(r.Context(), p.UserID)
	if err != nil {
		response.WriteError(w, r, log, "failed to build entitlements", err)
		return
	}
	render.JSON(w, r, response.OKWithData(snapshot))
}

// Remaining godoc
// @Summary Остаток ресурса
// @Tags Entitlements
// @Produce json
// @Param resource path string true "processing_minutes или api_calls"
// @Success 200 {object} response.Response
// @Failure 422 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /entitlements/{resource} [get]
func (h *Handler) Remaining(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.entitlement.Remaining")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	kind, err := models.ParseResourceKind(chi.URLParam(r, "resource"))
	if err != nil {
		response.WriteError(w, r, log, "invalid resource", apperr.Validation("%s", err.Error()))
		return
	}

	remaining, err := h.service.RemainingQuota(r.Context(), p.UserID, kind)
	if err != nil {
		response.WriteError(w, r, log, "failed to read remaining quota", err)
		return
	}
	render.JSON(w, r, response.OKWithData(map[string]any{
		"resource":  kind,
		"remaining": remaining,
	}))
}

// RecordUsage godoc
// @Summary Записать потребление
// @Description Атомарно проверяет лимит и добавляет запись. При превышении лимита возвращает 402 с подсказкой об апгрейде.
// @Tags Entitlements
// @Accept json
// @Produce json
// @Param request body UsageRequest true "Потребление в единицах ресурса"
// @Success 200 {object} response.Response{data=models.UsageRecord}
// @Failure 400 {object} response.ErrorResponse
// @Failure 402 {object} response.UpgradeResponse
// @Failure 422 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /usage [post]
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.entitlement.RecordUsage")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req UsageRequest
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

	milli, err := models.FromUnits(req.Amount)
	if err != nil {
		response.WriteError(w, r, log, "invalid amount", apperr.Validation("%s", err.Error()))
		return
	}
	occurredAt := time.Time{}
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	rec, err := h.service.RecordUsage(r.Context(), p.UserID, models.ResourceKind(req.Resource), milli, occurredAt)
	if err != nil {
		response.WriteError(w, r, log, "usage rejected", err)
		return
	}
	render.JSON(w, r, response.OKWithData(rec))
}

// AdmitJob godoc
// @Summary Допустить задание на обработку видео
// @Description Проверяет ограничения тарифа, списывает минуты обработки и ставит задание в очередь.
// @Tags Entitlements
// @Accept json
// @Produce json
// @Param request body JobRequest true "Параметры видео"
// @Success 202 {object} response.Response{data=models.JobHandle}
// @Failure 402 {object} response.UpgradeResponse
// @Failure 422 {object} response.ErrorResponse
// @Failure 503 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /jobs [post]
func (h *Handler) AdmitJob(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.entitlement.AdmitJob")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req JobRequest
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

	handle, err := h.service.AdmitJob(r.Context(), p, models.JobDescriptor{
		ResourceKind: models.ResourceProcessingMinutes,
		Duration:     time.Duration(req.DurationSeconds * float64(time.Second)),
		Resolution:   req.Resolution,
	})
	if err != nil {
		response.WriteError(w, r, log, "job rejected", err)
		return
	}

	log.Info("job admitted", slog.String("job_id", handle.ID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response.OKWithData(handle))
}
