// Package gdpr реализует HTTP-обработчики приватности: согласия, выгрузку
// данных и удаление аккаунта.
package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/entitlement-engine/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-engine/internal/http/response"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
	gdprsvc "github.com/magabrotheeeer/entitlement-engine/internal/services/gdpr"
)

// Service описывает операции приватности.
type Service interface {
	Consents(ctx context.Context, userID string) ([]models.Consent, error)
	ConsentHistory(ctx context.Context, userID string) ([]models.ConsentChange, error)
	UpdateConsent(ctx context.Context, userID string, consentType string, granted bool, meta gdprsvc.ConsentMeta) (models.ConsentChange, error)

	RequestExport(ctx context.Context, userID string, categories []string, format string) (models.DataExportRequest, error)
	ExportStatus(ctx context.Context, userID, id string) (*models.DataExportRequest, error)
	MarkDelivered(ctx context.Context, userID, id string) (gdprsvc.Download, error)

	RequestDeletion(ctx context.Context, userID, reason string) (models.DataDeletionRequest, error)
	RescindDeletion(ctx context.Context, userID string) error
	DeletionStatus(ctx context.Context, userID string) (*models.DataDeletionRequest, error)
}

// Handler обрабатывает запросы приватности текущего пользователя.
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

// ConsentRequest — тело запроса на изменение согласия.
type ConsentRequest struct {
	Granted *bool `json:"granted" validate:"required" example:"true"`
}

// ExportRequest — тело запроса на выгрузку данных.
type ExportRequest struct {
	Categories []string `json:"categories,omitempty" example:"profile,usage"`
	Format     string   `json:"format,omitempty" validate:"omitempty,oneof=json" example:"json"`
}

// DeletionRequest — тело запроса на удаление аккаунта.
type DeletionRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

// decode читает необязательное тело запроса и проверяет его.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		log.Warn("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return false
	}
	return true
}

// Consents godoc
// @Summary Состояние согласий
// @Tags GDPR
// @Produce json
// @Success 200 {object} response.Response{data=[]models.Consent}
// @Security BearerAuth
// @Router /gdpr/consents [get]
func (h *Handler) Consents(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.Consents")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	consents, err := h.service.Consents(r.Context(), p.UserID)
	if err != nil {
		response.WriteError(w, r, log, "failed to list consents", err)
		return
	}
	render.JSON(w, r, response.OKWithData(consents))
}

// ConsentHistory godoc
// @Summary История изменений согласий
// @Tags GDPR
// @Produce json
// @Success 200 {object} response.Response{data=[]models.ConsentChange}
// @Security BearerAuth
// @Router /gdpr/consents/history [get]
func (h *Handler) ConsentHistory(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.ConsentHistory")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	history, err := h.service.ConsentHistory(r.Context(), p.UserID)
	if err != nil {
		response.WriteError(w, r, log, "failed to list consent history", err)
		return
	}
	render.JSON(w, r, response.OKWithData(history))
}

// UpdateConsent godoc
// @Summary Выдать или отозвать согласие
// @Description Согласие essential отозвать нельзя.
// @Tags GDPR
// @Accept json
// @Produce json
// @Param type path string true "essential, analytics, marketing, third_party, cookies"
// @Param request body ConsentRequest true "Новое значение"
// @Success 200 {object} response.Response{data=models.ConsentChange}
// @Failure 422 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /gdpr/consents/{type} [put]
func (h *Handler) UpdateConsent(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.UpdateConsent")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req ConsentRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	change, err := h.service.UpdateConsent(r.Context(), p.UserID, chi.URLParam(r, "type"), *req.Granted, gdprsvc.ConsentMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		response.WriteError(w, r, log, "failed to update consent", err)
		return
	}
	render.JSON(w, r, response.OKWithData(change))
}

// RequestExport godoc
// @Summary Запросить выгрузку данных
// @Description Выгрузка собирается в фоне. Пока предыдущая выгрузка не завершена, новый запрос отклоняется.
// @Tags GDPR
// @Accept json
// @Produce json
// @Param request body ExportRequest false "Разделы и формат"
// @Success 202 {object} response.Response{data=models.DataExportRequest}
// @Failure 409 {object} response.ErrorResponse
// @Failure 422 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /gdpr/exports [post]
func (h *Handler) RequestExport(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.RequestExport")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req ExportRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	export, err := h.service.RequestExport(r.Context(), p.UserID, req.Categories, req.Format)
	if err != nil {
		response.WriteError(w, r, log, "export request rejected", err)
		return
	}
	log.Info("export requested", sl.UserID(p.UserID), slog.String("export_id", export.ID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response.OKWithData(export))
}

// ExportStatus godoc
// @Summary Состояние выгрузки
// @Tags GDPR
// @Produce json
// @Param id path string true "ID выгрузки"
// @Success 200 {object} response.Response{data=models.DataExportRequest}
// @Failure 404 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /gdpr/exports/{id} [get]
func (h *Handler) ExportStatus(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.ExportStatus")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	export, err := h.service.ExportStatus(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, log, "failed to get export", err)
		return
	}
	render.JSON(w, r, response.OKWithData(export))
}

// Download godoc
// @Summary Ссылка на скачивание выгрузки
// @Description Выдаёт подписанную ссылку, действующую до истечения срока хранения выгрузки.
// @Tags GDPR
// @Produce json
// @Param id path string true "ID выгрузки"
// @Success 200 {object} response.Response{data=gdpr.Download}
// @Failure 404 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /gdpr/exports/{id}/download [get]
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.Download")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	dl, err := h.service.MarkDelivered(r.Context(), p.UserID, chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, r, log, "export is not downloadable", err)
		return
	}
	render.JSON(w, r, response.OKWithData(dl))
}

// RequestDeletion godoc
// @Summary Запросить удаление аккаунта
// @Description Данные стираются после льготного периода, в течение которого запрос можно отменить.
// @Tags GDPR
// @Accept json
// @Produce json
// @Param request body DeletionRequest false "Причина"
// @Success 202 {object} response.Response{data=models.DataDeletionRequest}
// @Failure 409 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /gdpr/deletion [post]
func (h *Handler) RequestDeletion(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.RequestDeletion")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	var req DeletionRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	del, err := h.service.RequestDeletion(r.Context(), p.UserID, req.Reason)
	if err != nil {
		response.WriteError(w, r, log, "deletion request rejected", err)
		return
	}
	log.Info("deletion requested", sl.UserID(p.UserID), slog.Time("grace_period_ends_at", del.GracePeriodEndsAt))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response.OKWithData(del))
}

// RescindDeletion godoc
// @Summary Отменить удаление аккаунта
// @Tags GDPR
// @Produce json
// @Success 200 {object} response.Response
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /gdpr/deletion [delete]
func (h *Handler) RescindDeletion(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.RescindDeletion")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	if err := h.service.RescindDeletion(r.Context(), p.UserID); err != nil {
		response.WriteError(w, r, log, "failed to rescind deletion", err)
		return
	}
	render.JSON(w, r, response.OKWithData(map[string]models.DeletionStatus{"status": models.DeletionCanceled}))
}

// DeletionStatus godoc
// @Summary Состояние удаления аккаунта
// @Tags GDPR
// @Produce json
// @Success 200 {object} response.Response{data=models.DataDeletionRequest}
// @Failure 404 {object} response.ErrorResponse
// @Security BearerAuth
// @Router /gdpr/deletion [get]
func (h *Handler) DeletionStatus(w http.ResponseWriter, r *http.Request) {
	log := h.logger(r, "handlers.gdpr.DeletionStatus")
	p, ok := middlewarectx.RequirePrincipal(w, r, log)
	if !ok {
		return
	}

	del, err := h.service.DeletionStatus(r.Context(), p.UserID)
	if err != nil {
		response.WriteError(w, r, log, "failed to get deletion status", err)
		return
	}
	if del == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("not found"))
		return
	}
	render.JSON(w, r, response.OKWithData(del))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
