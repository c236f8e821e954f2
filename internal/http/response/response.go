// Package response содержит вспомогательные типы и функции для формирования
// унифицированных JSON-ответов HTTP-обработчиков и перевода доменных ошибок
// в HTTP-статусы.
package response

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// Response описывает стандартную структуру JSON-ответа сервера.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// ErrorResponse — структура ошибки для Swagger-документации.
type ErrorResponse struct {
	Status string `json:"status" example:"Error"`
	Error  string `json:"error" example:"invalid request body"`
}

// UpgradeResponse — ответ на превышение лимита бесплатного тарифа.
type UpgradeResponse struct {
	Status          string `json:"status" example:"Error"`
	Error           string `json:"error" example:"quota exceeded"`
	UpgradeRequired bool   `json:"upgrade_required" example:"true"`
	UpgradeHint     string `json:"upgrade_hint,omitempty"`
	Resource        string `json:"resource,omitempty"`
	Limit           string `json:"limit,omitempty"`
	Used            string `json:"used,omitempty"`
}

const (
	// StatusOK — значение статуса для успешного ответа.
	StatusOK = "OK"
	// StatusError — значение статуса для ответа с ошибкой.
	StatusError = "Error"
)

// OKWithData возвращает успешный Response с переданными данными.
func OKWithData(data any) Response {
	return Response{
		Status: StatusOK,
		Data:   data,
	}
}

// Error возвращает ответ с ошибкой и переданным сообщением.
func Error(msg string) ErrorResponse {
	return ErrorResponse{
		Status: StatusError,
		Error:  msg,
	}
}

// ValidationError формирует Response со статусом Error на основе ошибок валидации.
func ValidationError(errs validator.ValidationErrors) Response {
	var errsMsgs []string

	for _, err := range errs {
		switch err.ActualTag() {
		case "required":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is a required field", err.Field()))
		case "oneof":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s must be one of: %s", err.Field(), err.Param()))
		case "gt", "gte", "min":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is too small", err.Field()))
		case "url":
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s must be a valid url", err.Field()))
		default:
			errsMsgs = append(errsMsgs, fmt.Sprintf("field %s is not a valid", err.Field()))
		}
	}
	return Response{
		Status: StatusError,
		Error:  strings.Join(errsMsgs, ", "),
	}
}

// Status возвращает HTTP-статус и тело ответа для ошибки сервиса.
func Status(err error) (int, any) {
	var quota *apperr.QuotaError
	switch {
	case errors.As(err, &quota):
		return http.StatusPaymentRequired, UpgradeResponse{
			Status:          StatusError,
			Error:           apperr.ErrQuotaExceeded.Error(),
			UpgradeRequired: true,
			UpgradeHint:     quota.UpgradeHint(),
			Resource:        quota.Resource,
			Limit:           models.FormatMilli(quota.Limit),
			Used:            models.FormatMilli(quota.Used),
		}
	case errors.Is(err, apperr.ErrTierRestricted):
		return http.StatusPaymentRequired, UpgradeResponse{
			Status:          StatusError,
			Error:           unwrapMessage(err),
			UpgradeRequired: true,
			UpgradeHint:     "upgrade to premium to remove this restriction",
		}
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusUnprocessableEntity, Error(unwrapMessage(err))
	case errors.Is(err, apperr.ErrAlreadyInProgress):
		return http.StatusConflict, Error("request already pending")
	case errors.Is(err, apperr.ErrNotInGracePeriod):
		return http.StatusConflict, Error("deletion request is not in grace period")
	case errors.Is(err, apperr.ErrIgnored), errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, Error(unwrapMessage(err))
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, Error("not found")
	case errors.Is(err, apperr.ErrSignatureInvalid), errors.Is(err, apperr.ErrMalformed):
		return http.StatusBadRequest, Error(unwrapMessage(err))
	case errors.Is(err, apperr.ErrPaymentRejected):
		return http.StatusPaymentRequired, Error("payment rejected")
	case apperr.IsRetryable(err):
		return http.StatusServiceUnavailable, Error("temporarily unavailable, retry later")
	default:
		return http.StatusInternalServerError, Error("internal error")
	}
}

// unwrapMessage возвращает текст ошибки без префиксов op, оставляя часть,
// начиная с доменной ошибки.
func unwrapMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		// у сообщений вида "op: validation error: detail" оставляем detail
		return msg[i+2:]
	}
	return msg
}

// WriteError пишет ответ для ошибки сервиса. Ошибки клиента пишутся в лог
// с уровнем Warn, остальные с уровнем Error.
func WriteError(w http.ResponseWriter, r *http.Request, log *slog.Logger, msg string, err error) {
	status, body := Status(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg, sl.Err(err))
	} else {
		log.Warn(msg, sl.Err(err))
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
