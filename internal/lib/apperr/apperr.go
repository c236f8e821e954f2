// Package apperr содержит таксономию доменных ошибок движка подписок и лимитов.
//
// Все сервисы возвращают ошибки, обёрнутые вокруг одного из sentinel-значений,
// поэтому вызывающий код проверяет их через errors.Is, а HTTP-слой однозначно
// сопоставляет их со статусами ответа.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation — некорректные входные данные, повтор бессмыслен.
	ErrValidation = errors.New("validation error")
	// ErrQuotaExceeded — бизнес-правило: запрос превышает лимит тарифа.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrTierRestricted — действие недоступно на текущем тарифе.
	ErrTierRestricted = fmt.Errorf("%w: not available on current tier", ErrValidation)
	// ErrIgnored — безопасный no-op для устаревших или недопустимых переходов.
	ErrIgnored = errors.New("ignored")
	// ErrDuplicate — событие с таким ключом уже обработано.
	ErrDuplicate = errors.New("duplicate")
	// ErrRetryable — временный сбой инфраструктуры, операцию нужно повторить.
	ErrRetryable = errors.New("retryable")
	// ErrAlreadyInProgress — уже есть незавершённый конкурирующий запрос.
	ErrAlreadyInProgress = errors.New("request already pending")
	// ErrNotInGracePeriod — запрос на удаление не находится в льготном периоде.
	ErrNotInGracePeriod = errors.New("deletion request is not in grace period")
	// ErrSignatureInvalid — подпись вебхука не прошла проверку.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrMalformed — тело вебхука не удалось разобрать.
	ErrMalformed = errors.New("malformed payload")
	// ErrNotFound — сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrConflict — конфликт версий агрегата или уникальности.
	ErrConflict = errors.New("conflict")
	// ErrPaymentRejected — биллинг-провайдер окончательно отклонил операцию.
	ErrPaymentRejected = errors.New("payment rejected")
)

// QuotaError описывает отказ по лимиту с подсказкой об апгрейде.
type QuotaError struct {
	Resource  string
	Limit     int64
	Used      int64
	Requested int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %d of %d, requested %d", e.Resource, e.Used, e.Limit, e.Requested)
}

// Unwrap позволяет проверять QuotaError через errors.Is(err, ErrQuotaExceeded).
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// UpgradeHint возвращает текст для пользователя.
func (e *QuotaError) UpgradeHint() string {
	return "upgrade to premium for unlimited " + e.Resource
}

// Validation формирует ошибку валидации с описанием.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Ignored формирует no-op результат с причиной.
func Ignored(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIgnored, fmt.Sprintf(format, args...))
}

// Retryable помечает err как временный сбой, сохраняя исходную цепочку.
func Retryable(err error) error {
	if err == nil || errors.Is(err, ErrRetryable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// IsRetryable сообщает, имеет ли смысл повторять операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsBenign сообщает, что ошибка означает безопасный no-op.
func IsBenign(err error) bool {
	return errors.Is(err, ErrIgnored) || errors.Is(err, ErrDuplicate)
}
