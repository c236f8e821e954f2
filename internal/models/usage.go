package models

import (
	"fmt"
	"time"
)

// ResourceKind — вид учитываемого ресурса.
type ResourceKind string

const (
	ResourceProcessingMinutes ResourceKind = "processing_minutes"
	ResourceAPICalls          ResourceKind = "api_calls"
)

// AllResourceKinds перечисляет учитываемые ресурсы.
func AllResourceKinds() []ResourceKind {
	return []ResourceKind{ResourceProcessingMinutes, ResourceAPICalls}
}

// ParseResourceKind проверяет имя ресурса.
func ParseResourceKind(s string) (ResourceKind, error) {
	for _, k := range AllResourceKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// UsageRecord — неизменяемый факт потребления. Amount в тысячных единицы,
// отрицательное значение означает сторно записи ReversesID.
type UsageRecord struct {
	ID           int64        `json:"id"`
	UserID       string       `json:"user_id"`
	ResourceKind ResourceKind `json:"resource_kind"`
	Amount       int64        `json:"amount_milli"`
	OccurredAt   time.Time    `json:"occurred_at"`
	RecordedAt   time.Time    `json:"recorded_at"`
	ReversesID   *int64       `json:"reverses_id,omitempty"`
}

// Cycle — расчётный период [Start, End).
type Cycle struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Entitlement — лимит и остаток одного ресурса.
type Entitlement struct {
	Resource  ResourceKind `json:"resource"`
	Limit     Quantity     `json:"limit"`
	Used      int64        `json:"used_milli"`
	Remaining Quantity     `json:"remaining"`
}

// Entitlements — снимок прав пользователя на текущий период.
type Entitlements struct {
	UserID    string        `json:"user_id"`
	Tier      Tier          `json:"tier"`
	Cycle     Cycle         `json:"cycle"`
	Resources []Entitlement `json:"resources"`
}

// JobDescriptor — описание задания на обработку видео для проверки допуска.
type JobDescriptor struct {
	ResourceKind ResourceKind  `json:"resource_kind"`
	Duration     time.Duration `json:"duration"`
	Resolution   int           `json:"resolution"`
}

// JobHandle — идентификатор принятого задания.
type JobHandle struct {
	ID      string `json:"id"`
	UsageID int64  `json:"usage_id"`
}
