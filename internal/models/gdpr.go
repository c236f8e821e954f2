package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConsentType — категория согласия на обработку данных.
type ConsentType string

const (
	ConsentEssential  ConsentType = "essential"
	ConsentAnalytics  ConsentType = "analytics"
	ConsentMarketing  ConsentType = "marketing"
	ConsentThirdParty ConsentType = "third_party"
	ConsentCookies    ConsentType = "cookies"
)

// AllConsentTypes перечисляет категории согласий.
func AllConsentTypes() []ConsentType {
	return []ConsentType{ConsentEssential, ConsentAnalytics, ConsentMarketing, ConsentThirdParty, ConsentCookies}
}

// ParseConsentType проверяет категорию согласия.
func ParseConsentType(s string) (ConsentType, error) {
	for _, c := range AllConsentTypes() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown consent type %q", s)
}

// Consent — текущее состояние согласия.
type Consent struct {
	UserID        string      `json:"user_id"`
	Type          ConsentType `json:"consent_type"`
	Granted       bool        `json:"granted"`
	PolicyVersion string      `json:"policy_version"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ConsentChange — запись истории согласий. История только дополняется.
type ConsentChange struct {
	ID            int64       `json:"id"`
	UserID        string      `json:"user_id"`
	Type          ConsentType `json:"consent_type"`
	Previous      *bool       `json:"previous,omitempty"`
	Granted       bool        `json:"granted"`
	IPAddress     string      `json:"ip_address,omitempty"`
	UserAgent     string      `json:"user_agent,omitempty"`
	PolicyVersion string      `json:"policy_version"`
	ChangedAt     time.Time   `json:"changed_at"`
}

// ExportStatus — состояние запроса на выгрузку данных.
type ExportStatus string

const (
	ExportRequested  ExportStatus = "requested"
	ExportProcessing ExportStatus = "processing"
	ExportReady      ExportStatus = "ready"
	ExportDelivered  ExportStatus = "delivered"
	ExportFailed     ExportStatus = "failed"
	ExportExpired    ExportStatus = "expired"
)

// ExportCategory — раздел выгрузки.
type ExportCategory string

const (
	CategoryProfile      ExportCategory = "profile"
	CategorySubscription ExportCategory = "subscription"
	CategoryUsage        ExportCategory = "usage"
	CategoryConsents     ExportCategory = "consents"
	CategoryAudit        ExportCategory = "audit"
)

// AllExportCategories перечисляет разделы выгрузки.
func AllExportCategories() []ExportCategory {
	return []ExportCategory{CategoryProfile, CategorySubscription, CategoryUsage, CategoryConsents, CategoryAudit}
}

// DataExportRequest — запрос пользователя на выгрузку своих данных.
type DataExportRequest struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Status      ExportStatus     `json:"status"`
	Categories  []ExportCategory `json:"categories"`
	Format      string           `json:"format"`
	RequestedAt time.Time        `json:"requested_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
	ArtifactKey string           `json:"-"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	Retryable   bool             `json:"retryable"`
	Version     int64            `json:"-"`
}

// Open сообщает, что запрос ещё не завершён. Готовая, но не скачанная
// выгрузка тоже открыта.
func (r *DataExportRequest) Open() bool {
	switch r.Status {
	case ExportRequested, ExportProcessing, ExportReady:
		return true
	case ExportFailed:
		return r.Retryable
	default:
		return false
	}
}

// DeletionStatus — состояние запроса на удаление данных.
type DeletionStatus string

const (
	DeletionRequested   DeletionStatus = "requested"
	DeletionGracePeriod DeletionStatus = "grace_period"
	DeletionExecuting   DeletionStatus = "executing"
	DeletionCompleted   DeletionStatus = "completed"
	DeletionCanceled    DeletionStatus = "canceled"
)

// ErasureStep — идемпотентный шаг стирания данных.
type ErasureStep string

const (
	StepBilling       ErasureStep = "billing"
	StepUsage         ErasureStep = "usage"
	StepConsents      ErasureStep = "consents"
	StepSubscriptions ErasureStep = "subscriptions"
	StepExports       ErasureStep = "exports"
	StepProfile       ErasureStep = "profile"
)

// ErasureSteps — порядок выполнения шагов стирания.
func ErasureSteps() []ErasureStep {
	return []ErasureStep{StepBilling, StepUsage, StepConsents, StepSubscriptions, StepExports, StepProfile}
}

// DataDeletionRequest — запрос пользователя на удаление своих данных.
type DataDeletionRequest struct {
	ID                string                    `json:"id"`
	UserID            string                    `json:"user_id"`
	Status            DeletionStatus            `json:"status"`
	Reason            string                    `json:"reason,omitempty"`
	RequestedAt       time.Time                 `json:"requested_at"`
	GracePeriodEndsAt time.Time                 `json:"grace_period_ends_at"`
	ExecutedAt        *time.Time                `json:"executed_at,omitempty"`
	CompletedAt       *time.Time                `json:"completed_at,omitempty"`
	CanceledAt        *time.Time                `json:"canceled_at,omitempty"`
	Progress          map[ErasureStep]time.Time `json:"erasure_progress,omitempty"`
	Version           int64                     `json:"-"`
}

// Done сообщает, выполнен ли шаг стирания.
func (r *DataDeletionRequest) Done(step ErasureStep) bool {
	_, ok := r.Progress[step]
	return ok
}

// AuditEntry — запись журнала аудита.
type AuditEntry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id,omitempty"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewAuditEntry собирает запись аудита, сериализуя details.
func NewAuditEntry(userID, action, resource string, details map[string]any, at time.Time) AuditEntry {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	return AuditEntry{UserID: userID, Action: action, Resource: resource, Details: raw, CreatedAt: at}
}

// ErasureSubject — подставные значения, которыми заменяются данные пользователя.
type ErasureSubject struct {
	UserID          string
	Pseudonym       string
	AnonymizedEmail string
}

// AnonymizedEmail возвращает адрес, которым заменяется email удалённого пользователя.
func AnonymizedEmail(userID string) string {
	return "deleted_" + userID + "@example.invalid"
}
