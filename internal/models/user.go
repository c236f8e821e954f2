// Package models содержит доменные структуры движка подписок и лимитов:
// пользователей, подписки, записи потребления, события биллинга и GDPR-запросы.
package models

import "time"

// Tier — тарифный план пользователя.
type Tier string

const (
	// TierFree — бесплатный тариф с лимитами.
	TierFree Tier = "free"
	// TierPremium — платный тариф без лимитов.
	TierPremium Tier = "premium"
)

// User представляет пользователя системы. Тариф меняется только переходами подписки.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Tier             Tier       `json:"tier"`
	StripeCustomerID string     `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	AnonymizedAt     *time.Time `json:"anonymized_at,omitempty"`
}

// EntitlementsCacheKey — ключ кеша снимка лимитов пользователя.
func EntitlementsCacheKey(userID string) string {
	return "entitlements:" + userID
}

// Principal — аутентифицированный пользователь текущего запроса.
// Собирается из JWT и явно передаётся в сервисы.
type Principal struct {
	UserID    string
	Email     string
	Tier      Tier
	RequestID string
}
