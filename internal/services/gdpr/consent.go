package gdpr

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// ConsentMeta — обстоятельства изменения согласия.
type ConsentMeta struct {
	IPAddress string
	UserAgent string
}

// UpdateConsent выдаёт или отзывает согласие. Согласие essential отозвать нельзя.
func (s *Service) UpdateConsent(ctx context.Context, userID string, consentType string, granted bool,
	meta ConsentMeta) (models.ConsentChange, error) {
	const op = "gdpr.UpdateConsent"

	ct, err := models.ParseConsentType(consentType)
	if err != nil {
		return models.ConsentChange{}, fmt.Errorf("%s: %w", op, apperr.Validation("%s", err.Error()))
	}
	if ct == models.ConsentEssential && !granted {
		return models.ConsentChange{}, fmt.Errorf("%s: %w", op, apperr.Validation("essential consent cannot be withdrawn"))
	}

	now := s.clock.Now()
	action := "consent.granted"
	if !granted {
		action = "consent.withdrawn"
	}
	change, err := s.repo.UpsertConsent(ctx, models.ConsentChange{
		UserID:        userID,
		Type:          ct,
		Granted:       granted,
		IPAddress:     meta.IPAddress,
		UserAgent:     meta.UserAgent,
		PolicyVersion: s.policy.PolicyVersion,
		ChangedAt:     now,
	}, models.NewAuditEntry(userID, action, "consent", map[string]any{
		"consent_type":   ct,
		"policy_version": s.policy.PolicyVersion,
	}, now))
	if err != nil {
		return models.ConsentChange{}, fmt.Errorf("%s: %w", op, err)
	}

	metrics.GDPRRequests.WithLabelValues("consent", action).Inc()
	s.log.Info("consent updated", sl.Op(op), sl.UserID(userID),
		slog.String("consent_type", string(ct)), slog.Bool("granted", granted))
	return change, nil
}

// Consents возвращает состояние всех категорий согласий. Для категорий без
// записи essential считается выданным, остальные отозванными.
func (s *Service) Consents(ctx context.Context, userID string) ([]models.Consent, error) {
	const op = "gdpr.Consents"

	stored, err := s.repo.Consents(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	byType := make(map[models.ConsentType]models.Consent, len(stored))
	for _, c := range stored {
		byType[c.Type] = c
	}

	result := make([]models.Consent, 0, len(models.AllConsentTypes()))
	for _, ct := range models.AllConsentTypes() {
		if c, ok := byType[ct]; ok {
			result = append(result, c)
			continue
		}
		result = append(result, models.Consent{
			UserID:        userID,
			Type:          ct,
			Granted:       ct == models.ConsentEssential,
			PolicyVersion: s.policy.PolicyVersion,
		})
	}
	return result, nil
}

// ConsentHistory возвращает полную историю изменений согласий.
func (s *Service) ConsentHistory(ctx context.Context, userID string) ([]models.ConsentChange, error) {
	const op = "gdpr.ConsentHistory"

	history, err := s.repo.ConsentHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return history, nil
}
