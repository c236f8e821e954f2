package gdpr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/digest"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// RequestDeletion открывает запрос на удаление с льготным периодом.
func (s *Service) RequestDeletion(ctx context.Context, userID, reason string) (models.DataDeletionRequest, error) {
	const op = "gdpr.RequestDeletion"

	now := s.clock.Now()
	req := models.DataDeletionRequest{
		ID:                uuid.NewString(),
		UserID:            userID,
		Status:            models.DeletionGracePeriod,
		Reason:            reason,
		RequestedAt:       now,
		GracePeriodEndsAt: now.Add(s.policy.GracePeriod),
		Progress:          map[models.ErasureStep]time.Time{},
		Version:           1,
	}
	audit := models.NewAuditEntry(userID, "deletion.requested", "data_deletion", map[string]any{
		"request_id":           req.ID,
		"grace_period_ends_at": req.GracePeriodEndsAt,
	}, now)
	if err := s.repo.CreateDeletionRequest(ctx, req, audit); err != nil {
		return models.DataDeletionRequest{}, fmt.Errorf("%s: %w", op, err)
	}

	metrics.GDPRRequests.WithLabelValues("deletion", string(models.DeletionGracePeriod)).Inc()
	s.log.Info("deletion requested", sl.Op(op), sl.UserID(userID),
		slog.String("request_id", req.ID), slog.Time("grace_period_ends_at", req.GracePeriodEndsAt))

	s.notify(ctx, models.Notification{
		Type:   models.NotificationDeletionGrace,
		UserID: userID,
		Email:  s.emailOf(ctx, userID),
		Data: map[string]string{
			"request_id":           req.ID,
			"grace_period_ends_at": req.GracePeriodEndsAt.Format(time.RFC3339),
		},
		OccurredAt: now,
	})
	return req, nil
}

// RescindDeletion отменяет запрос на удаление, пока не истёк льготный период.
func (s *Service) RescindDeletion(ctx context.Context, userID string) error {
	const op = "gdpr.RescindDeletion"

	now := s.clock.Now()
	audit := models.NewAuditEntry(userID, "deletion.canceled", "data_deletion", nil, now)
	req, err := s.repo.RescindDeletion(ctx, userID, now, audit)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	metrics.GDPRRequests.WithLabelValues("deletion", string(models.DeletionCanceled)).Inc()
	s.log.Info("deletion rescinded", sl.Op(op), sl.UserID(userID), slog.String("request_id", req.ID))
	return nil
}

// DeletionStatus возвращает последний запрос пользователя на удаление.
func (s *Service) DeletionStatus(ctx context.Context, userID string) (*models.DataDeletionRequest, error) {
	const op = "gdpr.DeletionStatus"

	req, err := s.repo.LatestDeletionRequest(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return req, nil
}

// HandleSubscriptionCanceled открывает удаление после отмены подписки,
// если включено удаление по отмене. Уже открытый запрос не считается ошибкой.
// Отмена, которую сделало само стирание, приходит для обезличенного
// пользователя и пропускается.
func (s *Service) HandleSubscriptionCanceled(ctx context.Context, userID string) error {
	const op = "gdpr.HandleSubscriptionCanceled"

	user, err := s.repo.GetUser(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if user.AnonymizedAt != nil {
		s.log.Debug("user already erased, skipping deletion request", sl.Op(op), sl.UserID(userID))
		return nil
	}

	_, err = s.RequestDeletion(ctx, userID, "subscription canceled")
	if err != nil && !errors.Is(err, apperr.ErrAlreadyInProgress) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ExecuteDueDeletions стирает данные пользователей с истёкшим льготным периодом
// и возвращает число завершённых запросов. Прерванные запросы продолжаются
// с первого невыполненного шага.
func (s *Service) ExecuteDueDeletions(ctx context.Context) (int, error) {
	const op = "gdpr.ExecuteDueDeletions"
	log := s.log.With(sl.Op(op))

	now := s.clock.Now()
	due, err := s.repo.ClaimDueDeletions(ctx, now, now.Add(-s.policy.ExecutingLease), s.policy.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	completed := 0
	for _, req := range due {
		if ctx.Err() != nil {
			return completed, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if err := s.erase(ctx, req); err != nil {
			log.Error("erasure interrupted", sl.UserID(req.UserID), slog.String("request_id", req.ID), sl.Err(err))
			continue
		}
		completed++
	}
	return completed, nil
}

func (s *Service) erase(ctx context.Context, req models.DataDeletionRequest) error {
	// адрес нужен для финального письма, шаг profile его затирает
	email := s.emailOf(ctx, req.UserID)
	subject := models.ErasureSubject{
		UserID:          req.UserID,
		Pseudonym:       digest.Pseudonym(s.policy.ErasureKey, req.UserID),
		AnonymizedEmail: models.AnonymizedEmail(req.UserID),
	}

	for _, step := range models.ErasureSteps() {
		if req.Done(step) {
			continue
		}
		if err := s.beforeStep(ctx, req.UserID, email, step); err != nil {
			return fmt.Errorf("step %s: %w", step, err)
		}
		if err := s.repo.ExecuteErasureStep(ctx, req.ID, step, subject, s.clock.Now()); err != nil {
			return fmt.Errorf("step %s: %w", step, err)
		}
	}

	now := s.clock.Now()
	audit := models.NewAuditEntry(req.UserID, "deletion.completed", "data_deletion", map[string]any{
		"request_id": req.ID,
		"pseudonym":  subject.Pseudonym,
	}, now)
	if err := s.repo.CompleteDeletion(ctx, req.ID, now, audit); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, req.UserID)

	metrics.GDPRRequests.WithLabelValues("deletion", string(models.DeletionCompleted)).Inc()
	s.log.Info("user data erased", sl.UserID(req.UserID), slog.String("request_id", req.ID))

	s.notify(ctx, models.Notification{
		Type:       models.NotificationDeletionCompleted,
		UserID:     req.UserID,
		Email:      email,
		Data:       map[string]string{"request_id": req.ID},
		OccurredAt: now,
	})
	return nil
}

// beforeStep выполняет внешние действия, которые должны предшествовать
// стиранию в базе.
func (s *Service) beforeStep(ctx context.Context, userID, email string, step models.ErasureStep) error {
	switch step {
	case models.StepBilling:
		_, err := s.subs.Cancel(ctx, models.Principal{UserID: userID, Email: email}, false)
		if err == nil || errors.Is(err, apperr.ErrNotFound) || apperr.IsBenign(err) ||
			errors.Is(err, apperr.ErrPaymentRejected) {
			return nil
		}
		return err
	case models.StepExports:
		keys, err := s.repo.ExportArtifactKeys(ctx, userID)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.store.Delete(ctx, key); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
