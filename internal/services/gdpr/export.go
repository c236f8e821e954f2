package gdpr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/metrics"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

const exportFormatJSON = "json"

// ExportDocument — содержимое выгрузки. Пустые разделы опускаются.
type ExportDocument struct {
	UserID        string                  `json:"user_id"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Categories    []models.ExportCategory `json:"categories"`
	Profile       *models.User            `json:"profile,omitempty"`
	Subscriptions []models.Subscription   `json:"subscriptions,omitempty"`
	Usage         []models.UsageRecord    `json:"usage,omitempty"`
	Consents      []models.ConsentChange  `json:"consents,omitempty"`
	Audit         []models.AuditEntry     `json:"audit,omitempty"`
}

// Download — ссылка на готовую выгрузку.
type Download struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestExport ставит в очередь выгрузку данных. Пока у пользователя есть
// незавершённая выгрузка, возвращается apperr.ErrAlreadyInProgress.
func (s *Service) RequestExport(ctx context.Context, userID string, categories []string,
	format string) (models.DataExportRequest, error) {
	const op = "gdpr.RequestExport"

	if format == "" {
		format = exportFormatJSON
	}
	if format != exportFormatJSON {
		return models.DataExportRequest{}, fmt.Errorf("%s: %w", op, apperr.Validation("unsupported export format %q", format))
	}
	cats, err := parseCategories(categories)
	if err != nil {
		return models.DataExportRequest{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.clock.Now()
	req := models.DataExportRequest{
		ID:          uuid.NewString(),
		UserID:      userID,
		Status:      models.ExportRequested,
		Categories:  cats,
		Format:      format,
		RequestedAt: now,
		Retryable:   true,
		Version:     1,
	}
	audit := models.NewAuditEntry(userID, "export.requested", "data_export", map[string]any{
		"request_id": req.ID,
		"categories": cats,
	}, now)
	if err := s.repo.CreateExportRequest(ctx, req, audit); err != nil {
		if errors.Is(err, apperr.ErrAlreadyInProgress) {
			metrics.GDPRRequests.WithLabelValues("export", "rejected").Inc()
		}
		return models.DataExportRequest{}, fmt.Errorf("%s: %w", op, err)
	}

	metrics.GDPRRequests.WithLabelValues("export", string(models.ExportRequested)).Inc()
	s.log.Info("export requested", sl.Op(op), sl.UserID(userID), slog.String("request_id", req.ID))
	return req, nil
}

func parseCategories(raw []string) ([]models.ExportCategory, error) {
	if len(raw) == 0 {
		return models.AllExportCategories(), nil
	}
	known := make(map[models.ExportCategory]bool)
	for _, c := range models.AllExportCategories() {
		known[c] = true
	}
	seen := make(map[models.ExportCategory]bool, len(raw))
	cats := make([]models.ExportCategory, 0, len(raw))
	for _, r := range raw {
		c := models.ExportCategory(r)
		if !known[c] {
			return nil, apperr.Validation("unknown export category %q", r)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		cats = append(cats, c)
	}
	return cats, nil
}

// ExportStatus возвращает запрос на выгрузку пользователя.
func (s *Service) ExportStatus(ctx context.Context, userID, id string) (*models.DataExportRequest, error) {
	const op = "gdpr.ExportStatus"

	req, err := s.repo.ExportRequest(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return req, nil
}

// MarkDelivered выдаёт свежую ссылку на скачивание и отмечает выгрузку доставленной.
func (s *Service) MarkDelivered(ctx context.Context, userID, id string) (Download, error) {
	const op = "gdpr.MarkDelivered"

	req, err := s.repo.ExportRequest(ctx, userID, id)
	if err != nil {
		return Download{}, fmt.Errorf("%s: %w", op, err)
	}
	if req.Status != models.ExportReady && req.Status != models.ExportDelivered {
		return Download{}, fmt.Errorf("%s: %w: export is %s", op, apperr.ErrNotFound, req.Status)
	}

	now := s.clock.Now()
	ttl := s.policy.ExportExpiry
	if req.ExpiresAt != nil {
		ttl = req.ExpiresAt.Sub(now)
	}
	if ttl <= 0 {
		return Download{}, fmt.Errorf("%s: %w: export link expired", op, apperr.ErrNotFound)
	}

	url, err := s.store.PresignGet(ctx, req.ArtifactKey, ttl)
	if err != nil {
		return Download{}, fmt.Errorf("%s: %w", op, err)
	}
	audit := models.NewAuditEntry(userID, "export.delivered", "data_export", map[string]any{"request_id": id}, now)
	if err := s.repo.MarkExportDelivered(ctx, id, now, audit); err != nil {
		return Download{}, fmt.Errorf("%s: %w", op, err)
	}
	return Download{URL: url, ExpiresAt: now.Add(ttl)}, nil
}

// ProcessExports собирает захваченные выгрузки и возвращает число готовых.
func (s *Service) ProcessExports(ctx context.Context) (int, error) {
	const op = "gdpr.ProcessExports"
	log := s.log.With(sl.Op(op))

	now := s.clock.Now()
	claimed, err := s.repo.ClaimExports(ctx, now, now.Add(-s.policy.ExecutingLease), s.policy.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	ready := 0
	for _, req := range claimed {
		if ctx.Err() != nil {
			return ready, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if err := s.buildExport(ctx, req); err != nil {
			retryable := req.Attempts < s.policy.ExportMaxAttempts && !errors.Is(err, apperr.ErrValidation)
			log.Error("export failed", sl.UserID(req.UserID), slog.String("request_id", req.ID),
				slog.Int("attempts", req.Attempts), slog.Bool("retryable", retryable), sl.Err(err))
			if ferr := s.repo.FailExport(ctx, req, err.Error(), retryable); ferr != nil {
				log.Error("failed to record export failure", slog.String("request_id", req.ID), sl.Err(ferr))
			}
			metrics.GDPRRequests.WithLabelValues("export", string(models.ExportFailed)).Inc()
			continue
		}
		ready++
	}
	return ready, nil
}

func (s *Service) buildExport(ctx context.Context, req models.DataExportRequest) error {
	now := s.clock.Now()
	doc, err := s.collect(ctx, req, now)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	key := s.store.ExportKey(req.UserID, req.ID, req.Format)
	if err := s.store.Put(ctx, key, body, "application/json"); err != nil {
		return err
	}

	expires := now.Add(s.policy.ExportExpiry)
	req.ArtifactKey = key
	req.CompletedAt = &now
	req.ExpiresAt = &expires
	audit := models.NewAuditEntry(req.UserID, "export.ready", "data_export", map[string]any{
		"request_id": req.ID,
		"size":       len(body),
	}, now)
	if err := s.repo.CompleteExport(ctx, req, audit); err != nil {
		return err
	}
	metrics.GDPRRequests.WithLabelValues("export", string(models.ExportReady)).Inc()

	url, err := s.store.PresignGet(ctx, key, s.policy.ExportExpiry)
	if err != nil {
		s.log.Warn("failed to presign export", slog.String("request_id", req.ID), sl.Err(err))
		return nil
	}
	s.notify(ctx, models.Notification{
		Type:   models.NotificationExportReady,
		UserID: req.UserID,
		Email:  s.emailOf(ctx, req.UserID),
		Data: map[string]string{
			"request_id":   req.ID,
			"download_url": url,
			"expires_at":   expires.Format(time.RFC3339),
		},
		OccurredAt: now,
	})
	return nil
}

func (s *Service) collect(ctx context.Context, req models.DataExportRequest, now time.Time) (ExportDocument, error) {
	doc := ExportDocument{UserID: req.UserID, GeneratedAt: now, Categories: req.Categories}
	var err error
	for _, c := range req.Categories {
		switch c {
		case models.CategoryProfile:
			doc.Profile, err = s.repo.GetUser(ctx, req.UserID)
		case models.CategorySubscription:
			doc.Subscriptions, err = s.repo.SubscriptionHistory(ctx, req.UserID)
		case models.CategoryUsage:
			doc.Usage, err = s.repo.UsageRecords(ctx, req.UserID)
		case models.CategoryConsents:
			doc.Consents, err = s.repo.ConsentHistory(ctx, req.UserID)
		case models.CategoryAudit:
			doc.Audit, err = s.repo.AuditEntries(ctx, req.UserID)
		default:
			err = apperr.Validation("unknown export category %q", c)
		}
		if err != nil {
			return ExportDocument{}, fmt.Errorf("collect %s: %w", c, err)
		}
	}
	return doc, nil
}

// ExpireExports удаляет артефакты выгрузок с истёкшей ссылкой.
func (s *Service) ExpireExports(ctx context.Context) (int, error) {
	const op = "gdpr.ExpireExports"
	log := s.log.With(sl.Op(op))

	due, err := s.repo.ExpiredExports(ctx, s.clock.Now(), s.policy.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	expired := 0
	for _, req := range due {
		if req.ArtifactKey != "" {
			if err := s.store.Delete(ctx, req.ArtifactKey); err != nil {
				log.Error("failed to delete export artifact", slog.String("request_id", req.ID), sl.Err(err))
				continue
			}
		}
		if err := s.repo.ExpireExport(ctx, req.ID); err != nil {
			log.Error("failed to expire export", slog.String("request_id", req.ID), sl.Err(err))
			continue
		}
		metrics.GDPRRequests.WithLabelValues("export", string(models.ExportExpired)).Inc()
		expired++
	}
	return expired, nil
}
