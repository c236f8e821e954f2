// Package sender отправляет письма по сообщениям из очередей уведомлений и алертов.
package sender

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/smtp"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// SenderService рассылает письма пользователям и оператору.
type SenderService struct {
	transport smtp.TransportInterface
	operator  string
	log       *slog.Logger
}

// NewSenderService создает новый экземпляр SenderService.
// Пустой operator отключает письма об алертах, они только пишутся в лог.
func NewSenderService(transport smtp.TransportInterface, operator string, log *slog.Logger) *SenderService {
	return &SenderService{
		transport: transport,
		operator:  operator,
		log:       log,
	}
}

// SendNotification отправляет письмо по уведомлению из очереди notifications.
// Неизвестные типы и уведомления без адреса отбрасываются без ошибки.
func (s *SenderService) SendNotification(body []byte) error {
	var n models.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		s.log.Error("failed to unmarshal notification", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}
	if n.Email == "" {
		s.log.Warn("notification without recipient dropped", slog.String("type", n.Type), sl.UserID(n.UserID))
		return nil
	}

	subject, text, ok := render(n)
	if !ok {
		s.log.Warn("unknown notification type dropped", slog.String("type", n.Type))
		return nil
	}
	return s.sendEmail([]string{n.Email}, subject, text)
}

func render(n models.Notification) (subject, text string, ok bool) {
	switch n.Type {
	case models.NotificationExportReady:
		return "Ваши данные готовы к скачиванию",
			fmt.Sprintf("Здравствуйте!\n\nВыгрузка ваших данных готова: %s\n\nСсылка действует до %s.",
				n.Data["download_url"], n.Data["expires_at"]), true
	case models.NotificationDeletionGrace:
		return "Запрос на удаление аккаунта принят",
			fmt.Sprintf("Здравствуйте!\n\nВаш аккаунт и данные будут удалены %s.\n\n"+
				"До этого момента запрос можно отменить в настройках конфиденциальности.",
				n.Data["grace_period_ends_at"]), true
	case models.NotificationDeletionCompleted:
		return "Ваши данные удалены",
			"Здравствуйте!\n\nВсе ваши персональные данные удалены. Это последнее письмо от нас.", true
	case models.NotificationUsageWarning:
		return "Лимит бесплатного тарифа почти исчерпан",
			fmt.Sprintf("Здравствуйте!\n\nВы использовали %s из %s (%s) в этом месяце.\n\n"+
				"Перейдите на Premium, чтобы снять ограничения.",
				n.Data["used"], n.Data["limit"], n.Data["resource"]), true
	case models.NotificationUsageExceeded:
		return "Лимит бесплатного тарифа исчерпан",
			fmt.Sprintf("Здравствуйте!\n\nЛимит %s на этот месяц исчерпан.\n\n"+
				"Перейдите на Premium, чтобы продолжить работу.", n.Data["resource"]), true
	default:
		return "", "", false
	}
}

// SendAlert пишет алерт в лог и отправляет его оператору.
func (s *SenderService) SendAlert(body []byte) error {
	var a models.Alert
	if err := json.Unmarshal(body, &a); err != nil {
		s.log.Error("failed to unmarshal alert", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	s.log.Error("operator alert", slog.String("source", a.Source), slog.String("subject", a.Subject),
		slog.Any("details", a.Details))
	if s.operator == "" {
		return nil
	}

	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys)+2)
	lines = append(lines, "Source: "+a.Source, "Occurred at: "+a.OccurredAt.UTC().String())
	for _, k := range keys {
		lines = append(lines, k+": "+a.Details[k])
	}

	return s.sendEmail([]string{s.operator}, "[alert] "+a.Source+": "+a.Subject, strings.Join(lines, "\n"))
}

func (s *SenderService) sendEmail(to []string, subject, bodyText string) error {
	from := s.transport.GetSMTPUser()
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", bodyText)

	client, err := s.transport.Connect()
	if err != nil {
		s.log.Error("failed to connect to SMTP server", sl.Err(err))
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			s.log.Warn("failed to close SMTP connection", sl.Err(err))
		}
	}()

	if err := gomail.Send(client, m); err != nil {
		s.log.Error("failed to send email", slog.String("from", from), slog.Any("to", to), sl.Err(err))
		return err
	}

	s.log.Info("email sent successfully", slog.Any("to", to))
	return nil
}
