package smtp

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
)

// Transport отправляет письма через gomail. STARTTLS включается, если сервер
// его поддерживает, порт 465 работает через неявный TLS.
type Transport struct {
	dialer *gomail.Dialer
	user   string
	log    *slog.Logger
}

// NewTransport создает новый экземпляр Transport.
func NewTransport(cfg config.SMTP, log *slog.Logger) *Transport {
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	d.TLSConfig = &tls.Config{
		ServerName: cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}
	return &Transport{dialer: d, user: cfg.SMTPUser, log: log}
}

// Connect устанавливает соединение с SMTP сервером и проходит авторизацию.
func (t *Transport) Connect() (Client, error) {
	sc, err := t.dialer.Dial()
	if err != nil {
		t.log.Error("failed to dial SMTP server",
			slog.String("host", t.dialer.Host), slog.Int("port", t.dialer.Port), sl.Err(err))
		return nil, fmt.Errorf("failed to dial SMTP server: %w", err)
	}
	return sc, nil
}

// GetSMTPUser возвращает адрес отправителя.
func (t *Transport) GetSMTPUser() string {
	return t.user
}
