package paymentprovider

import (
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
)

// Verifier проверяет подпись вебхуков провайдера.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier создаёт проверку подписи с допустимым расхождением времени tolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify проверяет заголовок Stripe-Signature для тела payload.
func (v *Verifier) Verify(payload []byte, signatureHeader string) error {
	const op = "paymentprovider.Verify"
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrSignatureInvalid, err)
	}
	return nil
}
