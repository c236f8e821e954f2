// Package retry задаёт политику повторов с экспоненциальной задержкой.
// Политика передаётся явно во внешние клиенты и в планировщик повторов вебхуков.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
)

// Config — параметры политики повторов.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts" env-default:"5"`
	InitialDelay      time.Duration `yaml:"initial_delay" env-default:"1s"`
	MaxDelay          time.Duration `yaml:"max_delay" env-default:"5m"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env-default:"2"`
}

// Policy описывает повторы поверх экспоненциального backoff.
type Policy struct {
	cfg Config
}

// NewPolicy создаёт политику, подставляя значения по умолчанию для пустых полей.
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if cfg.BackoffMultiplier <= 1.0 {
		cfg.BackoffMultiplier = 2.0
	}
	return &Policy{cfg: cfg}
}

// newBackOff возвращает свежий backoff без случайного разброса и без
// ограничения по общему времени. Число попыток ограничивает сама политика.
func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialDelay
	b.MaxInterval = p.cfg.MaxDelay
	b.Multiplier = p.cfg.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// MaxAttempts возвращает предельное число попыток.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry решает, нужна ли ещё одна попытка после attempts неудачных.
// Повторяются только временные сбои.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	if err == nil || !apperr.IsRetryable(err) {
		return false
	}
	return attempts < p.cfg.MaxAttempts
}

// Exhausted сообщает, что лимит попыток исчерпан.
func (p *Policy) Exhausted(attempts int) bool {
	return attempts >= p.cfg.MaxAttempts
}

// NextDelay возвращает задержку перед попыткой номер attempts+1.
func (p *Policy) NextDelay(attempts int) time.Duration {
	b := p.newBackOff()
	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Do выполняет fn, повторяя временные сбои с задержкой по политике.
// Окончательная ошибка возвращается сразу, отмена ctx во время ожидания
// возвращается как временный сбой.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	const op = "retry.Do"

	var last error
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(p.cfg.MaxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		last = fn(ctx)
		if last != nil && !apperr.IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, b)
	switch {
	case err == nil:
		return nil
	case !apperr.IsRetryable(last):
		return last
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, apperr.Retryable(ctx.Err()))
	default:
		return last
	}
}
