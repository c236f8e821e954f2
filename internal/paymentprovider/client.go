// Package paymentprovider — клиент биллинг-провайдера Stripe: исходящие вызовы,
// проверка подписи вебхуков и разбор их содержимого.
package paymentprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/magabrotheeeer/entitlement-engine/internal/config"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/retry"
	"github.com/magabrotheeeer/entitlement-engine/internal/lib/sl"
)

// Client выполняет исходящие вызовы к Stripe. Каждый вызов несёт ключ
// идемпотентности и повторяется по retry.Policy при временных сбоях.
type Client struct {
	api     *client.API
	priceID string
	policy  *retry.Policy
	log     *slog.Logger
}

// NewClient создаёт клиент Stripe.
func NewClient(cfg config.Stripe, policy *retry.Policy, log *slog.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	})
	return newClient(cfg, backend, policy, log)
}

func newClient(cfg config.Stripe, backend stripe.Backend, policy *retry.Policy, log *slog.Logger) *Client {
	api := client.New(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})
	return &Client{api: api, priceID: cfg.PriceID, policy: policy, log: log}
}

// CreateCustomer регистрирует клиента у провайдера.
func (c *Client) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	const op = "paymentprovider.CreateCustomer"

	var customer *stripe.Customer
	err := c.do(ctx, op, func(ctx context.Context) error {
		params := &stripe.CustomerParams{Email: stripe.String(email)}
		params.Context = ctx
		params.SetIdempotencyKey("customer:" + userID)
		params.AddMetadata(MetadataUserID, userID)
		var err error
		customer, err = c.api.Customers.New(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return customer.ID, nil
}

// CreateSubscription оформляет премиальную подписку. Ключ идемпотентности
// выдаётся на каждую попытку оформления и общий для её повторов.
func (c *Client) CreateSubscription(ctx context.Context, userID, customerID, paymentMethodID string) (Result, error) {
	const op = "paymentprovider.CreateSubscription"

	var sub *stripe.Subscription
	key := fmt.Sprintf("subscription:%s:%s:%s", userID, c.priceID, uuid.NewString())
	err := c.do(ctx, op, func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{
			Customer: stripe.String(customerID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(c.priceID)},
			},
		}
		if paymentMethodID != "" {
			params.DefaultPaymentMethod = stripe.String(paymentMethodID)
		}
		params.Context = ctx
		params.SetIdempotencyKey(key)
		params.AddMetadata(MetadataUserID, userID)
		var err error
		sub, err = c.api.Subscriptions.New(params)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	return toResult(sub), nil
}

// CancelSubscription немедленно отменяет подписку.
func (c *Client) CancelSubscription(ctx context.Context, externalID string) (Result, error) {
	const op = "paymentprovider.CancelSubscription"

	var sub *stripe.Subscription
	err := c.do(ctx, op, func(ctx context.Context) error {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		params.SetIdempotencyKey("cancel:" + externalID)
		var err error
		sub, err = c.api.Subscriptions.Cancel(externalID, params)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	return toResult(sub), nil
}

// SetCancelAtPeriodEnd включает или снимает отмену в конце оплаченного периода.
func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) (Result, error) {
	const op = "paymentprovider.SetCancelAtPeriodEnd"

	var sub *stripe.Subscription
	key := fmt.Sprintf("cancel-at-period-end:%s:%t:%s", externalID, cancel, uuid.NewString())
	err := c.do(ctx, op, func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
		params.Context = ctx
		params.SetIdempotencyKey(key)
		var err error
		sub, err = c.api.Subscriptions.Update(externalID, params)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	return toResult(sub), nil
}

// BillingPortalURL открывает сессию портала самообслуживания.
func (c *Client) BillingPortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	const op = "paymentprovider.BillingPortalURL"

	var session *stripe.BillingPortalSession
	key := "portal:" + uuid.NewString()
	err := c.do(ctx, op, func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(returnURL),
		}
		params.Context = ctx
		params.SetIdempotencyKey(key)
		var err error
		session, err = c.api.BillingPortalSessions.New(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return session.URL, nil
}

// do выполняет вызов по политике повторов, классифицируя ошибки провайдера.
func (c *Client) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	attempt := 0
	return c.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := classify(call(ctx))
		if err != nil && apperr.IsRetryable(err) {
			c.log.Warn("provider call failed",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				sl.Err(err))
		}
		return err
	})
}

// classify делит ошибки провайдера на временные и окончательные.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.Type == stripe.ErrorTypeAPI {
			return apperr.Retryable(err)
		}
		return fmt.Errorf("%w: %s", apperr.ErrPaymentRejected, stripeErr.Msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Retryable(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// ответ не разобран или соединение оборвано
	return apperr.Retryable(err)
}

func toResult(sub *stripe.Subscription) Result {
	r := Result{
		ExternalID:        sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		r.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		r.PeriodStart = unix(sub.Items.Data[0].CurrentPeriodStart)
		r.PeriodEnd = unix(sub.Items.Data[0].CurrentPeriodEnd)
	}
	return r
}
