package paymentprovider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/apperr"
	"github.com/magabrotheeeer/entitlement-engine/internal/models"
)

// Типы событий провайдера, которые разбирает движок.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoiceSucceeded    = "invoice.payment_succeeded"
	EventInvoicePaid         = "invoice.paid"
	EventInvoiceFailed       = "invoice.payment_failed"
)

// MetadataUserID — ключ метаданных, связывающий объекты провайдера с пользователем.
const MetadataUserID = "user_id"

// Result — итог исходящего вызова провайдера.
type Result struct {
	ExternalID        string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// envelope — конверт события вебхука.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandableID принимает как строковый ID, так и развёрнутый объект с полем id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type period struct {
	Start int64 `json:"current_period_start"`
	End   int64 `json:"current_period_end"`
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	// Начиная с API 2025-03-31 период хранится на позициях подписки.
	period
	Items struct {
		Data []period `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) toModel() models.ProviderSubscription {
	p := s.period
	if len(s.Items.Data) > 0 && s.Items.Data[0].End != 0 {
		p = s.Items.Data[0]
	}
	return models.ProviderSubscription{
		ID:                s.ID,
		CustomerID:        string(s.Customer),
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		PeriodStart:       unix(p.Start),
		PeriodEnd:         unix(p.End),
		UserID:            s.Metadata[MetadataUserID],
	}
}

type invoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	AttemptCount int          `json:"attempt_count"`
	PeriodStart  int64        `json:"period_start"`
	PeriodEnd    int64        `json:"period_end"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (in invoiceObject) toModel() models.ProviderInvoice {
	subID := string(in.Subscription)
	if subID == "" {
		subID = string(in.Parent.SubscriptionDetails.Subscription)
	}
	start, end := in.PeriodStart, in.PeriodEnd
	if len(in.Lines.Data) > 0 && in.Lines.Data[0].Period.End != 0 {
		start, end = in.Lines.Data[0].Period.Start, in.Lines.Data[0].Period.End
	}
	return models.ProviderInvoice{
		ID:             in.ID,
		CustomerID:     string(in.Customer),
		SubscriptionID: subID,
		AttemptCount:   in.AttemptCount,
		PeriodStart:    unix(start),
		PeriodEnd:      unix(end),
	}
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// ParseEvent разбирает проверенное тело вебхука в замкнутый вариант события.
// Неизвестные типы возвращаются как models.UnhandledEvent.
func ParseEvent(payload []byte) (models.BillingEventKind, error) {
	const op = "paymentprovider.ParseEvent"

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, apperr.ErrMalformed, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%s: %w: missing id or type", op, apperr.ErrMalformed)
	}
	meta := models.EventMeta{ID: env.ID, Type: env.Type, CreatedAt: unix(env.Created)}

	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var obj subscriptionObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil || obj.ID == "" {
			return nil, fmt.Errorf("%s: %w: subscription object", op, apperr.ErrMalformed)
		}
		sub := obj.toModel()
		switch env.Type {
		case EventSubscriptionCreated:
			return models.SubscriptionCreated{EventMeta: meta, Subscription: sub}, nil
		case EventSubscriptionUpdated:
			return models.SubscriptionUpdated{EventMeta: meta, Subscription: sub}, nil
		default:
			return models.SubscriptionDeleted{EventMeta: meta, Subscription: sub}, nil
		}
	case EventInvoiceSucceeded, EventInvoicePaid, EventInvoiceFailed:
		var obj invoiceObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil || obj.ID == "" {
			return nil, fmt.Errorf("%s: %w: invoice object", op, apperr.ErrMalformed)
		}
		if env.Type == EventInvoiceFailed {
			return models.InvoicePaymentFailed{EventMeta: meta, Invoice: obj.toModel()}, nil
		}
		return models.InvoicePaymentSucceeded{EventMeta: meta, Invoice: obj.toModel()}, nil
	default:
		return models.UnhandledEvent{EventMeta: meta}, nil
	}
}
