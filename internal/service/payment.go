package service

import (
	"context"

	"github.com/unclebandit/shotqueue/internal/model"
)

// PaymentLookup answers whether a recipient has already paid on a bot.
type PaymentLookup interface {
	HasPaid(ctx context.Context, botSlug string, recipientID int64) (bool, error)
	PaidAmong(ctx context.Context, botSlug string, recipients []int64) (map[int64]bool, error)
}

type paidEventSource interface {
	HasEvent(ctx context.Context, botSlug string, recipientID int64, names []string) (bool, error)
	RecipientsWithEvent(ctx context.Context, botSlug string, names []string, recipients []int64) (map[int64]bool, error)
}

// EventPaymentLookup treats a recorded pix_paid event as proof of payment.
type EventPaymentLookup struct {
	Events paidEventSource
}

var paidEvents = []string{model.EventPixPaid}

func (l *EventPaymentLookup) HasPaid(ctx context.Context, botSlug string, recipientID int64) (bool, error) {
	return l.Events.HasEvent(ctx, botSlug, recipientID, paidEvents)
}

func (l *EventPaymentLookup) PaidAmong(ctx context.Context, botSlug string, recipients []int64) (map[int64]bool, error) {
	return l.Events.RecipientsWithEvent(ctx, botSlug, paidEvents, recipients)
}
