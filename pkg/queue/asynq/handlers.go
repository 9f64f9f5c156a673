package asynq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"appforge/pkg/interfaces"
	"appforge/pkg/logger"
)

// Deduction is the payload of a credit deduction task
type Deduction struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Amount    int    `json:"amount"`
}

// NotificationHandler sends queued completion and failure emails
type NotificationHandler struct {
	mailer interfaces.Mailer
}

// ProcessTask implements asynq.Handler
func (h *NotificationHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var n interfaces.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return fmt.Errorf("bad notification payload: %v: %w", err, asynq.SkipRetry)
	}
	ctx = logger.WithRequestID(ctx, n.RequestID)

	var err error
	if t.Type() == TypeNotifyCompletion {
		err = h.mailer.SendCompletion(ctx, &n)
	} else {
		err = h.mailer.SendFailure(ctx, &n)
	}
	if err != nil {
		logger.WarnCtx(ctx, "notification for request %s failed, will retry: %v", n.RequestID, err)
		return err
	}
	return nil
}

// DeductionHandler deducts credits for completed sessions
type DeductionHandler struct {
	billing interfaces.CreditDeductor
}

// ProcessTask implements asynq.Handler
func (h *DeductionHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var d Deduction
	if err := json.Unmarshal(t.Payload(), &d); err != nil {
		return fmt.Errorf("bad deduction payload: %v: %w", err, asynq.SkipRetry)
	}
	ctx = logger.WithRequestID(ctx, d.RequestID)

	if err := h.billing.DeductCredits(ctx, d.UserID, d.RequestID, d.Amount); err != nil {
		logger.WarnCtx(ctx, "credit deduction for request %s failed, will retry: %v", d.RequestID, err)
		return err
	}
	return nil
}
