package interfaces

import (
	"context"
)

// Mailer sends user-facing generation notifications.
type Mailer interface {
	SendCompletion(ctx context.Context, n *Notification) error
	SendFailure(ctx context.Context, n *Notification) error
}

// Notification payload for Mailer
type Notification struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	Phase     string `json:"phase"`
	Message   string `json:"message,omitempty"`
}

// CreditDeductor charges a user for a finished generation.
type CreditDeductor interface {
	DeductCredits(ctx context.Context, userID, requestID string, amount int) error
}
