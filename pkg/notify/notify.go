// Package notify is the outbound boundary of the core: a sink the
// service hands settlement summaries and review notices to. The core
// only knows Notify(recipient, message); delivery transport lives
// behind the interface.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Notifier delivers a message to the user with the given external
// identity. Delivery is best effort; a failed delivery must never fail
// the ledger operation that triggered it.
type Notifier interface {
	Notify(ctx context.Context, recipient int64, message string) error
}

// LogNotifier writes notifications to the log instead of delivering
// them. Used when no transport is configured, and in tests.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, recipient int64, message string) error {
	n.log.Info("notification",
		zap.Int64("recipient", recipient),
		zap.String("message", message))
	return nil
}
