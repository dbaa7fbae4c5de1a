// Package notification turns published domain events into customer and
// operator notifications.
package notification

import (
	"context"
	"log/slog"
	"time"
)

type Audience string

const (
	Customer Audience = "customer"
	Operator Audience = "operator"
)

type Notification struct {
	EventID  string
	Audience Audience
	To       string
	Subject  string
	Body     string
	At       time.Time
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	if n.Audience == Operator {
		level = slog.LevelWarn
	}
	l.log.Log(ctx, level, "notification",
		"event_id", n.EventID, "audience", n.Audience, "to", n.To, "subject", n.Subject, "body", n.Body)
	return nil
}
