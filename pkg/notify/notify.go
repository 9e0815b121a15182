// Package notify defines user-facing notifications. Notifications are
// published on the event bus; the presentation layer decides how to render
// them.
package notify

import (
	"fmt"
	"time"

	"github.com/cbodonnell/tally/pkg/events"
	"github.com/google/uuid"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Notification is a typed message for the user. AutoDismiss of 0 means the
// notification stays until dismissed manually; critical notifications are
// always manual.
type Notification struct {
	ID          uuid.UUID
	Severity    Severity
	Title       string
	Message     string
	AutoDismiss time.Duration
	CreatedAt   time.Time
	// OnRetry is offered to the user when set.
	OnRetry func()
	// OnDismiss runs when the user dismisses the notification.
	OnDismiss func()
}

// Normalize fills defaults and enforces manual dismissal for critical
// notifications.
func (n Notification) Normalize() Notification {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Severity == SeverityCritical || n.AutoDismiss < 0 {
		n.AutoDismiss = 0
	}
	return n
}

func (n Notification) Retryable() bool {
	return n.OnRetry != nil
}

// Notifier publishes notifications on a bus.
type Notifier struct {
	bus *events.Bus
}

func NewNotifier(bus *events.Bus) *Notifier {
	return &Notifier{bus: bus}
}

// Notify normalizes n and publishes it. It returns the published value.
func (n *Notifier) Notify(notification Notification) (Notification, error) {
	notification = notification.Normalize()
	if err := events.Publish(n.bus, notification); err != nil {
		return notification, fmt.Errorf("failed to publish notification: %w", err)
	}
	return notification, nil
}

func (n *Notifier) Info(title, message string) (Notification, error) {
	return n.Notify(Notification{Severity: SeverityInfo, Title: title, Message: message, AutoDismiss: 3 * time.Second})
}

func (n *Notifier) Warning(title, message string) (Notification, error) {
	return n.Notify(Notification{Severity: SeverityWarning, Title: title, Message: message, AutoDismiss: 5 * time.Second})
}
