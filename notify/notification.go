// Package notify creates deduplicated user-facing notifications.
package notify

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spendsweep/spendsweep/errors"
)

// Severity levels for notifications
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Notification is one user-facing alert. Notifications with the same dedupe
// key collapse to a single unread record.
type Notification struct {
	ID           string
	DedupeKey    string
	Type         string
	Severity     string
	ResourceType string
	ResourceID   string
	Period       string // Optional period key, "" when the event is not period-scoped
	Title        string
	Body         string
	Read         bool
	CreatedAt    time.Time
}

// DedupeKey computes the stable key identifying "the same notifiable event":
// type:severity:resourceType:resourceID[:period]. Repeated triggers with the
// same key collapse to one notification.
func DedupeKey(typ, severity, resourceType, resourceID, period string) string {
	parts := []string{typ, severity, resourceType, resourceID}
	if period != "" {
		parts = append(parts, period)
	}
	return strings.Join(parts, ":")
}

// New constructs an unread notification with its dedupe key derived from the
// identifying fields.
func New(typ, severity, resourceType, resourceID, period, title, body string) (*Notification, error) {
	if typ == "" || severity == "" || resourceType == "" || resourceID == "" {
		return nil, errors.New("notification type, severity, resourceType and resourceID are required")
	}

	return &Notification{
		ID:           uuid.NewString(),
		DedupeKey:    DedupeKey(typ, severity, resourceType, resourceID, period),
		Type:         typ,
		Severity:     severity,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Period:       period,
		Title:        title,
		Body:         body,
		Read:         false,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
