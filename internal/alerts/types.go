package alerts

import (
	"time"

	"github.com/sudo-init-do/gighub/internal/marketplace"
)

// Task type constants
const (
	TaskJobNotification = "notify:job_event"
)

// QueueNotifications is the asynq queue inbox tasks are written to
const QueueNotifications = "notifications"

// NotificationPayload is one inbox row to write, fanned out per recipient
type NotificationPayload struct {
	UserID  string                `json:"user_id"`
	Type    marketplace.EventType `json:"type"`
	JobID   string                `json:"job_id"`
	Title   string                `json:"title"`
	Body    string                `json:"body"`
	Amount  int64                 `json:"amount,omitempty"`
	ActorID string                `json:"actor_id,omitempty"`
	SentAt  time.Time             `json:"sent_at"`
}

// Notification is an inbox item as stored and listed
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	JobID     string     `json:"job_id,omitempty"`
	Amount    int64      `json:"amount,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at"`
}

var titles = map[marketplace.EventType]string{
	marketplace.EventJobApplied:        "New applicant",
	marketplace.EventApplicantAccepted: "Application accepted",
	marketplace.EventApplicantRejected: "Application declined",
	marketplace.EventJobStarted:        "Job started",
	marketplace.EventJobFinished:       "Job finished",
	marketplace.EventJobCancelled:      "Job cancelled",
	marketplace.EventPayoutFailed:      "Payout failed",
}

// payloadsFor builds one payload per recipient, skipping the actor and blanks.
func payloadsFor(ev marketplace.Event) []NotificationPayload {
	title, ok := titles[ev.Type]
	if !ok {
		title = string(ev.Type)
	}
	if ev.JobTitle != "" {
		title += ": " + ev.JobTitle
	}
	sentAt := ev.At
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	seen := make(map[string]struct{}, len(ev.Recipients))
	out := make([]NotificationPayload, 0, len(ev.Recipients))
	for _, uid := range ev.Recipients {
		if uid == "" || uid == ev.ActorID {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, NotificationPayload{
			UserID:  uid,
			Type:    ev.Type,
			JobID:   ev.JobID,
			Title:   title,
			Body:    ev.Message,
			Amount:  ev.Amount,
			ActorID: ev.ActorID,
			SentAt:  sentAt,
		})
	}
	return out
}
