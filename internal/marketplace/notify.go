package marketplace

import (
	"context"
	"errors"
	"time"
)

// EventType names a lifecycle event
type EventType string

const (
	EventJobApplied        EventType = "job.applied"
	EventApplicantAccepted EventType = "applicant.accepted"
	EventApplicantRejected EventType = "applicant.rejected"
	EventJobStarted        EventType = "job.started"
	EventJobFinished       EventType = "job.finished"
	EventJobCancelled      EventType = "job.cancelled"
	EventPayoutFailed      EventType = "payout.failed"
)

// Event is published after a lifecycle transition has committed.
type Event struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id"`
	JobTitle   string    `json:"job_title,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	Recipients []string  `json:"recipients"`
	Amount     int64     `json:"amount,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Notifier delivers events. Delivery is best effort: an error is logged by
// the coordinator and never fails or undoes the transition.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// FanOut delivers to every notifier and joins their errors.
type FanOut []Notifier

func (f FanOut) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }
