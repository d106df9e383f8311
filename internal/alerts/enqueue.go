package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/sudo-init-do/gighub/internal/marketplace"
)

// taskQueue is the part of *asynq.Client the Enqueuer uses
type taskQueue interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer is a marketplace.Notifier that schedules one inbox task per
// recipient. It returns once the tasks are in redis; delivery happens on the
// processing server.
type Enqueuer struct {
	queue    taskQueue
	maxRetry int
	log      logrus.FieldLogger
}

func NewEnqueuer(client *asynq.Client, log logrus.FieldLogger) *Enqueuer {
	return &Enqueuer{queue: client, maxRetry: 5, log: log}
}

// Notify implements marketplace.Notifier
func (e *Enqueuer) Notify(ctx context.Context, ev marketplace.Event) error {
	var errs []error
	for _, p := range payloadsFor(ev) {
		b, err := json.Marshal(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		task := asynq.NewTask(TaskJobNotification, b)
		info, err := e.queue.EnqueueContext(ctx, task, asynq.Queue(QueueNotifications), asynq.MaxRetry(e.maxRetry))
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s for %s: %w", ev.Type, p.UserID, err))
			continue
		}
		e.log.WithFields(logrus.Fields{
			"job_id":  ev.JobID,
			"user_id": p.UserID,
			"event":   ev.Type,
			"task_id": info.ID,
		}).Debug("notification enqueued")
	}
	return errors.Join(errs...)
}

// DirectNotifier writes inbox rows inline. It stands in for the queue when
// alerts are disabled.
type DirectNotifier struct {
	inbox Inbox
}

func NewDirectNotifier(inbox Inbox) *DirectNotifier {
	return &DirectNotifier{inbox: inbox}
}

func (d *DirectNotifier) Notify(ctx context.Context, ev marketplace.Event) error {
	var errs []error
	for _, p := range payloadsFor(ev) {
		if err := d.inbox.Create(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
