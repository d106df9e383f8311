package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Service owns the asynq client used to enqueue notifications and the
// server that writes them to the inbox.
type Service struct {
	client *asynq.Client
	server *asynq.Server
	log    logrus.FieldLogger
}

// Start connects to redis and begins processing notification tasks.
func Start(redisAddr string, inbox Inbox, log logrus.FieldLogger) (*Service, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opts)

	mux := asynq.NewServeMux()
	mux.Handle(TaskJobNotification, NewProcessor(inbox, log))

	server := asynq.NewServer(opts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueNotifications: 10,
		},
		Logger:   log.WithField("component", "asynq"),
		LogLevel: asynq.WarnLevel,
	})
	if err := server.Start(mux); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("start asynq server at %s: %w", redisAddr, err)
	}

	log.WithField("addr", redisAddr).Info("Asynq initialized")
	return &Service{client: client, server: server, log: log}, nil
}

// Notifier returns a marketplace.Notifier backed by the queue
func (s *Service) Notifier() *Enqueuer {
	return NewEnqueuer(s.client, s.log)
}

// Close releases client and stops server.
func (s *Service) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
	}
}

// Processor handles notification tasks by writing inbox rows
type Processor struct {
	inbox Inbox
	log   logrus.FieldLogger
}

func NewProcessor(inbox Inbox, log logrus.FieldLogger) *Processor {
	return &Processor{inbox: inbox, log: log}
}

// ProcessTask implements asynq.Handler
func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var n NotificationPayload
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		// Malformed payloads are not retried
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	fields := logrus.Fields{"job_id": n.JobID, "user_id": n.UserID, "event": n.Type}
	if err := p.inbox.Create(ctx, n); err != nil {
		p.log.WithFields(fields).WithError(err).Warn("inbox write failed")
		return err
	}
	p.log.WithFields(fields).Debug("notification stored")
	return nil
}
