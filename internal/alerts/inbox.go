package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a notification does not exist, belongs to
// someone else or is already read.
var ErrNotFound = errors.New("notification not found or already read")

// Inbox stores in-app notifications
type Inbox interface {
	Create(ctx context.Context, p NotificationPayload) error
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id, userID string) error
}

// PGInbox keeps notifications in the notifications table
type PGInbox struct {
	pool *pgxpool.Pool
}

func NewPGInbox(pool *pgxpool.Pool) *PGInbox {
	return &PGInbox{pool: pool}
}

func (i *PGInbox) Create(ctx context.Context, p NotificationPayload) error {
	_, err := i.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, type, title, body, job_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.UserID, string(p.Type), p.Title, p.Body, p.JobID, p.Amount, p.SentAt,
	)
	return err
}

// List returns the user's notifications, newest first
func (i *PGInbox) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	rows, err := i.pool.Query(ctx,
		`SELECT id::text, user_id, type, title, COALESCE(body, ''), COALESCE(job_id, ''), amount, created_at, read_at
		 FROM notifications
		 WHERE user_id = $1 AND ($2 = FALSE OR read_at IS NULL)
		 ORDER BY created_at DESC
		 LIMIT $3`, userID, unreadOnly, limit,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Notification, error) {
		var n Notification
		err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.JobID, &n.Amount, &n.CreatedAt, &n.ReadAt)
		return n, err
	})
}

func (i *PGInbox) MarkRead(ctx context.Context, id, userID string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := i.pool.Exec(ctx,
		`UPDATE notifications SET read_at = NOW() WHERE id = $1 AND user_id = $2 AND read_at IS NULL`, id, userID,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MemoryInbox is an Inbox for tests and single-process runs
type MemoryInbox struct {
	mu    sync.Mutex
	items []Notification
	now   func() time.Time
}

func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryInbox) Create(ctx context.Context, p NotificationPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := p.SentAt
	if created.IsZero() {
		created = m.now()
	}
	m.items = append(m.items, Notification{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Type:      string(p.Type),
		Title:     p.Title,
		Body:      p.Body,
		JobID:     p.JobID,
		Amount:    p.Amount,
		CreatedAt: created,
	})
	return nil
}

func (m *MemoryInbox) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Notification{}
	for _, n := range m.items {
		if n.UserID != userID || (unreadOnly && n.ReadAt != nil) {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryInbox) MarkRead(ctx context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.items {
		if n.ID == id && n.UserID == userID && n.ReadAt == nil {
			at := m.now()
			m.items[i].ReadAt = &at
			return nil
		}
	}
	return ErrNotFound
}
