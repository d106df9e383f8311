package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/sudo-init-do/gighub/internal/marketplace"
)

const writeWait = 5 * time.Second

type wsEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// JobDirectory answers who may watch a job
type JobDirectory interface {
	GetJob(ctx context.Context, jobID string) (marketplace.Job, error)
	HasApplied(ctx context.Context, jobID, userID string) (bool, error)
}

type room struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string
}

// Hub pushes lifecycle events to the owner and applicants watching a job.
// It implements marketplace.Notifier.
type Hub struct {
	jobs     JobDirectory
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu    sync.Mutex
	rooms map[string]*room
}

func NewHub(jobs JobDirectory, log logrus.FieldLogger) *Hub {
	return &Hub{
		jobs: jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:   log,
		rooms: make(map[string]*room),
	}
}

// join registers c in the job's room, creating it if needed
func (h *Hub) join(jobID string, c *websocket.Conn, userID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[jobID]
	if !ok {
		r = &room{clients: make(map[*websocket.Conn]string)}
		h.rooms[jobID] = r
	}
	r.mu.Lock()
	r.clients[c] = userID
	r.mu.Unlock()
	return r
}

// leave unregisters c and removes the room once it is empty
func (h *Hub) leave(jobID string, r *room, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	delete(r.clients, c)
	empty := len(r.clients) == 0
	r.mu.Unlock()
	if empty && h.rooms[jobID] == r {
		delete(h.rooms, jobID)
	}
}

// broadcast writes evt to every client in the room. Writes are serialized
// per room; a client whose write fails is disconnected.
func (r *room) broadcast(evt wsEvent) int {
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := 0
	for c := range r.clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(r.clients, c)
			_ = c.Close()
			continue
		}
		sent++
	}
	return sent
}

// Notify implements marketplace.Notifier
func (h *Hub) Notify(ctx context.Context, ev marketplace.Event) error {
	h.mu.Lock()
	r, ok := h.rooms[ev.JobID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	sent := r.broadcast(wsEvent{Type: string(ev.Type), Data: ev})
	h.log.WithFields(logrus.Fields{"job_id": ev.JobID, "event": ev.Type, "clients": sent}).Debug("event pushed")
	return nil
}

// ServeJob - GET /jobs/:id/ws, live events for the owner and applicants
func (h *Hub) ServeJob(c echo.Context) error {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	jobID := c.Param("id")
	if jobID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "missing job id"})
	}

	ctx := c.Request().Context()
	job, err := h.jobs.GetJob(ctx, jobID)
	if errors.Is(err, marketplace.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "job not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch job"})
	}
	if job.OwnerID != userID {
		applied, err := h.jobs.HasApplied(ctx, jobID, userID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to fetch applicants"})
		}
		if !applied {
			return c.JSON(http.StatusForbidden, echo.Map{"error": "not a participant in this job"})
		}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	r := h.join(jobID, ws, userID)
	r.broadcast(wsEvent{Type: "presence_join", Data: echo.Map{"user_id": userID}})

	// Read loop (discard client messages; protocol is server push)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.leave(jobID, r, ws)
			_ = ws.Close()
			r.broadcast(wsEvent{Type: "presence_leave", Data: echo.Map{"user_id": userID}})
			break
		}
	}
	return nil
}
