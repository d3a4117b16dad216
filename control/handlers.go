package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tfkr-ae/mirsat/domain"
	"github.com/tfkr-ae/mirsat/lifecycle"
	"github.com/tfkr-ae/mirsat/notify"
	"github.com/tfkr-ae/mirsat/replay"
)

const maxBodySize = 1 << 20

// Handler holds the control plane handlers. Events that change agent state are dispatched through
// the lifecycle dispatcher and their results awaited.
type Handler struct {
	dispatcher *lifecycle.Dispatcher
	queue      domain.QueueRepository
	stats      domain.StatsRepository
	status     func() lifecycle.Status
	events     http.Handler
	logger     *slog.Logger

	// ReplyTimeout bounds how long a control message waits for its reply.
	ReplyTimeout time.Duration
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	lifecycle.Status
	Generations int `json:"generations"`
	Entries     int `json:"entries"`
	Pending     int `json:"pending"`
	Dead        int `json:"dead"`
}

// NewHandler returns the control plane handlers. events, if non-nil, serves GET /events.
func NewHandler(dispatcher *lifecycle.Dispatcher, queue domain.QueueRepository, stats domain.StatsRepository, status func() lifecycle.Status, events http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		dispatcher:   dispatcher,
		queue:        queue,
		stats:        stats,
		status:       status,
		events:       events,
		logger:       logger,
		ReplyTimeout: 10 * time.Second,
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("body too large"))
		return nil, false
	}
	return body, true
}

// Ready handles GET /health/ready. The agent is ready once a version is active.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.status()
	if status.Active == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "installing"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": status.Active})
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.status()}

	var err error
	if resp.Generations, err = h.stats.CountGenerations(); err == nil {
		if resp.Entries, err = h.stats.CountEntries(); err == nil {
			if resp.Pending, err = h.stats.CountPending(); err == nil {
				resp.Dead, err = h.stats.CountDead()
			}
		}
	}
	if err != nil {
		h.logger.Error("status counts failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Control handles POST /control. Commands with a reply answer 200 with the reply, the others 202.
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	command, err := domain.DecodeControlCommand(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.ReplyTimeout)
	defer cancel()

	var reply chan any
	if _, skip := command.(domain.SkipWaiting); !skip {
		reply = make(chan any, 1)
	}

	msg := domain.ControlMessage{Command: command, Reply: reply}

	if _, err := h.dispatcher.Await(ctx, lifecycle.Event{Kind: lifecycle.EventMessage, Payload: msg}); err != nil {
		h.logger.Error("control message failed", slog.String("type", string(command.Type())), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	if reply == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"type": string(command.Type())})
		return
	}

	select {
	case answer := <-reply:
		writeJSON(w, http.StatusOK, answer)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"type": string(command.Type())})
	}
}

// Sync handles POST /sync/{tag}.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if replay.DomainFromTag(tag) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("tag is required"))
		return
	}
	h.sync(w, r, tag)
}

// SyncAll handles POST /sync.
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	h.sync(w, r, "")
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request, tag string) {
	value, err := h.dispatcher.Await(r.Context(), lifecycle.Event{Kind: lifecycle.EventSync, Payload: tag})
	if err != nil {
		h.logger.Error("sync failed", slog.String("tag", tag), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": value})
}

// Enqueue handles POST /queue/{domain}. The body is the mutation payload and must be JSON.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, errorBody("payload must be JSON"))
		return
	}

	item := &domain.QueueItem{Domain: domainName, Payload: json.RawMessage(body)}
	if err := h.queue.EnqueueItem(item); err != nil {
		h.logger.Error("enqueue failed", slog.String("domain", domainName), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": item.ID, "domain": item.Domain})
}

// queueItemResponse is the JSON form of a queue item.
type queueItemResponse struct {
	ID            uuid.UUID       `json:"id"`
	Domain        string          `json:"domain"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	DeadAt        *time.Time      `json:"dead_at,omitempty"`
}

func toResponse(items []*domain.QueueItem) []queueItemResponse {
	out := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		resp := queueItemResponse{
			ID:         item.ID,
			Domain:     item.Domain,
			Payload:    item.Payload,
			EnqueuedAt: item.EnqueuedAt,
			Attempts:   item.Attempts,
			LastError:  item.LastError,
			DeadAt:     item.DeadAt,
		}
		if !item.NextAttemptAt.IsZero() {
			next := item.NextAttemptAt
			resp.NextAttemptAt = &next
		}
		out = append(out, resp)
	}
	return out
}

// ListPending handles GET /queue/{domain}.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	h.list(w, chi.URLParam(r, "domain"), h.queue.GetPendingItems)
}

// ListDead handles GET /queue/{domain}/dead.
func (h *Handler) ListDead(w http.ResponseWriter, r *http.Request) {
	h.list(w, chi.URLParam(r, "domain"), h.queue.GetDeadItems)
}

func (h *Handler) list(w http.ResponseWriter, domainName string, get func(string) ([]*domain.QueueItem, error)) {
	items, err := get(domainName)
	if err != nil {
		h.logger.Error("list queue failed", slog.String("domain", domainName), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toResponse(items), "total": len(items)})
}

// Requeue handles POST /queue/{domain}/dead/{id}/requeue.
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return
	}

	domainName := chi.URLParam(r, "domain")
	if err := h.queue.RequeueItem(domainName, id); err != nil {
		if errors.Is(err, domain.ErrQueueItemNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
			return
		}
		h.logger.Error("requeue failed", slog.String("domain", domainName), slog.String("id", id.String()), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

// ClearQueue handles DELETE /queue/{domain}.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	domainName := chi.URLParam(r, "domain")
	removed, err := h.queue.ClearDomain(domainName)
	if err != nil {
		h.logger.Error("clear queue failed", slog.String("domain", domainName), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": domainName, "removed": removed})
}

// Push handles POST /push. The raw body is the push payload.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	value, err := h.dispatcher.Await(r.Context(), lifecycle.Event{Kind: lifecycle.EventPush, Payload: body})
	if err != nil {
		h.logger.Error("push failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// Click handles POST /notifications/click.
func (h *Handler) Click(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var click notify.ClickEvent
	if err := json.Unmarshal(body, &click); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid click"))
		return
	}
	click.Action = strings.TrimSpace(click.Action)

	value, err := h.dispatcher.Await(r.Context(), lifecycle.Event{Kind: lifecycle.EventNotificationClick, Payload: click})
	if err != nil {
		h.logger.Error("notification click failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, value)
}
