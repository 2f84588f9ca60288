// Package stream pushes decided results to dashboard subscribers over
// WebSocket.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/valinor-ai/moderator/internal/auth"
	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/notify"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Message is the JSON frame sent to subscribers.
type Message struct {
	Type   string             `json:"type"`
	Result *moderation.Result `json:"result,omitempty"`
}

// Config configures the hub.
type Config struct {
	// OriginPatterns restricts browser origins allowed to upgrade.
	OriginPatterns []string
	// Buffer is the per-subscriber queue length; slow subscribers lose
	// results beyond it.
	Buffer int
}

type subscriber struct {
	ch chan moderation.Result
}

// Hub fans results out to connected subscribers. It is a notify.Sink.
type Hub struct {
	cfg    Config
	tokens auth.TokenValidator // nil disables auth
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

var _ notify.Sink = (*Hub)(nil)

func NewHub(cfg Config, tokens auth.TokenValidator, logger *slog.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		tokens: tokens,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

func (h *Hub) Name() string { return "stream" }

// Accept takes every result, including safe ones.
func (h *Hub) Accept(notify.Event) bool { return true }

// Send broadcasts events without blocking on slow subscribers.
func (h *Hub) Send(_ context.Context, events []notify.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		for s := range h.subs {
			select {
			case s.ch <- e.Result:
			default:
				h.logger.Warn("stream subscriber lagging, dropping result", "result_id", e.Result.ID)
			}
		}
	}
	return nil
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan moderation.Result, h.cfg.Buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// HandleStream upgrades to a WebSocket and streams results until the
// client goes away. Auth is via access_token query parameter since
// browsers cannot set headers on WebSocket upgrade.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.tokens != nil {
		rawToken := r.URL.Query().Get("access_token")
		if rawToken == "" {
			http.Error(w, `{"error":"missing access_token"}`, http.StatusUnauthorized)
			return
		}
		if _, err := auth.Authenticate(h.tokens, rawToken); err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
	}

	acceptOpts := &websocket.AcceptOptions{}
	if len(h.cfg.OriginPatterns) > 0 {
		acceptOpts.OriginPatterns = h.cfg.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())

	if err := h.write(ctx, conn, Message{Type: "connected"}); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case result := <-sub.ch:
			if err := h.write(ctx, conn, Message{Type: "result", Result: &result}); err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}
