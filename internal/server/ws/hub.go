// Package ws streams market snapshots to websocket clients. Bus messages
// only tell a session which market to re-read; every frame sent is built
// from a fresh ledger read.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/server/middleware"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// readTimeout bounds each ledger read made on behalf of a session.
	readTimeout = 5 * time.Second

	defaultPollInterval = time.Second
	maxMarketIDLen      = 128
)

// AllMarkets is the stream target covering every market.
const AllMarkets = "*"

// Close reasons sent with the close frame.
const (
	reasonUnavailable = "real-time unavailable"
	reasonShutdown    = "server shutting down"
	reasonBadRequest  = "invalid subscription request"
)

// MarketReader is the ledger read side a session needs.
type MarketReader interface {
	Snapshot(ctx context.Context, id string) (domain.MarketSnapshot, error)
	ListSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error)
}

// Config tunes the hub.
type Config struct {
	// PollInterval bounds how long a session blocks waiting for the bus
	// before re-checking its subscription and the hub's state.
	PollInterval time.Duration
	// AllowedOrigins restricts the Origin header on upgrade. Empty allows
	// all origins.
	AllowedOrigins []string
}

// Hub owns every streaming session. It holds no bus subscriptions of its
// own; each session subscribes for itself.
type Hub struct {
	bus      domain.EventBus
	markets  MarketReader
	sessions *registry
	upgrader websocket.Upgrader
	poll     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHub creates a Hub streaming market state from markets, woken by bus.
func NewHub(bus domain.EventBus, markets MarketReader, cfg Config, logger *slog.Logger) *Hub {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	origins := cfg.AllowedOrigins
	return &Hub{
		bus:      bus,
		markets:  markets,
		sessions: newRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origins, origin)
			},
		},
		poll:    poll,
		logger:  logger.With(slog.String("component", "ws_hub")),
		now:     time.Now,
		closing: make(chan struct{}),
	}
}

// HandleStream upgrades the request into a streaming session and runs it
// until the client leaves, the bus fails, or the hub shuts down.
// GET /api/predictions/ws/markets?market=<id>|*
// GET /api/predictions/ws/markets/{id}
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("id")
	if target == "" {
		target = r.URL.Query().Get("market")
	}
	target, err := normalizeTarget(target)
	if err != nil {
		writePlainError(w, http.StatusBadRequest, err.Error())
		return
	}

	select {
	case <-h.closing:
		writePlainError(w, http.StatusServiceUnavailable, reasonShutdown)
		return
	default:
	}

	// Unknown markets are refused before the upgrade.
	if target != AllMarkets {
		ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
		_, err := h.markets.Snapshot(ctx, target)
		cancel()
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writePlainError(w, http.StatusNotFound, "market not found")
			return
		case err != nil:
			h.logger.WarnContext(r.Context(), "stream rejected, ledger read failed",
				slog.String("market_id", target),
				slog.String("error", err.Error()),
			)
			w.Header().Set("Retry-After", "1")
			writePlainError(w, http.StatusServiceUnavailable, "ledger temporarily unavailable")
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := newSession(h, conn, target)
	if !h.sessions.add(s) {
		s.closeWith(websocket.CloseGoingAway, reasonShutdown)
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	s.run(ctx)
}

// Sessions returns the number of live sessions.
func (h *Hub) Sessions() int {
	return h.sessions.len()
}

// Shutdown refuses new sessions, tells every live session to close with
// 1001, and waits for them to finish. Sessions still running when ctx ends
// have their connections dropped.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.sessions.seal()
		close(h.closing)
	})

	done := make(chan struct{})
	go func() {
		h.sessions.wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, s := range h.sessions.snapshot() {
			s.conn.Close()
		}
		<-done
		return ctx.Err()
	}
}

// normalizeTarget maps an empty or "*" target to AllMarkets and rejects ids
// that cannot name a market.
func normalizeTarget(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" || target == AllMarkets {
		return AllMarkets, nil
	}
	if len(target) > maxMarketIDLen || strings.ContainsAny(target, "*?[] \t\r\n") {
		return "", errors.New(reasonBadRequest)
	}
	return target, nil
}

func writePlainError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
