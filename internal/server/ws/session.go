package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/server/view"
)

// State is a session's lifecycle position. Sessions only move forward;
// StateClosed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Client actions.
const (
	actionSubscribe = "subscribe"
	actionPing      = "ping"
	actionInvalid   = ""
)

// clientMessage is the JSON a client may send on an open stream, e.g.
// {"action":"subscribe","market":"btc-100k"} to switch markets.
type clientMessage struct {
	Action string `json:"action"`
	Market string `json:"market"`
}

var errSend = errors.New("ws: send failed")

// session is one client's stream. Only the goroutine running run writes
// data frames; the read loop hands client messages over on requests.
type session struct {
	id     uint64
	hub    *Hub
	conn   *websocket.Conn
	target string
	sub    domain.Subscription
	logger *slog.Logger

	state     atomic.Int32
	closeCode atomic.Int32
	dropped   atomic.Int64

	requests chan clientMessage
	done     chan struct{} // closed when the session starts tearing down
	gone     chan struct{} // closed when the read loop exits
	opened   time.Time
}

func newSession(h *Hub, conn *websocket.Conn, target string) *session {
	return &session{
		hub:      h,
		conn:     conn,
		target:   target,
		logger:   h.logger,
		requests: make(chan clientMessage, 1),
		done:     make(chan struct{}),
		gone:     make(chan struct{}),
		opened:   h.now(),
	}
}

func (s *session) State() State {
	return State(s.state.Load())
}

// advance moves the session forward. It never leaves StateClosed and never
// moves backwards.
func (s *session) advance(to State) {
	for {
		cur := s.state.Load()
		if State(cur) >= to {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// run drives the session from CONNECTING to CLOSED. Teardown is deferred so
// every exit path unsubscribes and unregisters.
func (s *session) run(ctx context.Context) {
	s.logger = s.logger.With(slog.Uint64("session", s.id), slog.String("target", s.target))
	defer s.finish()
	go s.readLoop()

	s.logger.InfoContext(ctx, "stream session opened", slog.Int("sessions", s.hub.Sessions()))

	if err := s.subscribe(ctx, s.target); err != nil {
		s.logger.WarnContext(ctx, "bus subscribe failed", slog.String("error", err.Error()))
		s.closeWith(websocket.CloseInternalServerErr, reasonUnavailable)
		return
	}
	s.advance(StateSubscribed)

	if err := s.sendSnapshot(ctx); err != nil {
		if !errors.Is(err, errSend) {
			s.logger.WarnContext(ctx, "initial snapshot failed", slog.String("error", err.Error()))
			s.closeWith(websocket.CloseInternalServerErr, "snapshot unavailable")
		}
		return
	}
	s.advance(StateStreaming)

	s.stream(ctx)
}

// stream relays bus hints until something ends the session. The poll tick
// bounds every wait so a dead subscription is noticed without traffic.
func (s *session) stream(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	poll := time.NewTicker(s.hub.poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.gone:
			return
		case <-s.hub.closing:
			s.closeWith(websocket.CloseGoingAway, reasonShutdown)
			return
		case msg := <-s.requests:
			if !s.handle(ctx, msg) {
				return
			}
		case payload, ok := <-s.sub.C():
			if !ok {
				s.busLost(ctx)
				return
			}
			if err := s.relay(ctx, payload); err != nil {
				return
			}
		case <-poll.C:
			if err := s.sub.Err(); err != nil {
				s.busLost(ctx)
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// subscribe attaches the session to target's topic, releasing any previous
// subscription only after the new one is live.
func (s *session) subscribe(ctx context.Context, target string) error {
	topic := domain.TopicVotes
	if target != AllMarkets {
		topic = domain.MarketTopic(target)
	}
	sub, err := s.hub.bus.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	if s.sub != nil {
		s.sub.Close()
	}
	s.sub = sub
	s.target = target
	return nil
}

// sendSnapshot pushes the target's current ledger state.
func (s *session) sendSnapshot(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	frame := view.Frame{Type: view.FrameSnapshot, Timestamp: s.hub.now().UTC()}
	if s.target == AllMarkets {
		snaps, err := s.hub.markets.ListSnapshots(rctx)
		if err != nil {
			return err
		}
		frame.Markets = view.NewMarkets(snaps)
	} else {
		snap, err := s.hub.markets.Snapshot(rctx, s.target)
		if err != nil {
			return err
		}
		m := view.NewMarket(snap)
		frame.MarketID = snap.ID
		frame.Market = &m
	}
	return s.write(frame)
}

// relay turns one bus hint into a frame built from a fresh ledger read.
// Malformed hints and failed reads are dropped; only a failed send ends the
// session.
func (s *session) relay(ctx context.Context, payload []byte) error {
	var ev domain.VoteEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.MarketID == "" {
		s.dropped.Add(1)
		s.logger.DebugContext(ctx, "dropping malformed hint")
		return nil
	}
	if s.target != AllMarkets && ev.MarketID != s.target {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	snap, err := s.hub.markets.Snapshot(rctx, ev.MarketID)
	cancel()
	if err != nil {
		s.dropped.Add(1)
		s.logger.WarnContext(ctx, "dropping update, ledger re-read failed",
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	m := view.NewMarket(snap)
	return s.write(view.Frame{
		Type:      view.FrameVoteUpdate,
		MarketID:  snap.ID,
		Timestamp: s.hub.now().UTC(),
		Market:    &m,
		LastVote:  ev.LastVote,
	})
}

// handle acts on one client message and reports whether the session
// continues.
func (s *session) handle(ctx context.Context, msg clientMessage) bool {
	switch msg.Action {
	case actionPing:
		return s.write(view.Frame{Type: view.FramePong, Timestamp: s.hub.now().UTC()}) == nil
	case actionSubscribe:
		return s.retarget(ctx, msg.Market)
	}
	s.closeWith(websocket.ClosePolicyViolation, reasonBadRequest)
	return false
}

// retarget switches the stream to another market or to all markets. An
// unknown market is reported to the client and the current stream is kept.
func (s *session) retarget(ctx context.Context, raw string) bool {
	target, err := normalizeTarget(raw)
	if err != nil {
		s.closeWith(websocket.ClosePolicyViolation, reasonBadRequest)
		return false
	}

	if target != AllMarkets && target != s.target {
		rctx, cancel := context.WithTimeout(ctx, readTimeout)
		_, err := s.hub.markets.Snapshot(rctx, target)
		cancel()
		if err != nil {
			msg := "ledger temporarily unavailable"
			if errors.Is(err, domain.ErrNotFound) {
				msg = "market not found"
			}
			return s.writeError(msg) == nil
		}
	}

	if target != s.target {
		if err := s.subscribe(ctx, target); err != nil {
			s.logger.WarnContext(ctx, "bus resubscribe failed", slog.String("error", err.Error()))
			s.closeWith(websocket.CloseInternalServerErr, reasonUnavailable)
			return false
		}
		s.logger.DebugContext(ctx, "stream retargeted", slog.String("new_target", target))
	}

	if err := s.sendSnapshot(ctx); err != nil {
		if errors.Is(err, errSend) {
			return false
		}
		return s.writeError("ledger temporarily unavailable") == nil
	}
	return true
}

// busLost ends the session with the real-time-unavailable close.
func (s *session) busLost(ctx context.Context) {
	attrs := []any{}
	if err := s.sub.Err(); err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.logger.WarnContext(ctx, "bus subscription lost", attrs...)
	s.closeWith(websocket.CloseInternalServerErr, reasonUnavailable)
}

func (s *session) write(frame view.Frame) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", errSend, err)
	}
	return nil
}

func (s *session) writeError(msg string) error {
	return s.write(view.Frame{Type: view.FrameError, Timestamp: s.hub.now().UTC(), Error: msg})
}

// closeWith sends a close frame. The connection itself is closed by finish.
func (s *session) closeWith(code int, reason string) {
	s.closeCode.Store(int32(code))
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

// readLoop consumes client frames, keeps the read deadline fresh and hands
// parsed messages to the stream loop.
func (s *session) readLoop() {
	defer close(s.gone)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream read ended", slog.String("error", err.Error()))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			msg = clientMessage{Action: actionInvalid}
		}
		select {
		case s.requests <- msg:
		case <-s.done:
			return
		}
	}
}

// finish releases everything the session holds and marks it CLOSED. It runs
// on every exit from run.
func (s *session) finish() {
	close(s.done)
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
		}
	}
	s.conn.Close()
	<-s.gone
	s.state.Store(int32(StateClosed))
	s.hub.sessions.remove(s.id)

	s.logger.Info("stream session closed",
		slog.Int("close_code", int(s.closeCode.Load())),
		slog.Int64("dropped", s.dropped.Load()),
		slog.Duration("duration", s.hub.now().Sub(s.opened)),
	)
}
