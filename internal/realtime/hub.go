// Package realtime streams transfer events to WebSocket clients.
//
// A client connected to /ws receives every event until it sends a
// Subscription, which replaces its filter. The hub answers each subscription
// with a "subscribed" or "error" control frame.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/walletguard/internal/metrics"
	"github.com/mbd888/walletguard/internal/money"
	"github.com/mbd888/walletguard/internal/notify"
)

// DefaultMaxClients caps concurrent connections when WithMaxClients is not
// given.
const DefaultMaxClients = 10000

const (
	queueSize    = 256
	outboxSize   = 64
	maxFrame     = 16 << 10
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
)

var (
	errHubStopped = errors.New("realtime: hub stopped")
	errHubFull    = errors.New("realtime: too many connections")
)

// Subscription filters the events a client receives. Empty filters match
// everything.
type Subscription struct {
	AllEvents  bool               `json:"allEvents"`
	EventTypes []notify.EventType `json:"eventTypes"`
	AccountIDs []string           `json:"accountIds"` // sender or recipient
	Currencies []string           `json:"currencies"`
	MinAmount  float64            `json:"minAmount"` // major units of the debited currency
}

func (s Subscription) matches(e *notify.Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.AccountIDs) > 0 && !slices.ContainsFunc(s.AccountIDs, func(id string) bool {
		return id == e.ActorID || id == e.RecipientID
	}) {
		return false
	}
	if len(s.Currencies) > 0 && !slices.ContainsFunc(s.Currencies, func(c string) bool {
		return strings.EqualFold(c, e.Currency) || (e.CreditedCurrency != "" && strings.EqualFold(c, e.CreditedCurrency))
	}) {
		return false
	}
	return s.MinAmount <= 0 || money.Major(e.Amount, e.Currency) >= s.MinAmount
}

// control is a hub-to-client frame that is not an event.
type control struct {
	Type         string        `json:"type"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Stats summarises hub activity for the admin surface.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedClients   int64 `json:"droppedClients"`
}

// session is one connected client.
type session struct {
	conn *websocket.Conn
	sub  atomic.Pointer[Subscription]

	mu     sync.Mutex
	outbox chan []byte
	closed bool
}

func newSession(conn *websocket.Conn) *session {
	s := &session{conn: conn, outbox: make(chan []byte, outboxSize)}
	s.sub.Store(&Subscription{AllEvents: true})
	return s
}

// enqueue queues frame without blocking. It reports false only when the
// outbox is full.
func (s *session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.outbox <- frame:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.outbox)
	}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMaxClients caps concurrent connections. Non-positive values are
// ignored.
func WithMaxClients(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// WithAllowedOrigins admits browser upgrades from origins besides the
// serving host. "*" admits any origin.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *Hub) { h.origins = origins }
}

// Hub fans notification events out to WebSocket sessions. It implements
// notify.Sink.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	maxClients int
	origins    []string
	queue      chan *notify.Event

	mu       sync.Mutex
	sessions map[*session]struct{}
	stopped  bool

	totalClients   atomic.Int64
	peakClients    atomic.Int64
	totalEvents    atomic.Int64
	droppedClients atomic.Int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: DefaultMaxClients,
		queue:      make(chan *notify.Event, queueSize),
		sessions:   make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin) {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Notify queues e for delivery. A full queue drops the event.
func (h *Hub) Notify(_ context.Context, e *notify.Event) error {
	select {
	case h.queue <- e:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", e.Type, "transaction_id", e.TransactionID)
	}
	return nil
}

// Run delivers queued events until ctx ends, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started", "max_clients", h.maxClients)
	for {
		select {
		case e := <-h.queue:
			h.deliver(e)
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		}
	}
}

func (h *Hub) deliver(e *notify.Event) {
	h.totalEvents.Add(1)
	frame, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode event", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if !s.sub.Load().matches(e) {
			continue
		}
		if !s.enqueue(frame) {
			h.droppedClients.Add(1)
			h.logger.Warn("dropping slow websocket client", "remote", remoteAddr(s))
			h.remove(s)
		}
	}
}

func (h *Hub) add(s *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return errHubStopped
	}
	if len(h.sessions) >= h.maxClients {
		return errHubFull
	}
	h.sessions[s] = struct{}{}
	n := int64(len(h.sessions))
	h.totalClients.Add(1)
	if n > h.peakClients.Load() {
		h.peakClients.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	return nil
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	n := len(h.sessions)
	h.mu.Unlock()
	s.close()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.stopped = true
	sessions := h.sessions
	h.sessions = make(map[*session]struct{})
	h.mu.Unlock()

	for s := range sessions {
		s.close()
	}
	metrics.ActiveWebSocketClients.Set(0)
}

// capacity reports why a new connection would be refused, if it would.
func (h *Hub) capacity() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.stopped:
		return errHubStopped
	case len(h.sessions) >= h.maxClients:
		return errHubFull
	}
	return nil
}

// Stats returns a snapshot of hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.sessions)
	h.mu.Unlock()
	return Stats{
		ConnectedClients: n,
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedClients:   h.droppedClients.Load(),
	}
}

// HandleWebSocket upgrades the request and serves the session until either
// side closes it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.capacity(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(conn)
	if err := h.add(s); err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Debug("websocket client connected", "remote", remoteAddr(s))

	go h.writeLoop(s)
	h.readLoop(s)
}

// readLoop applies subscription frames until the connection fails.
func (h *Hub) readLoop(s *session) {
	defer h.remove(s)

	s.conn.SetReadLimit(maxFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Warn("websocket read failed", "remote", remoteAddr(s), "error", err)
			}
			return
		}

		var sub Subscription
		reply := control{Type: "subscribed", Subscription: &sub}
		if err := json.Unmarshal(data, &sub); err != nil {
			reply = control{Type: "error", Error: "invalid subscription: " + err.Error()}
		} else {
			s.sub.Store(&sub)
		}
		h.reply(s, reply)
	}
}

func (h *Hub) reply(s *session, c control) {
	frame, err := json.Marshal(c)
	if err != nil {
		return
	}
	if !s.enqueue(frame) {
		h.logger.Debug("websocket outbox full, dropping control frame", "type", c.Type)
	}
}

// writeLoop drains the outbox and keeps the connection alive with pings.
func (h *Hub) writeLoop(s *session) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", "remote", remoteAddr(s), "error", err)
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func remoteAddr(s *session) string {
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr().String()
}
