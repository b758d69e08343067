// Package feed pushes committed listing events to websocket clients.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"escrow_dex/internal/event"
	"escrow_dex/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	replayPage   = 500
	queryTimeout = 10 * time.Second
)

// EventSource serves past events for replay on connect.
type EventSource interface {
	ListEvents(ctx context.Context, fromSeq uint64, limit int) ([]event.ListingEvent, error)
}

type outbound struct {
	seq  uint64
	data []byte
}

type client struct {
	conn    *websocket.Conn
	send    chan outbound
	fromSeq uint64
}

// Hub fans every broadcast event out to connected clients as JSON.
// A client whose send buffer is full is dropped, never waited on.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	upgrader   websocket.Upgrader
	sendBuffer int
	source     EventSource
	metrics    *infra.Metrics
}

// NewHub creates a hub. source may be nil, which disables replay.
func NewHub(sendBuffer int, source EventSource, metrics *infra.Metrics) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		source:     source,
		metrics:    metrics,
	}
}

// ServeHTTP upgrades the request and registers the client.
// ?from_seq=N replays stored events with Seq >= N before live events. The
// replay runs in the client's writer, so a slow reader never holds up Broadcast.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var fromSeq uint64
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid from_seq", http.StatusBadRequest)
			return
		}
		fromSeq = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Feed upgrade failed", slog.Any("error", err))
		return
	}
	c := &client{conn: conn, send: make(chan outbound, h.sendBuffer), fromSeq: fromSeq}

	// Registered before the replay query: anything stored after it arrives
	// through send, and the writer skips what the replay already covered.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.IncrementFeedClients()
	slog.Info("Feed client connected", slog.String("remote", r.RemoteAddr), slog.Uint64("from_seq", fromSeq))

	go h.writePump(c)
	go h.readPump(c)
}

// replay writes stored events from c.fromSeq on, page by page, and returns
// the last sequence written.
func (h *Hub) replay(c *client) (uint64, error) {
	from := c.fromSeq
	var last uint64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		events, err := h.source.ListEvents(ctx, from, replayPage)
		cancel()
		if err != nil {
			return last, err
		}
		for _, ev := range events {
			b, err := json.Marshal(ev)
			if err != nil {
				return last, err
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return last, err
			}
			last = ev.Seq
		}
		if len(events) < replayPage {
			return last, nil
		}
		from = last + 1
	}
}

// Broadcast queues ev for every client.
func (h *Hub) Broadcast(ev event.ListingEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Feed marshal failed", slog.Any("error", err))
		return
	}

	msg := outbound{seq: ev.Seq, data: b}
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("Feed client too slow, dropping", slog.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

// remove unregisters c once; closing send stops its writePump.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	h.metrics.DecrementFeedClients()
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	// live events at or below sent were covered by the replay or not asked for
	var sent uint64
	if c.fromSeq > 0 {
		sent = c.fromSeq - 1
	}
	if c.fromSeq > 0 && h.source != nil {
		last, err := h.replay(c)
		if err != nil {
			slog.Warn("Feed replay failed", slog.Any("error", err))
			h.remove(c)
			return
		}
		sent = max(sent, last)
	}

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if msg.seq <= sent {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump only keeps the connection alive; clients have nothing to say.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
