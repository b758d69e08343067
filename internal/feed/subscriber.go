package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"escrow_dex/internal/event"
	"escrow_dex/internal/infra"

	"github.com/gorilla/websocket"
)

const maxRetries = 10

// Subscriber follows a remote feed and delivers its events in order.
// On reconnect it resumes from the last delivered sequence, so nothing is
// skipped and nothing is delivered twice.
type Subscriber struct {
	url     string
	inbox   chan<- event.ListingEvent
	conn    *websocket.Conn
	mu      sync.Mutex
	lastSeq uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSubscriber creates a subscriber for the feed at wsURL (ws://host/ws).
func NewSubscriber(wsURL string, fromSeq uint64, inbox chan<- event.ListingEvent) *Subscriber {
	var last uint64
	if fromSeq > 0 {
		last = fromSeq - 1
	}
	return &Subscriber{url: wsURL, inbox: inbox, lastSeq: last}
}

// Connect starts the connection loop.
func (s *Subscriber) Connect(ctx context.Context) error {
	if _, err := url.Parse(s.url); err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.connectionLoop(ctx)
	return nil
}

// LastSeq returns the sequence of the last delivered event.
func (s *Subscriber) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

func (s *Subscriber) connectionLoop(ctx context.Context) {
	defer s.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			slog.Warn("Feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		retryCount = 0
		s.readLoop(ctx)
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	u, err := url.Parse(s.url)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("from_seq", strconv.FormatUint(s.LastSeq()+1, 10))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	slog.Info("Feed connected", slog.String("url", s.url), slog.Uint64("from_seq", s.LastSeq()+1))
	return nil
}

func (s *Subscriber) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	defer s.closeConnection()

	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev event.ListingEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			slog.Warn("Feed message dropped", slog.Any("error", err))
			continue
		}
		if ev.Seq <= s.LastSeq() {
			continue // already delivered before a reconnect
		}

		select {
		case s.inbox <- ev:
			s.mu.Lock()
			s.lastSeq = ev.Seq
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Disconnect stops the loop and waits for it to exit.
func (s *Subscriber) Disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
}
