package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 5 * time.Second

// WebSocketSink streams events as JSON messages to a monitoring endpoint.
// The connection is dialled lazily and re-dialled after a write failure.
// Wrap it in Async to keep network latency off the request path.
type WebSocketSink struct {
	url     string
	timeout time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocketSink(url string, logger zerolog.Logger) *WebSocketSink {
	return &WebSocketSink{
		url:     url,
		timeout: defaultWriteTimeout,
		logger:  logger.With().Str("component", "events.websocket").Logger(),
	}
}

func (s *WebSocketSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for attempt := 0; attempt < 2; attempt++ {
		if s.conn == nil {
			conn, _, err := websocket.Dial(ctx, s.url, nil)
			if err != nil {
				s.logger.Warn().Err(err).Str("url", s.url).Msg("dial monitoring endpoint")
				return
			}
			s.conn = conn
		}
		err := wsjson.Write(ctx, s.conn, e)
		if err == nil {
			return
		}
		s.logger.Debug().Err(err).Msg("write failed, reconnecting")
		_ = s.conn.CloseNow()
		s.conn = nil
	}
	s.logger.Warn().Str("event", string(e.Type)).Msg("event dropped")
}

func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.conn = nil
	if err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}
