package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pgbatch/internal/codec"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	wsWriteWait             = 10 * time.Second
)

// WSSource reads auth events from a websocket endpoint. Each text frame is
// a JSON object {"event": "SIGNED_IN", "session": {...} | null}.
type WSSource struct {
	URL          string
	APIKey       string
	PingInterval time.Duration
	Logger       zerolog.Logger

	sessions codec.Codec[Session]
}

type wsEvent struct {
	Event   EventKind       `json:"event"`
	Session json.RawMessage `json:"session"`
}

// NewWSSource creates a WSSource for url
func NewWSSource(url, apiKey string, logger zerolog.Logger) *WSSource {
	return &WSSource{
		URL:          url,
		APIKey:       apiKey,
		PingInterval: defaultPingInterval,
		Logger:       logger.With().Str("component", "auth-ws").Logger(),
		sessions:     codec.JSON[Session](),
	}
}

// Open dials the endpoint. The returned channel is closed when ctx ends or
// the connection drops.
func (s *WSSource) Open(ctx context.Context) (<-chan StateChange, error) {
	header := http.Header{}
	if s.APIKey != "" {
		header.Set("apikey", s.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}
	s.Logger.Info().Str("url", s.URL).Msg("WebSocket connected")

	readTimeout := 2 * s.PingInterval
	if s.PingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	out := make(chan StateChange)
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	if s.PingInterval > 0 {
		go s.pingLoop(conn, done)
	}
	go func() {
		defer close(out)
		defer close(done)
		defer stop()
		defer conn.Close()
		s.readLoop(ctx, conn, out, readTimeout)
	}()
	return out, nil
}

func (s *WSSource) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- StateChange, readTimeout time.Duration) {
	for {
		if s.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.Logger.Info().Msg("WebSocket reader stopped (shutdown)")
			} else {
				s.Logger.Warn().Err(err).Msg("WebSocket connection lost")
			}
			return
		}

		ev, err := s.parse(data)
		if err != nil {
			s.Logger.Warn().Err(err).Msg("discarding malformed auth event")
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *WSSource) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *WSSource) parse(data []byte) (StateChange, error) {
	var raw wsEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return StateChange{}, fmt.Errorf("invalid event: %w", err)
	}
	if raw.Event == "" {
		return StateChange{}, fmt.Errorf("event name is required")
	}

	ev := StateChange{Event: raw.Event}
	if len(raw.Session) == 0 || string(raw.Session) == "null" {
		return ev, nil
	}
	sessions := s.sessions
	if sessions == nil {
		sessions = codec.JSON[Session]()
	}
	session, err := sessions.Decode(raw.Session)
	if err != nil {
		return StateChange{}, err
	}
	ev.Session = &session
	return ev, nil
}
