package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/switchboard/internal/bus"
)

const eventWriteTimeout = 5 * time.Second

// eventFrame is one bus event forwarded to a websocket client. Dropped is the
// number of events this client has missed so far; a client that sees it grow
// should resync over the REST endpoints.
type eventFrame struct {
	Seq         uint64    `json:"seq"`
	Topic       string    `json:"topic"`
	PublishedAt time.Time `json:"published_at"`
	Payload     any       `json:"payload"`
	Dropped     int64     `json:"dropped,omitempty"`
}

// topicPrefixes splits the topic query parameter ("butler.,deadletter.").
func topicPrefixes(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// handleEvents streams bus events to a websocket client, filtered by the
// optional comma-separated topic prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	// Subscribe before the handshake so a client sees every event published
	// after its dial returns.
	prefixes := topicPrefixes(r.URL.Query().Get("topic"))
	sub := s.cfg.Bus.Subscribe(prefixes...)
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		s.logger.Warn("ws events: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws events: client connected", "topics", prefixes)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws events: client disconnected", "topics", prefixes, "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := s.writeEvent(ctx, conn, frameFor(ev, sub)); err != nil {
				s.logger.Debug("ws events: write failed", "error", err)
				return
			}
		}
	}
}

func frameFor(ev bus.Event, sub *bus.Subscription) eventFrame {
	return eventFrame{
		Seq:         ev.Seq,
		Topic:       ev.Topic,
		PublishedAt: ev.PublishedAt,
		Payload:     ev.Payload,
		Dropped:     sub.Dropped(),
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, frame eventFrame) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
