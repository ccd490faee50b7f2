package bridge

import (
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/meshbridge/internal/codec"
	"github.com/danmuck/meshbridge/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 2 * time.Second
	streamPingInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvent is the JSON record pushed to /events subscribers.
type StreamEvent struct {
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
	Protocol string    `json:"protocol"`
	RSSI     int16     `json:"rssi,omitempty"`
	SNR      int8      `json:"snr,omitempty"`
	Length   int       `json:"len,omitempty"`
	Data     string    `json:"data,omitempty"`
	Text     string    `json:"text,omitempty"`
}

// Hub fans relay events out to websocket subscribers. Slow subscribers
// lose events rather than stalling the control loop.
type Hub struct {
	codecs *codec.Set

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	out  chan StreamEvent
	done chan struct{}
	once sync.Once
}

func NewHub(codecs *codec.Set) *Hub {
	return &Hub{codecs: codecs, subs: make(map[*subscriber]struct{})}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit implements relay.Sink.
func (h *Hub) Emit(ev relay.Event) {
	out := StreamEvent{
		Kind:     ev.Kind.String(),
		Time:     ev.Time,
		Protocol: h.codecs.Name(ev.Protocol),
		Text:     ev.Text,
	}
	if ev.Kind == relay.EventRxPacket {
		out.RSSI = ev.RSSI
		out.SNR = ev.SNR
		out.Length = len(ev.Data)
		out.Data = hex.EncodeToString(ev.Data)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.out <- out:
		default:
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("bridge.Hub.ServeHTTP upgrade failed")
		return
	}
	s := &subscriber{conn: conn, out: make(chan StreamEvent, streamBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("remote", r.RemoteAddr).Msg("bridge.Hub subscriber joined")

	defer func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.close()
		log.Info().Str("remote", r.RemoteAddr).Msg("bridge.Hub subscriber left")
	}()

	go s.readLoop()
	s.writeLoop()
}

// readLoop discards client frames and notices disconnects.
func (s *subscriber) readLoop() {
	defer s.close()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writeLoop() {
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
			time.Now().Add(streamWriteTimeout))
		s.close()
	}
}
