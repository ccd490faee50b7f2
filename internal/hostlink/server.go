package hostlink

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/meshbridge/internal/relay"
	"github.com/rs/zerolog/log"
)

const (
	defaultOutbox       = 64
	defaultWriteTimeout = 2 * time.Second
)

// Server exposes the host-link protocol over TCP. Each connection gets its
// own outbox; received-frame records and debug lines are dropped when a
// client falls behind, errors only when its outbox is full.
type Server struct {
	dispatcher   *Dispatcher
	outboxSize   int
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	active  atomic.Int32
	ready   chan net.Addr
}

type client struct {
	conn   net.Conn
	outbox chan Message
	done   chan struct{}
	once   sync.Once
}

func NewServer(d *Dispatcher) *Server {
	return &Server{
		dispatcher:   d,
		outboxSize:   defaultOutbox,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
		ready:        make(chan net.Addr, 1),
	}
}

// Ready yields the bound address once Serve is listening.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

func (s *Server) Clients() int {
	return int(s.active.Load())
}

// Serve accepts host-link clients on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msg("hostlink.Server.Serve listening")
	select {
	case s.ready <- ln.Addr():
	default:
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, outbox: make(chan Message, s.outboxSize), done: make(chan struct{})}
	remote := conn.RemoteAddr().String()
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	active := s.active.Add(1)
	log.Info().Str("remote", remote).Int32("active_clients", active).Msg("hostlink.Server client connected")

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
		remaining := s.active.Add(-1)
		log.Info().Str("remote", remote).Int32("active_clients", remaining).Msg("hostlink.Server client disconnected")
	}()

	go s.writeLoop(c)
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		msg, skipped, err := ReadCommand(reader)
		if skipped > 0 {
			log.Debug().Str("remote", remote).Int("skipped", skipped).Msg("hostlink.Server resync")
		}
		if err != nil {
			if errors.Is(err, ErrPayloadTooLarge) {
				s.enqueue(c, EncodeError("ERR: Bad length"), true)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Warn().Str("remote", remote).Err(err).Msg("hostlink.Server read failed")
			}
			return
		}
		for _, reply := range s.dispatcher.Handle(ctx, msg) {
			if !s.enqueue(c, reply, true) {
				return
			}
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := WriteMessage(c.conn, m); err != nil {
				log.Warn().Str("remote", c.conn.RemoteAddr().String()).Err(err).Msg("hostlink.Server write failed")
				c.close()
				return
			}
		}
	}
}

// enqueue queues m for c. Blocking sends wait for room or disconnect.
func (s *Server) enqueue(c *client, m Message, block bool) bool {
	if block {
		select {
		case c.outbox <- m:
			return true
		case <-c.done:
			return false
		}
	}
	select {
	case c.outbox <- m:
		return true
	default:
		return false
	}
}

// Emit broadcasts a relay event to every connected client without blocking.
func (s *Server) Emit(ev relay.Event) {
	m, ok := EventMessage(ev)
	if !ok {
		return
	}
	critical := m.Type == RespError
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !critical && len(c.outbox) >= cap(c.outbox)/2 {
			continue
		}
		s.enqueue(c, m, false)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
