// Package transport is the TCP line server the robot controller connects to.
// Each connection is served by its own goroutine; inbound lines are handed to
// a Handler and replies are written back CRLF-terminated. The conveyor loop
// pushes coordinates to a connection by client id, or to all of them.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownClient is returned by Push for an id with no live connection.
var ErrUnknownClient = errors.New("unknown client")

// Peer identifies the connection a line arrived on.
type Peer struct {
	// ID is unique per connection.
	ID string
	// Host is the remote address without the port. Catch state is kept per
	// host so a robot that reconnects keeps its debounce and occlusion state.
	Host string
}

// Handler answers one inbound line. ok=false sends no reply.
type Handler interface {
	Handle(ctx context.Context, peer Peer, line string) (reply string, ok bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer Peer, line string) (string, bool)

func (f HandlerFunc) Handle(ctx context.Context, peer Peer, line string) (string, bool) {
	return f(ctx, peer, line)
}

// Config configures a Server.
type Config struct {
	Address      string
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	MaxClients   int
	MaxLineBytes int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 10
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 64 * 1024
	}
	return c
}

// TooManyClients is written to a connection refused for capacity.
const TooManyClients = "error,too_many_clients"

// ClientInfo describes a live connection.
type ClientInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Lines       uint64    `json:"lines"`
}

type client struct {
	peer        Peer
	conn        net.Conn
	connectedAt time.Time

	wmu   sync.Mutex
	lines atomic.Uint64
}

func (c *client) send(line string, timeout time.Duration) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// Server is a TCP line server.
type Server struct {
	cfg     Config
	handler Handler

	mu      sync.Mutex
	ln      net.Listener
	clients map[string]*client
	wg      sync.WaitGroup
}

func NewServer(cfg Config, h Handler) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		handler: h,
		clients: make(map[string]*client),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	opsf("listening on %s", ln.Addr())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.shutdown()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) shutdown() {
	s.wg.Wait()
}

func (s *Server) register(conn net.Conn) (*client, bool) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	c := &client{
		peer:        Peer{ID: uuid.NewString(), Host: host},
		conn:        conn,
		connectedAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.MaxClients {
		return c, false
	}
	s.clients[c.peer.ID] = c
	return c, true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.peer.ID)
	s.mu.Unlock()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	c, ok := s.register(conn)
	if !ok {
		diagf("refusing %s: %d clients connected", conn.RemoteAddr(), s.cfg.MaxClients)
		c.send(TooManyClients, s.cfg.WriteTimeout)
		return
	}
	defer s.unregister(c)
	diagf("client %s connected from %s", c.peer.ID, conn.RemoteAddr())

	scan := bufio.NewScanner(conn)
	scan.Buffer(make([]byte, 0, 4096), s.cfg.MaxLineBytes)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !scan.Scan() {
			break
		}
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		c.lines.Add(1)

		reply, ok := s.handler.Handle(ctx, c.peer, line)
		tracef("%s %q -> %q", c.peer.Host, line, reply)
		if !ok {
			continue
		}
		if err := c.send(reply, s.cfg.WriteTimeout); err != nil {
			opsf("write to %s: %v", c.peer.ID, err)
			return
		}
	}

	var ne net.Error
	switch err := scan.Err(); {
	case err == nil:
		diagf("client %s disconnected", c.peer.ID)
	case errors.As(err, &ne) && ne.Timeout():
		diagf("client %s idle for %v, closing", c.peer.ID, s.cfg.IdleTimeout)
	case ctx.Err() != nil:
	default:
		diagf("client %s: %v", c.peer.ID, err)
	}
}

// Push writes line to one client.
func (s *Server) Push(clientID, line string) error {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	if err := c.send(line, s.cfg.WriteTimeout); err != nil {
		return fmt.Errorf("push to %s: %w", clientID, err)
	}
	return nil
}

// Broadcast writes line to every client and returns how many writes
// succeeded.
func (s *Server) Broadcast(line string) int {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	n := 0
	for _, c := range targets {
		if err := c.send(line, s.cfg.WriteTimeout); err != nil {
			opsf("broadcast to %s: %v", c.peer.ID, err)
			continue
		}
		n++
	}
	return n
}

// Clients lists the live connections, oldest first.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientInfo{
			ID:          c.peer.ID,
			Remote:      c.conn.RemoteAddr().String(),
			ConnectedAt: c.connectedAt,
			Lines:       c.lines.Load(),
		})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b ClientInfo) int { return a.ConnectedAt.Compare(b.ConnectedAt) })
	return out
}
