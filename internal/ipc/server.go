package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"keypad/internal/logging"
	"keypad/internal/metrics"
)

// Handler processes IPC requests the server does not answer itself.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// Server accepts keypad clients on a Unix domain socket.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	clients     map[string]*Client
	subscribers map[string]*subscription
	version     string
	startedAt   time.Time

	readTimeout    time.Duration
	writeTimeout   time.Duration
	maxConnections int
	sameUserOnly   bool

	metrics *metrics.KeypadMetrics
	log     *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextEventID atomic.Uint32

	eventChan chan *Event
}

// Client is one connected peer as the server sees it.
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Name         string
	Version      string
	ConnectedAt  time.Time
	LastActivity time.Time

	// Write serialization
	writeMu sync.Mutex
}

// subscription tracks one client's event subscription. Each subscriber
// drains its own queue from a single sender goroutine, so one client
// always observes events in broadcast order and a slow client only
// drops its own events.
type subscription struct {
	clientID string
	events   map[EventType]bool
	queue    chan *Event
}

// allEventTypes is the subscription an empty Subscribe asks for.
var allEventTypes = []EventType{
	EventEditApplied,
	EventEditRejected,
	EventCommitted,
	EventReset,
	EventConfigReloaded,
	EventDaemonShutdown,
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// SameUserOnly refuses connections whose peer uid differs from the
	// daemon's.
	SameUserOnly bool

	// Metrics tracks connected clients, nil to disable.
	Metrics *metrics.KeypadMetrics

	// Logger defaults to the process logger.
	Logger *logging.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(runtimeDir, "keypadd.sock"),
		Version:        "1.0.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
		SameUserOnly:   true,
	}
}

// NewServer creates an IPC server. Start must be called before it
// accepts connections.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 32
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("ipc")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:     cfg.SocketPath,
		handler:        handler,
		version:        cfg.Version,
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		maxConnections: cfg.MaxConnections,
		sameUserOnly:   cfg.SameUserOnly,
		metrics:        cfg.Metrics,
		log:            log,
		clients:        make(map[string]*Client),
		subscribers:    make(map[string]*subscription),
		ctx:            ctx,
		cancel:         cancel,
		eventChan:      make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove a stale socket from a previous run.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.eventBroadcaster()

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	close(s.eventChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out waiting for connections")
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for subscribed clients. Events are dropped
// rather than ever blocking the caller.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
		s.log.Debug("event queue full, dropping", "type", event.Type)
	}
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.log.Warn("accept failed", "error", err)
				}
				continue
			}
		}

		if s.sameUserOnly {
			if err := checkPeer(conn); err != nil {
				s.log.Warn("connection refused", "error", err)
				conn.Close()
				continue
			}
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.maxConnections {
			s.log.Warn("connection limit reached", "limit", s.maxConnections)
			conn.Close()
			continue
		}

		client := &Client{
			ID:           generateClientID(),
			conn:         conn,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ClientConnected()
		}

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection runs the message loop for one client.
func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		if sub, ok := s.subscribers[client.ID]; ok {
			delete(s.subscribers, client.ID)
			close(sub.queue)
		}
		s.mu.Unlock()
		client.conn.Close()
		if s.metrics != nil {
			s.metrics.ClientDisconnected()
		}
		s.log.Debug("client disconnected", "client", client.ID)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// An idle client gets a ping instead of a hangup.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendPing(client)
				continue
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternal, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

// processMessage answers protocol messages and hands the rest to the
// handler.
func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)
	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Name = req.ClientName
	client.Version = req.ClientVersion
	client.mu.Unlock()

	s.log.Debug("client handshake",
		"client", client.ID, "name", req.ClientName, "version", req.ClientVersion)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	events := req.Events
	if len(events) == 0 {
		events = allEventTypes
	}

	sub := &subscription{
		clientID: client.ID,
		events:   make(map[EventType]bool, len(events)),
		queue:    make(chan *Event, 64),
	}
	for _, et := range events {
		sub.events[et] = true
	}

	s.mu.Lock()
	if old, ok := s.subscribers[client.ID]; ok {
		close(old.queue)
	}
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.eventSender(client, sub)

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{Events: events})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	if sub, ok := s.subscribers[client.ID]; ok {
		delete(s.subscribers, client.ID)
		close(sub.queue)
	}
	s.mu.Unlock()
	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster fans queued events out to subscriber queues. The
// enqueue never blocks; a subscriber that cannot keep up loses events
// instead of holding everyone else back.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		s.mu.RLock()
		for _, sub := range s.subscribers {
			if !sub.events[event.Type] {
				continue
			}
			select {
			case sub.queue <- event:
			default:
				s.log.Debug("subscriber queue full, dropping",
					"client", sub.clientID, "type", event.Type)
			}
		}
		s.mu.RUnlock()
	}
}

// eventSender delivers one subscriber's events in queue order. It exits
// when the subscription is torn down and its queue closed.
func (s *Server) eventSender(client *Client, sub *subscription) {
	defer s.wg.Done()

	for event := range sub.queue {
		s.sendEvent(client, event)
	}
}

func (s *Server) sendEvent(client *Client, event *Event) {
	payload, err := Encode(event)
	if err != nil {
		return
	}
	msg := NewMessage(MsgEvent, s.nextEventID.Add(1), payload)
	s.sendMessage(client, msg)
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) {
	msg := NewMessage(MsgPing, s.nextEventID.Add(1), nil)
	s.sendMessage(client, msg)
}

func generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().UnixNano(), os.Getpid())
}
