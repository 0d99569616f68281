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

	"keypad/internal/health"
	"keypad/pkg/policy"
)

// Client-side connection errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RequestError is a failure reported by the daemon. Code is one of the
// Err* protocol codes.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// IPCClient talks to a running keypadd over its control socket.
type IPCClient struct {
	mu            sync.RWMutex
	conn          net.Conn
	socketPath    string
	clientID      string
	serverVersion string

	connected    atomic.Bool
	reconnecting atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex
	handlerChan  chan *Event
	dispatchOnce sync.Once

	autoReconnect bool
	reconnectWait time.Duration
	maxReconnect  int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	config ClientConfig
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration
	MaxReconnect   int
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(runtimeDir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(runtimeDir, "keypadd.sock"),
		ClientName:     "keypadctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		AutoReconnect:  true,
		ReconnectWait:  time.Second,
		MaxReconnect:   3,
	}
}

// EventHandler is called for each streamed event.
type EventHandler func(event *Event)

// NewClient creates a new IPC client. Call Connect before issuing
// requests.
func NewClient(cfg ClientConfig) *IPCClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		socketPath:    cfg.SocketPath,
		pending:       make(map[uint32]chan *Message),
		eventChan:     make(chan *Event, 100),
		handlerChan:   make(chan *Event, 100),
		autoReconnect: cfg.AutoReconnect,
		reconnectWait: cfg.ReconnectWait,
		maxReconnect:  cfg.MaxReconnect,
		ctx:           ctx,
		cancel:        cancel,
		config:        cfg,
	}
}

// Connect dials the daemon socket and performs the handshake.
func (c *IPCClient) Connect() error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop()

	// The handshake is an ordinary request, so the read loop must be
	// running and the state lock free before it is issued.
	if err := c.handshake(); err != nil {
		c.closeConn()
		return fmt.Errorf("handshake: %w", err)
	}

	return nil
}

// Close shuts the client down and closes the event channel. Safe to
// call more than once.
func (c *IPCClient) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeConn()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}

		close(c.eventChan)
	})
	return nil
}

// closeConn closes the connection without signaling shutdown.
func (c *IPCClient) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected reports whether the client currently has a live
// connection.
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the identifier assigned by the daemon during the
// handshake.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon version reported at handshake.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion
}

// SetEventHandler sets the handler invoked for streamed events. The
// handler runs on a single dispatch goroutine, so it observes events in
// stream order and should return quickly.
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	c.eventHandler = handler
	c.eventMu.Unlock()

	c.dispatchOnce.Do(func() {
		c.wg.Add(1)
		go c.dispatchLoop()
	})
}

// dispatchLoop delivers events to the registered handler one at a time.
func (c *IPCClient) dispatchLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case event := <-c.handlerChan:
			c.eventMu.RLock()
			handler := c.eventHandler
			c.eventMu.RUnlock()
			if handler != nil {
				handler(event)
			}
		}
	}
}

// Events returns the channel carrying streamed events.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake() error {
	req := &HandshakeRequest{
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}

	resp, err := c.request(MsgHandshake, req)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgHandshakeAck {
		return fmt.Errorf("unexpected response type: 0x%04x", uint16(resp.Header.Type))
	}

	var ack HandshakeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = ack.ClientID
	c.serverVersion = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// request sends a request and waits for the matching response.
// Daemon-reported failures come back as *RequestError.
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

func (c *IPCClient) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	if err := c.writeMessage(conn, msg, 10*time.Second); err != nil {
		c.closeConn()
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		if resp.Header.Type == MsgError {
			var er ErrorResponse
			if err := Decode(resp.Payload, &er); err != nil {
				return nil, fmt.Errorf("malformed error response: %w", err)
			}
			return nil, &RequestError{Code: er.Code, Message: er.Message}
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// readLoop reads frames from the current connection. Exactly one loop
// owns the connection at a time; when it is lost the loop hands off to
// a reconnect goroutine and exits, and a successful reconnect starts a
// fresh loop.
func (c *IPCClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			c.scheduleReconnect()
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.sendPing()
				continue
			}

			c.closeConn()
			c.scheduleReconnect()
			return
		}

		c.handleMessage(msg)
	}
}

func (c *IPCClient) scheduleReconnect() {
	if !c.autoReconnect {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.tryReconnect()
	}()
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPong:
		// Keepalive response, nothing to do.

	case MsgPing:
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			pong := NewMessage(MsgPong, msg.Header.RequestID, nil)
			c.writeMessage(conn, pong, 5*time.Second)
		}

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err == nil {
			select {
			case c.eventChan <- &event:
			default:
				// Channel full, drop.
			}

			c.eventMu.RLock()
			handler := c.eventHandler
			c.eventMu.RUnlock()
			if handler != nil {
				select {
				case c.handlerChan <- &event:
				default:
					// Dispatcher backed up, drop.
				}
			}
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *IPCClient) sendPing() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil {
		msg := NewMessage(MsgPing, c.nextReqID.Add(1), nil)
		c.writeMessage(conn, msg, 5*time.Second)
	}
}

// writeMessage serializes socket writes so frames from different
// goroutines cannot interleave.
func (c *IPCClient) writeMessage(conn net.Conn, msg *Message, deadline time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(deadline))
	return msg.Write(conn)
}

func (c *IPCClient) tryReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for i := 0; i < c.maxReconnect; i++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}

		if err := c.Connect(); err == nil {
			return
		}
	}
}

// High-level API methods.

// Ping checks that the daemon is responsive.
func (c *IPCClient) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: 0x%04x", uint16(resp.Header.Type))
	}
	return nil
}

// Status requests the daemon status.
func (c *IPCClient) Status(includeSessions, includeConfig bool) (*StatusResponse, error) {
	req := &StatusRequest{
		IncludeSessions: includeSessions,
		IncludeConfig:   includeConfig,
	}

	resp, err := c.request(MsgStatus, req)
	if err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := Decode(resp.Payload, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health requests a health report.
func (c *IPCClient) Health(includeComponents bool) (*health.Report, error) {
	req := &HealthRequest{IncludeComponents: includeComponents}

	resp, err := c.request(MsgHealth, req)
	if err != nil {
		return nil, err
	}

	var rep health.Report
	if err := Decode(resp.Payload, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Metrics requests the daemon's metrics snapshot.
func (c *IPCClient) Metrics() (map[string]any, error) {
	resp, err := c.request(MsgMetrics, nil)
	if err != nil {
		return nil, err
	}

	var result MetricsResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return result.Metrics, nil
}

// OpenSession opens a defined entry session.
func (c *IPCClient) OpenSession(name string) (*OpenSessionResponse, error) {
	req := &OpenSessionRequest{Name: name}

	resp, err := c.request(MsgOpenSession, req)
	if err != nil {
		return nil, err
	}

	var result OpenSessionResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CloseSession closes an open entry session.
func (c *IPCClient) CloseSession(name string) error {
	req := &CloseSessionRequest{Name: name}

	_, err := c.request(MsgCloseSession, req)
	return err
}

// ListSessions lists open and defined sessions.
func (c *IPCClient) ListSessions() (*ListSessionsResponse, error) {
	resp, err := c.request(MsgListSessions, nil)
	if err != nil {
		return nil, err
	}

	var result ListSessionsResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Press appends one digit to a session's text.
func (c *IPCClient) Press(session string, digit byte) (*EditResponse, error) {
	req := &PressRequest{Session: session, Digit: string(digit)}

	resp, err := c.request(MsgPress, req)
	if err != nil {
		return nil, err
	}

	var result EditResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Delete removes the last digit from a session's text.
func (c *IPCClient) Delete(session string) (*EditResponse, error) {
	req := &DeleteRequest{Session: session}

	resp, err := c.request(MsgDelete, req)
	if err != nil {
		return nil, err
	}

	var result EditResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Text reads a session's current display text.
func (c *IPCClient) Text(session string) (*TextResponse, error) {
	req := &TextRequest{Session: session}

	resp, err := c.request(MsgText, req)
	if err != nil {
		return nil, err
	}

	var result TextResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Commit finalizes a session's entry and journals it.
func (c *IPCClient) Commit(session string) (*CommitResponse, error) {
	req := &CommitRequest{Session: session}

	resp, err := c.request(MsgCommit, req)
	if err != nil {
		return nil, err
	}

	var result CommitResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Reset replaces a session's text, bypassing its policy. Empty text
// resets to zero.
func (c *IPCClient) Reset(session, text string) (*TextResponse, error) {
	req := &ResetRequest{Session: session, Text: text}

	resp, err := c.request(MsgReset, req)
	if err != nil {
		return nil, err
	}

	var result TextResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetPolicy binds a named policy to an open session.
func (c *IPCClient) SetPolicy(session, policyName string) error {
	req := &SetPolicyRequest{Session: session, Policy: policyName}

	_, err := c.request(MsgSetPolicy, req)
	return err
}

// ClearPolicy removes the policy from an open session.
func (c *IPCClient) ClearPolicy(session string) error {
	req := &ClearPolicyRequest{Session: session}

	_, err := c.request(MsgClearPolicy, req)
	return err
}

// ListPolicies lists the daemon's registered policy specs.
func (c *IPCClient) ListPolicies() ([]policy.Spec, error) {
	resp, err := c.request(MsgListPolicies, nil)
	if err != nil {
		return nil, err
	}

	var result ListPoliciesResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return result.Policies, nil
}

// GetConfig fetches the daemon's active configuration.
func (c *IPCClient) GetConfig() (*GetConfigResponse, error) {
	resp, err := c.request(MsgGetConfig, nil)
	if err != nil {
		return nil, err
	}

	var result GetConfigResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReloadConfig asks the daemon to reread its configuration file.
func (c *IPCClient) ReloadConfig() error {
	_, err := c.request(MsgReloadConfig, nil)
	return err
}

// History reads journaled commits, and optionally rejections, for a
// session. An empty session selects all sessions.
func (c *IPCClient) History(session string, limit int, rejections bool) (*HistoryResponse, error) {
	req := &HistoryRequest{Session: session, Limit: limit, Rejections: rejections}

	resp, err := c.request(MsgHistory, req)
	if err != nil {
		return nil, err
	}

	var result HistoryResponse
	if err := Decode(resp.Payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe subscribes the connection to daemon events. No types
// means all types.
func (c *IPCClient) Subscribe(events ...EventType) error {
	req := &SubscribeRequest{Events: events}

	resp, err := c.request(MsgSubscribe, req)
	if err != nil {
		return err
	}

	var result SubscribeResponse
	return Decode(resp.Payload, &result)
}

// Unsubscribe stops event delivery for the connection.
func (c *IPCClient) Unsubscribe() error {
	resp, err := c.request(MsgUnsubscribe, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgUnsubscribeResp {
		return fmt.Errorf("unexpected response: 0x%04x", uint16(resp.Header.Type))
	}
	return nil
}
