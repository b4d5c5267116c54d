package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Realtime event types.
const (
	EventAuthenticated  = "authenticated"
	EventMessageCreated = "message.created"
	EventPing           = "ping"
	EventPong           = "pong"
	EventError          = "error"
)

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthenticatedPayload is the first event of every real-time connection.
type AuthenticatedPayload struct {
	Since int64 `json:"since"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeTransport selects how created messages are streamed.
type RealtimeTransport string

const (
	TransportWS  RealtimeTransport = "ws"
	TransportSSE RealtimeTransport = "sse"
)

// RealtimeConfig configures real-time streams.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int // negative means unlimited
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration // WebSocket ping interval
	StaleTimeout         time.Duration // SSE silence before the connection is dropped
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeStream
// ============================================================================

// realtimeConn is one physical connection delivering created batches.
type realtimeConn interface {
	next(ctx context.Context) ([]Message, error)
	close() error
}

type dialFunc func(ctx context.Context, since int64) (realtimeConn, error)

// RealtimeStream is a CreatedStream over WebSocket or SSE. When
// AutoReconnect is set, a dropped connection is re-established and resumes
// from the newest timestamp already delivered; the resulting duplicates are
// absorbed by reconciliation.
type RealtimeStream struct {
	cfg   *RealtimeConfig
	dial  dialFunc
	recon *reconnector
	out   chan []Message

	cancel context.CancelFunc

	mu       sync.Mutex
	state    RealtimeState
	lastSeen int64
	err      error
}

func openRealtimeStream(ctx context.Context, cfg *RealtimeConfig, dial dialFunc, since int64) (*RealtimeStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	conn, err := dial(ctx, since)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &RealtimeStream{
		cfg:      cfg,
		dial:     dial,
		recon:    newReconnector(cfg),
		out:      make(chan []Message, hubBuffer),
		cancel:   cancel,
		state:    StateConnected,
		lastSeen: since,
	}
	s.recon.markConnected()
	go s.run(ctx, conn)
	return s, nil
}

func (s *RealtimeStream) Batches() <-chan []Message { return s.out }

func (s *RealtimeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close disconnects. Batches is closed shortly after.
func (s *RealtimeStream) Close() error {
	s.cancel()
	return nil
}

// State returns the current connection state.
func (s *RealtimeStream) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RealtimeStream) setState(st RealtimeState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *RealtimeStream) run(ctx context.Context, conn realtimeConn) {
	defer close(s.out)
	defer s.setState(StateDisconnected)
	log := s.cfg.Logger

	for {
		err := s.pump(ctx, conn)
		conn.close()
		if ctx.Err() != nil {
			return
		}
		log.Warn("realtime_disconnected", zap.Error(err))

		conn = nil
		for conn == nil {
			if !s.cfg.AutoReconnect || !s.recon.shouldReconnect() {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				return
			}
			delay := s.recon.nextDelay()
			s.setState(StateReconnecting)
			log.Info("realtime_reconnecting",
				zap.Int("attempt", s.recon.attempt),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			s.mu.Lock()
			since := s.lastSeen
			s.mu.Unlock()
			if since > 0 {
				since-- // timestamps are not unique; replay the boundary millisecond
			}
			c, derr := s.dial(ctx, since)
			if derr != nil {
				err = derr
				continue
			}
			conn = c
			s.recon.markConnected()
			s.setState(StateConnected)
		}
	}
}

// pump forwards batches from conn until it fails or ctx is done.
func (s *RealtimeStream) pump(ctx context.Context, conn realtimeConn) error {
	for {
		batch, err := conn.next(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			continue
		}
		s.mu.Lock()
		for _, m := range batch {
			if m.Timestamp > s.lastSeen {
				s.lastSeen = m.Timestamp
			}
		}
		s.mu.Unlock()

		select {
		case s.out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func decodeCreated(env RealtimeEnvelope) ([]Message, error) {
	switch env.Type {
	case EventMessageCreated:
		var batch []Message
		if err := json.Unmarshal(env.Payload, &batch); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return batch, nil
	case EventError:
		var p RealtimeErrorPayload
		json.Unmarshal(env.Payload, &p)
		return nil, fmt.Errorf("server error: %s", p.Message)
	}
	return nil, nil
}

func realtimeQuery(since int64, token string) string {
	params := url.Values{}
	params.Set("since", strconv.FormatInt(since, 10))
	if token != "" {
		params.Set("token", token)
	}
	return params.Encode()
}

// ============================================================================
// WebSocket
// ============================================================================

// DialWS opens a created stream over WebSocket.
func DialWS(ctx context.Context, baseURL string, cfg RealtimeConfig, since int64) (*RealtimeStream, error) {
	cfg.defaults()
	dial := func(ctx context.Context, since int64) (realtimeConn, error) {
		c, err := dialWSConn(ctx, baseURL, &cfg, since)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return openRealtimeStream(ctx, &cfg, dial, since)
}

type wsConn struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	counter int

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

func dialWSConn(ctx context.Context, baseURL string, cfg *RealtimeConfig, since int64) (*wsConn, error) {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?" + realtimeQuery(since, cfg.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: cfg.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	// Read first message (should be "authenticated")
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}

	hbCtx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		conn:         conn,
		cancel:       cancel,
		pendingPings: make(map[string]chan PongPayload),
	}
	go c.heartbeatLoop(hbCtx, cfg.HeartbeatInterval)
	return c, nil
}

func (c *wsConn) next(ctx context.Context) ([]Message, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		// Resolve pending pings
		if env.Type == EventPong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				c.pendingMu.Lock()
				ch, ok := c.pendingPings[p.RequestID]
				if ok {
					delete(c.pendingPings, p.RequestID)
				}
				c.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		batch, err := decodeCreated(env)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}
	}
}

func (c *wsConn) close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// ping sends a ping command and waits for the matching pong.
func (c *wsConn) ping(ctx context.Context) error {
	c.counter++
	requestID := fmt.Sprintf("ping-%d", c.counter)

	ch := make(chan PongPayload, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(&RealtimeCommand{Type: EventPing, RequestID: requestID})
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(ctx); err != nil {
				if ctx.Err() == nil {
					c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ============================================================================
// SSE
// ============================================================================

// DialSSE opens a created stream over server-sent events.
func DialSSE(ctx context.Context, baseURL string, cfg RealtimeConfig, since int64) (*RealtimeStream, error) {
	cfg.defaults()
	dial := func(ctx context.Context, since int64) (realtimeConn, error) {
		c, err := dialSSEConn(ctx, baseURL, &cfg, since)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return openRealtimeStream(ctx, &cfg, dial, since)
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	mu           sync.Mutex
	lastDataTime time.Time
}

func dialSSEConn(ctx context.Context, baseURL string, cfg *RealtimeConfig, since int64) (*sseConn, error) {
	connCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, baseURL+"/sse?"+realtimeQuery(since, cfg.Token), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	c := &sseConn{
		body:         resp.Body,
		scanner:      scanner,
		cancel:       cancel,
		lastDataTime: time.Now(),
	}
	go c.heartbeatWatchdog(connCtx, cfg.StaleTimeout)
	return c, nil
}

func (c *sseConn) next(ctx context.Context) ([]Message, error) {
	for c.scanner.Scan() {
		line := c.scanner.Text()

		c.mu.Lock()
		c.lastDataTime = time.Now()
		c.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env RealtimeEnvelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
			continue
		}
		batch, err := decodeCreated(env)
		if err != nil {
			return nil, err
		}
		if batch != nil {
			return batch, nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("stream ended")
}

func (c *sseConn) close() error {
	c.cancel()
	return c.body.Close()
}

func (c *sseConn) heartbeatWatchdog(ctx context.Context, stale time.Duration) {
	ticker := time.NewTicker(stale / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			quiet := time.Since(c.lastDataTime) > stale
			c.mu.Unlock()
			if quiet {
				c.cancel()
				return
			}
		}
	}
}
