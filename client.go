// Package chatsync keeps a locally consistent, live-updating view of each
// group-chat conversation on top of a remote message store.
//
// Example:
//
//	store := chatsync.NewHTTPStore(chatsync.WithBaseURL("http://localhost:8080"))
//	members := &chatsync.PollingMembership{Lister: store, UserID: "alice"}
//	s := chatsync.New(store, members, "alice", chatsync.WithLogger(logger))
//	go s.Run(ctx)
//
//	obs, _ := s.Observe("general")
//	for list := range obs.C {
//		render(list)
//	}
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// HTTPStore
// ============================================================================

// HTTPStore is a Store backed by a chatsync server over HTTP, with created
// messages streamed over WebSocket or SSE.
type HTTPStore struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	transport  RealtimeTransport
	realtime   RealtimeConfig
	log        *zap.Logger
}

type ClientOption func(*HTTPStore)

func WithBaseURL(url string) ClientOption {
	return func(c *HTTPStore) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithToken(token string) ClientOption {
	return func(c *HTTPStore) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *HTTPStore) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPStore) { c.httpClient = client }
}

// WithRateLimit caps outgoing requests at r per second with the given burst.
func WithRateLimit(r float64, burst int) ClientOption {
	return func(c *HTTPStore) { c.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithRealtime selects the created-stream transport and its settings. The
// store's token is used when cfg.Token is empty.
func WithRealtime(transport RealtimeTransport, cfg RealtimeConfig) ClientOption {
	return func(c *HTTPStore) {
		c.transport = transport
		c.realtime = cfg
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *HTTPStore) {
		if l != nil {
			c.log = l
		}
	}
}

// NewHTTPStore creates a new HTTP store client.
func NewHTTPStore(opts ...ClientOption) *HTTPStore {
	c := &HTTPStore{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		transport: TransportWS,
		realtime:  RealtimeConfig{AutoReconnect: true},
		log:       zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the store talks to.
func (c *HTTPStore) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *HTTPStore) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the Result envelope into out.
func (c *HTTPStore) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if !res.OK {
		return resultError(res.Error)
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

// resultError maps an error payload to the package's sentinel errors.
func resultError(apiErr *APIError) error {
	if apiErr == nil {
		return &APIError{Code: CodeInternal, Message: "request failed without error details"}
	}
	switch apiErr.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %w", ErrMessageNotFound, apiErr)
	case CodeInvalid:
		return fmt.Errorf("%w: %w", ErrInvalidInput, apiErr)
	}
	return apiErr
}

// ============================================================================
// Store
// ============================================================================

// Health checks server health.
func (c *HTTPStore) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil, nil)
}

func (c *HTTPStore) QueryMessages(ctx context.Context, q Query) ([]Message, error) {
	query := map[string]string{"limit": strconv.Itoa(pageLimit(q.Limit))}
	if q.SenderID != "" {
		query["sender"] = q.SenderID
	}
	if q.Before > 0 {
		query["before"] = strconv.FormatInt(q.Before, 10)
	}
	var out []Message
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(q.ConversationID)+"/messages", nil, query, &out)
	return out, err
}

func (c *HTTPStore) WriteMessage(ctx context.Context, m NewMessage) (WriteAck, error) {
	var ack WriteAck
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(m.ConversationID)+"/messages",
		map[string]string{"senderId": m.SenderID, "text": m.Text}, nil, &ack)
	return ack, err
}

func (c *HTTPStore) UpdateMessageText(ctx context.Context, id, text string) error {
	return c.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(id), map[string]string{"text": text}, nil, nil)
}

func (c *HTTPStore) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil, nil)
}

// SubscribeCreated opens a real-time stream using the configured transport.
func (c *HTTPStore) SubscribeCreated(ctx context.Context, since int64) (CreatedStream, error) {
	cfg := c.realtime
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	c.log.Debug("realtime_connect",
		zap.String("transport", string(c.transport)),
		zap.Int64("since", since))
	dial := DialWS
	if c.transport == TransportSSE {
		dial = DialSSE
	}
	s, err := dial(ctx, c.baseURL, cfg, since)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ── Conversations ────────────────────────────────────────

func (c *HTTPStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var query map[string]string
	if userID != "" {
		query = map[string]string{"userId": userID}
	}
	var out []Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, query, &out)
	return out, err
}

func (c *HTTPStore) CreateConversation(ctx context.Context, conv Conversation) error {
	return c.do(ctx, http.MethodPost, "/api/conversations", conv, nil, nil)
}
