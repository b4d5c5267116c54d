package chatsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Webhook Types
// ============================================================================

const (
	WebhookSource          = "chatsync"
	WebhookSignatureHeader = "X-Chatsync-Signature"
	WebhookDeliveryHeader  = "X-Chatsync-Delivery"
)

// WebhookPayload is the body of a created-messages webhook delivery.
type WebhookPayload struct {
	Source    string    `json:"source"`
	Event     string    `json:"event"`
	Timestamp int64     `json:"timestamp"`
	Messages  []Message `json:"messages"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Event != EventMessageCreated {
		return nil, fmt.Errorf("unsupported webhook event: %s", payload.Event)
	}
	for i, m := range payload.Messages {
		if m.ID == "" || m.ConversationID == "" || m.SenderID == "" {
			return nil, fmt.Errorf("missing required fields in webhook message %d (id, conversationId, senderId)", i)
		}
	}
	return &payload, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver accepts signed created-message deliveries over HTTP and
// exposes them as a LiveSource, so a Syncer can follow a store that pushes
// webhooks instead of holding a stream open.
type WebhookReceiver struct {
	secret string
	hub    *createdHub
	log    *zap.Logger
}

// NewWebhookReceiver creates a receiver that accepts bodies signed with secret.
func NewWebhookReceiver(secret string, opts ...Option) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	o := newOptions(opts)
	return &WebhookReceiver{
		secret: secret,
		hub:    newCreatedHub(),
		log:    o.log,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookReceiver) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookPayload.
func (w *WebhookReceiver) Parse(body string) (*WebhookPayload, error) {
	return ParseWebhookPayload(body)
}

// Handle processes a delivery (verify + parse + publish). Returns the status
// code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.hub.publish(payload.Messages)
	w.log.Debug("webhook_received", zap.Int("messages", len(payload.Messages)))
	return http.StatusOK, map[string]bool{"ok": true}
}

// SubscribeCreated implements LiveSource. Deliveries are not stored, so
// nothing older than the subscription is replayed.
func (w *WebhookReceiver) SubscribeCreated(ctx context.Context, since int64) (CreatedStream, error) {
	return w.hub.subscribe(ctx, since, nil)
}

// Close ends every subscription.
func (w *WebhookReceiver) Close() error {
	w.hub.close()
	return nil
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookReceiver("secret")
//	http.Handle("/webhook", wh.HTTPHandler())
//	s := chatsync.New(store, members, "alice", chatsync.WithLiveSource(wh))
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// ============================================================================
// WebhookSender
// ============================================================================

// WebhookSender delivers created batches to a webhook URL.
type WebhookSender struct {
	url        string
	secret     string
	httpClient *http.Client
	log        *zap.Logger
}

// NewWebhookSender creates a sender. client may be nil.
func NewWebhookSender(url, secret string, client *http.Client, log *zap.Logger) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookSender{url: url, secret: secret, httpClient: client, log: log}
}

// Send delivers one batch.
func (s *WebhookSender) Send(ctx context.Context, batch []Message) error {
	body, err := json.Marshal(WebhookPayload{
		Source:    WebhookSource,
		Event:     EventMessageCreated,
		Timestamp: time.Now().UnixMilli(),
		Messages:  batch,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookSignatureHeader, SignWebhookBody(string(body), s.secret))
	req.Header.Set(WebhookDeliveryHeader, uuid.NewString())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook delivery: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Forward subscribes to src and delivers every batch until ctx is done or
// the stream ends. Failed deliveries are logged and skipped.
func (s *WebhookSender) Forward(ctx context.Context, src LiveSource, since int64) error {
	stream, err := src.SubscribeCreated(ctx, since)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-stream.Batches():
			if !ok {
				return stream.Err()
			}
			if err := s.Send(ctx, batch); err != nil {
				s.log.Warn("webhook_forward_failed", zap.String("url", s.url), zap.Int("messages", len(batch)), zap.Error(err))
			}
		}
	}
}
