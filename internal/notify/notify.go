// Package notify delivers chat messages to deal participants.
//
// The coordinator never talks to the chat platform directly. Messages are
// POSTed to a bridge endpoint that relays them; delivery is best-effort and
// a failed notification never rolls back the state change that caused it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dealpact/dealpact/internal/circuitbreaker"
	"github.com/dealpact/dealpact/internal/idgen"
	"github.com/dealpact/dealpact/internal/retry"
)

// Signature and metadata headers set on bridge requests.
const (
	HeaderSignature = "X-DealPact-Signature"
	HeaderTimestamp = "X-DealPact-Timestamp"
	HeaderMessageID = "X-DealPact-Message"
)

// ErrRejected is returned when the bridge answers with a 4xx status.
var ErrRejected = errors.New("notification rejected by bridge")

// Message is one chat message for one recipient.
type Message struct {
	Recipient int64
	Text      string
}

// Notifier sends a single message.
type Notifier interface {
	Send(ctx context.Context, recipient int64, text string) error
}

type payload struct {
	ID        string    `json:"id"`
	Recipient int64     `json:"recipient"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// HTTPNotifier posts messages to the chat bridge.
type HTTPNotifier struct {
	url     string
	secret  string
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// HTTPOption configures an HTTPNotifier.
type HTTPOption func(*HTTPNotifier)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(n *HTTPNotifier) { n.client = c }
}

// WithRetryPolicy replaces retry.DefaultPolicy.
func WithRetryPolicy(p retry.Policy) HTTPOption {
	return func(n *HTTPNotifier) { n.policy = p }
}

// NewHTTPNotifier creates a bridge notifier. An empty secret sends unsigned
// requests.
func NewHTTPNotifier(url, secret string, opts ...HTTPOption) *HTTPNotifier {
	n := &HTTPNotifier{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		policy:  retry.DefaultPolicy,
		breaker: circuitbreaker.New("notify", 5, time.Minute),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send delivers text to recipient, retrying transient failures. Recipients
// that keep failing are short-circuited for a while.
func (n *HTTPNotifier) Send(ctx context.Context, recipient int64, text string) error {
	p := payload{
		ID:        idgen.WithPrefix("msg_"),
		Recipient: recipient,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	key := strconv.FormatInt(recipient, 10)
	return n.breaker.Execute(key, func() error {
		return retry.Do(ctx, n.policy, func(ctx context.Context) error {
			return n.post(ctx, p, body)
		})
	})
}

func (n *HTTPNotifier) post(ctx context.Context, p payload, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMessageID, p.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(p.Timestamp.Unix(), 10))
	if n.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("bridge status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// LogNotifier writes messages to the log. Used when no bridge is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Send(_ context.Context, recipient int64, text string) error {
	l.logger.Info("notification", "recipient", recipient, "text", text)
	return nil
}

var (
	_ Notifier = (*HTTPNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
