// Package webhooks delivers committed domain events to an external
// notification gateway (SMS, WhatsApp, e-mail fan-out lives there).
//
// Payloads are signed with HMAC-SHA256 over the raw body so the receiver
// can authenticate them. Delivery is retried with exponential backoff;
// a delivery that still fails is logged and counted, never surfaced to the
// operation that produced the event.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mbd888/combinado/internal/circuitbreaker"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/metrics"
)

const (
	HeaderEvent     = "X-Combinado-Event"
	HeaderTimestamp = "X-Combinado-Timestamp"
	HeaderSignature = "X-Combinado-Signature"
)

// Notifier delivers one event to one sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev events.Event) error
}

// Sender posts signed events to a single URL.
type Sender struct {
	url        string
	secret     string
	client     *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) { s.client = c }
}

// WithRetries sets how many times a failed delivery is retried.
func WithRetries(n uint64) SenderOption {
	return func(s *Sender) { s.maxRetries = n }
}

// WithBackOff overrides the retry schedule.
func WithBackOff(f func() backoff.BackOff) SenderOption {
	return func(s *Sender) { s.newBackOff = f }
}

// NewSender creates a webhook sender.
func NewSender(url, secret string, opts ...SenderOption) *Sender {
	s := &Sender{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: 4,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sender) Name() string { return "webhook" }

// Notify posts ev, retrying transport errors and 5xx responses. 4xx
// responses are not retried.
func (s *Sender) Notify(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	return backoff.Retry(func() error {
		return s.send(ctx, ev, payload)
	}, b)
}

func (s *Sender) send(ctx context.Context, ev events.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.OccurredAt.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}

// LogNotifier writes events to the structured log. It is the only sink in
// development and a companion to Sender in production.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, ev events.Event) error {
	n.logger.Info("notification",
		"event", ev.Type, "entityId", ev.EntityID, "users", ev.UserIDs)
	return nil
}

// Dispatcher fans an event out to every notifier.
type Dispatcher struct {
	notifiers []Notifier
	logger    *slog.Logger
	breaker   *circuitbreaker.Breaker
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, logger: logger}
}

// WithBreaker skips sinks that keep failing until their cooldown ends.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// Handle is an events.Handler. Failures are logged and counted.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) {
	for _, n := range d.notifiers {
		if d.breaker != nil && !d.breaker.Allow(n.Name()) {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "skipped").Inc()
			continue
		}
		err := n.Notify(ctx, ev)
		if d.breaker != nil {
			d.breaker.Record(n.Name(), err)
		}
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(n.Name(), "error").Inc()
			d.logger.Warn("notification failed",
				"sink", n.Name(), "event", ev.Type, "entityId", ev.EntityID, "error", err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(n.Name(), "ok").Inc()
	}
}
