package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/internal/backoff"
)

// LogNotifier writes summaries to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the summary at info level.
func (n LogNotifier) Notify(ctx context.Context, subject, body string) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, subject, "body", body)
	return nil
}

// WebhookPayload is the JSON document posted by WebhookNotifier.
type WebhookPayload struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// WebhookNotifier posts summaries to an HTTP endpoint. 5xx responses and
// transport errors are retried; 4xx responses are not.
type WebhookNotifier struct {
	url    string
	client *http.Client
	retry  backoff.Config
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption interface {
	applyWebhook(*WebhookNotifier)
}

type webhookOptionFunc func(*WebhookNotifier)

func (f webhookOptionFunc) applyWebhook(w *WebhookNotifier) { f(w) }

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return webhookOptionFunc(func(w *WebhookNotifier) {
		w.client = c
	})
}

// DefaultWebhookRetry is the retry policy webhooks use unless configured.
func DefaultWebhookRetry() backoff.Config {
	return backoff.Config{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg backoff.Config) WebhookOption {
	return webhookOptionFunc(func(w *WebhookNotifier) {
		w.retry = cfg
	})
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  DefaultWebhookRetry(),
	}
	for _, opt := range opts {
		opt.applyWebhook(w)
	}
	return w
}

// Notify posts the summary.
func (w *WebhookNotifier) Notify(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(WebhookPayload{Subject: subject, Body: body, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	return backoff.Do(ctx, w.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("post webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook returned %s", resp.Status)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
		}
		return nil
	})
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// MailNotifier sends summaries over SMTP.
type MailNotifier struct {
	Addr     string // host:port
	From     string
	To       []string
	Username string
	Password string

	// Send defaults to smtp.SendMail.
	Send SendMailFunc
}

// Notify sends one plain-text message to every recipient.
func (m *MailNotifier) Notify(_ context.Context, subject, body string) error {
	if len(m.To) == 0 {
		return errors.New("notify: mail notifier has no recipients")
	}

	var auth smtp.Auth
	if m.Username != "" {
		host, _, _ := strings.Cut(m.Addr, ":")
		auth = smtp.PlainAuth("", m.Username, m.Password, host)
	}

	send := m.Send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(m.Addr, auth, m.From, m.To, m.message(subject, body)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (m *MailNotifier) message(subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}

// Multi delivers to every notifier and joins their errors.
type Multi []core.Notifier

// Notify calls each notifier in order, even after a failure.
func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ core.Notifier = LogNotifier{}
	_ core.Notifier = (*WebhookNotifier)(nil)
	_ core.Notifier = (*MailNotifier)(nil)
	_ core.Notifier = Multi(nil)
)
