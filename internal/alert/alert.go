// Package alert delivers operator notifications. Delivery is best effort: callers go
// through Safe, which never returns an error or panics back into them.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelInfo     Level = "info"
)

type Alert struct {
	Level   Level             `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// Webhook posts alerts as JSON to a chat-style incoming webhook.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhook builds a notifier limited to perMinute deliveries with a small burst.
func NewWebhook(url string, timeout time.Duration, perMinute int) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if perMinute <= 0 {
		perMinute = 20
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5),
	}
}

type webhookPayload struct {
	Content string `json:"content"`
	Alert   Alert  `json:"alert"`
}

func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	if !w.limiter.Allow() {
		return fmt.Errorf("alert: rate limited")
	}
	b, err := json.Marshal(webhookPayload{Content: render(a), Alert: a})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("alert: webhook status=%d", res.StatusCode)
	}
	return nil
}

func render(a Alert) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s] %s", a.Level, a.Title)
	if a.Message != "" {
		fmt.Fprintf(&buf, ": %s", a.Message)
	}
	for k, v := range a.Fields {
		fmt.Fprintf(&buf, "\n%s=%s", k, v)
	}
	return buf.String()
}

// Safe wraps a Notifier so failures and panics are logged and dropped.
type Safe struct {
	next    Notifier
	log     *zap.Logger
	timeout time.Duration
}

func NewSafe(next Notifier, log *zap.Logger) *Safe {
	if next == nil {
		next = Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Safe{next: next, log: log, timeout: 10 * time.Second}
}

// Send delivers a synchronously under its own timeout and swallows any failure.
func (s *Safe) Send(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("alert notifier panicked", zap.Any("panic", r), zap.String("title", a.Title))
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.next.Notify(ctx, a); err != nil {
		s.log.Warn("alert delivery failed", zap.Error(err), zap.String("title", a.Title), zap.String("level", string(a.Level)))
	}
}
