package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
)

var (
	ErrNoHealthy = errors.New("no healthy providers")
	ErrNoAcquire = errors.New("provider not acquired")
)

// SendRequest is one message handed to the transport.
type SendRequest struct {
	RequestID string             `json:"request_id"`
	JobID     string             `json:"job_id"`
	SenderID  string             `json:"sender_id"`
	From      string             `json:"from"`
	To        string             `json:"to"`
	Subject   string             `json:"subject"`
	Body      string             `json:"text"`
	Class     model.TrafficClass `json:"class"`
}

type SendResult struct {
	Provider  string
	MessageID string
}

// Provider delivers a message. Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	// Configured reports a missing credential or endpoint before any live send.
	Configured() error
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// ProviderError carries the relay's rejection so the bounce classifier can use the
// structured status code when there is one.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider=%s status=%d code=%s: %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider=%s status=%d: %s", e.Provider, e.Status, e.Message)
}

type HTTPProviderConfig struct {
	Name          string
	BaseURL       string
	Path          string
	APIKey        string
	Timeout       time.Duration
	FailThreshold int
	OpenFor       time.Duration
}

// HTTPProvider posts messages to a JSON relay API.
type HTTPProvider struct {
	name   string
	url    string
	apiKey string
	client *http.Client
	br     *MicroBreaker
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}

	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}

	if cfg.Path == "" {
		cfg.Path = "/v1/messages"
	}

	return &HTTPProvider{
		name:   cfg.Name,
		url:    strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
		br:     NewMicroBreaker(cfg.FailThreshold, cfg.OpenFor),
	}
}

func (p *HTTPProvider) Name() string { return p.name }
func (p *HTTPProvider) Ready() bool  { return p.br.Ready() }

func (p *HTTPProvider) Configured() error {
	switch {
	case p.name == "":
		return errors.New("provider name is empty")
	case !strings.HasPrefix(p.url, "http"):
		return fmt.Errorf("provider=%s: base url is not set", p.name)
	case p.apiKey == "":
		return fmt.Errorf("provider=%s: api key is not set", p.name)
	}

	return nil
}

type relayResponse struct {
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

func (p *HTTPProvider) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if !p.br.TryAcquire() {
		return SendResult{}, fmt.Errorf("%w: %s breaker %s", ErrNoAcquire, p.name, p.br.Phase())
	}

	b, err := json.Marshal(req)
	if err != nil {
		return SendResult{}, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(b))
	if err != nil {
		return SendResult{}, err
	}

	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+p.apiKey)
	hreq.Header.Set("Idempotency-Key", req.RequestID)

	res, err := p.client.Do(hreq)
	if err != nil {
		p.br.OnFailure()
		return SendResult{}, fmt.Errorf("provider=%s: %w", p.name, err)
	}

	defer res.Body.Close()

	var body relayResponse
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	if res.StatusCode/100 != 2 {
		// 4xx is the relay refusing this message, not the relay being down
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			p.br.OnFailure()
		} else {
			p.br.OnSuccess()
		}

		msg := body.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}

		return SendResult{}, &ProviderError{Provider: p.name, Status: res.StatusCode, Code: body.Code, Message: msg}
	}

	p.br.OnSuccess()

	id := body.MessageID
	if id == "" {
		id = req.RequestID
	}

	return SendResult{Provider: p.name, MessageID: id}, nil
}

// DryRunProvider never contacts anything; it records what would have been sent.
type DryRunProvider struct {
	mu   sync.Mutex
	sent []SendRequest
}

func NewDryRunProvider() *DryRunProvider { return &DryRunProvider{} }

func (p *DryRunProvider) Name() string      { return "dry-run" }
func (p *DryRunProvider) Configured() error { return nil }

func (p *DryRunProvider) Send(_ context.Context, req SendRequest) (SendResult, error) {
	p.mu.Lock()
	p.sent = append(p.sent, req)
	p.mu.Unlock()

	return SendResult{Provider: p.Name(), MessageID: "dry-run:" + req.RequestID}, nil
}

func (p *DryRunProvider) Sent() []SendRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]SendRequest(nil), p.sent...)
}
