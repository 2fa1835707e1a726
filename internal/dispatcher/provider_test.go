package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relayServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		var req SendRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, r.Header.Get("Idempotency-Key"), req.RequestID)

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sampleRequest() SendRequest {
	return SendRequest{
		RequestID: RequestID(model.ClassCold, "s1", "ana@acme.io", "j1", 0, "alpha.io"),
		JobID:     "j1",
		SenderID:  "s1",
		From:      "s1@alpha.io",
		To:        "ana@acme.io",
		Subject:   "hi",
		Body:      "hello",
		Class:     model.ClassCold,
	}
}

func TestHTTPProviderSend(t *testing.T) {
	var hits atomic.Int32
	srv := relayServer(t, http.StatusAccepted, `{"message_id":"abc-1"}`, &hits)
	p := NewHTTPProvider(HTTPProviderConfig{Name: "relay-a", BaseURL: srv.URL, APIKey: "k1"})
	require.NoError(t, p.Configured())

	res, err := p.Send(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "abc-1", res.MessageID)
	assert.Equal(t, "relay-a", res.Provider)
	assert.EqualValues(t, 1, hits.Load())
}

func TestHTTPProviderRejection(t *testing.T) {
	var hits atomic.Int32
	srv := relayServer(t, http.StatusUnprocessableEntity, `{"code":"5.1.1","error":"user unknown"}`, &hits)
	p := NewHTTPProvider(HTTPProviderConfig{Name: "relay-a", BaseURL: srv.URL, APIKey: "k1", FailThreshold: 1})

	_, err := p.Send(context.Background(), sampleRequest())
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "5.1.1", pe.Code)
	assert.Equal(t, "hard", classify(err).String())
	assert.True(t, p.Ready(), "a recipient rejection does not trip the breaker")
}

func TestHTTPProviderBreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := relayServer(t, http.StatusBadGateway, `upstream down`, &hits)
	p := NewHTTPProvider(HTTPProviderConfig{Name: "relay-a", BaseURL: srv.URL, APIKey: "k1", FailThreshold: 2, OpenFor: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := p.Send(context.Background(), sampleRequest())
		require.Error(t, err)
	}
	_, err := p.Send(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, ErrNoAcquire)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHTTPProviderConfigured(t *testing.T) {
	assert.Error(t, NewHTTPProvider(HTTPProviderConfig{Name: "x", APIKey: "k"}).Configured())
	assert.Error(t, NewHTTPProvider(HTTPProviderConfig{Name: "x", BaseURL: "http://relay"}).Configured())
}

func TestMicroBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	b := NewMicroBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.OnFailure()
	assert.Equal(t, "open", b.Phase())
	assert.False(t, b.TryAcquire())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.TryAcquire(), "probe after open window")
	assert.False(t, b.TryAcquire(), "single probe in flight")
	assert.Equal(t, "half_open", b.Phase())

	b.OnFailure()
	assert.False(t, b.Ready(), "failed probe reopens")

	now = now.Add(2 * time.Minute)
	require.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.True(t, b.Ready())
	assert.Equal(t, "closed", b.Phase())
}

type fakeProvider struct {
	name  string
	err   error
	calls atomic.Int32
}

func (f *fakeProvider) Name() string      { return f.name }
func (f *fakeProvider) Configured() error { return nil }
func (f *fakeProvider) Send(_ context.Context, req SendRequest) (SendResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return SendResult{}, f.err
	}
	return SendResult{Provider: f.name, MessageID: f.name + ":" + req.JobID}, nil
}

func TestRelayFailsOverOnlyWhenNotAcquired(t *testing.T) {
	busy := &fakeProvider{name: "busy", err: ErrNoAcquire}
	ok := &fakeProvider{name: "ok"}
	r := NewRelay([]Provider{busy, ok}, 2)

	res, err := r.Send(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Provider)

	bad := &fakeProvider{name: "bad", err: errors.New("550 5.1.1 user unknown")}
	r = NewRelay([]Provider{bad, ok}, 2)
	_, err = r.Send(context.Background(), sampleRequest())
	assert.Error(t, err, "a real rejection is not retried elsewhere")
	assert.EqualValues(t, 1, bad.calls.Load())
}

func TestRelayConfigured(t *testing.T) {
	assert.Error(t, NewRelay(nil, 1).Configured())
	assert.NoError(t, NewRelay([]Provider{&fakeProvider{name: "a"}}, 1).Configured())
}

func TestDryRunProviderRecords(t *testing.T) {
	p := NewDryRunProvider()
	res, err := p.Send(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Contains(t, res.MessageID, "dry-run:")
	assert.Len(t, p.Sent(), 1)
}
