package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

type readier interface {
	Ready() bool
}

// Relay spreads sends over several providers round-robin, skipping those whose breaker is
// open. A message is only retried on another provider when the previous one never took it.
type Relay struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

var _ Provider = (*Relay)(nil)

func NewRelay(provs []Provider, maxAttempts int) *Relay {
	if maxAttempts < 1 {
		maxAttempts = 2
	}

	return &Relay{providers: provs, maxAttempts: maxAttempts}
}

func (r *Relay) Name() string { return "relay" }

func (r *Relay) Configured() error {
	if len(r.providers) == 0 {
		return errors.New("no providers configured")
	}

	var errs []error
	for _, p := range r.providers {
		if err := p.Configured(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == len(r.providers) {
		return errors.Join(errs...)
	}

	return nil
}

func (r *Relay) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if rd, ok := p.(readier); ok && !rd.Ready() {
			continue
		}
		if p.Configured() != nil {
			continue
		}

		healthy = append(healthy, p)
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := r.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (r *Relay) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		p, err := r.selectProvider()
		if err != nil {
			return SendResult{}, err
		}

		res, err := p.Send(ctx, req)
		if err == nil {
			return res, nil
		}

		last = err
		if !errors.Is(err, ErrNoAcquire) {
			return SendResult{}, err
		}
	}

	if last == nil {
		last = fmt.Errorf("relay: send failed")
	}

	return SendResult{}, last
}
