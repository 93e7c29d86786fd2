package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TenantRunner calls fn once per tenant with a tenant-scoped context.
type TenantRunner func(ctx context.Context, fn func(ctx context.Context, tenant string) error) error

// Enforcer periodically locks expired notes and sends deadline reminders
// for every tenant.
type Enforcer struct {
	svc      *Service
	tenants  TenantRunner
	interval time.Duration
	logger   zerolog.Logger

	started  bool
	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

func NewEnforcer(svc *Service, tenants TenantRunner, interval time.Duration, logger zerolog.Logger) *Enforcer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Enforcer{
		svc:      svc,
		tenants:  tenants,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Summary reports one enforcement pass.
type Summary struct {
	Tenants   int `json:"tenants"`
	Locked    int `json:"locked"`
	Reminders int `json:"reminders"`
	Failures  int `json:"failures"`
}

// RunOnce performs a single pass over every tenant. A failing tenant is
// logged and does not stop the pass.
func (e *Enforcer) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	now := e.svc.now()
	err := e.tenants(ctx, func(ctx context.Context, tenant string) error {
		sum.Tenants++
		locked, err := e.svc.EnforceDeadlines(ctx, now)
		if err != nil {
			sum.Failures++
			e.logger.Error().Err(err).Str("tenant", tenant).Msg("deadline enforcement failed")
			return nil
		}
		sum.Locked += len(locked)

		sent, err := e.svc.SendReminders(ctx, now)
		sum.Reminders += sent
		if err != nil {
			sum.Failures++
			e.logger.Error().Err(err).Str("tenant", tenant).Msg("reminder dispatch failed")
		}
		return nil
	})
	return sum, err
}

// Start runs RunOnce on every tick until ctx is cancelled or Stop is called.
func (e *Enforcer) Start(ctx context.Context) {
	e.started = true
	go func() {
		defer close(e.stopped)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case <-ticker.C:
				sum, err := e.RunOnce(ctx)
				if err != nil {
					e.logger.Error().Err(err).Msg("enforcement pass failed")
					continue
				}
				if sum.Locked > 0 || sum.Reminders > 0 || sum.Failures > 0 {
					e.logger.Info().
						Int("tenants", sum.Tenants).
						Int("locked", sum.Locked).
						Int("reminders", sum.Reminders).
						Int("failures", sum.Failures).
						Msg("enforcement pass complete")
				}
			}
		}
	}()
}

// Stop ends the loop started by Start and waits for it to exit.
func (e *Enforcer) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
	if e.started {
		<-e.stopped
	}
}
