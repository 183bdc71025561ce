package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/progress"
)

const probeConcurrency = 4

// ProbeResult reports one probe's verdict and the proxy state after it was applied.
type ProbeResult struct {
	Address  string
	State    orchestrator.ProxyState
	Err      error
	Duration time.Duration
}

// Run probes every proxy once at start and then every ProbeInterval. Between
// sweeps it wakes when a Warming proxy's grace elapses to run its confirmation
// probe. Run returns nil when ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		m.logger.Warn("no prober configured; proxy states only change through job reports")
		<-ctx.Done()
		return nil
	}
	m.ProbeAll(ctx)
	nextSweep := m.clock.Now().Add(m.cfg.ProbeInterval)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		now := m.clock.Now()
		wait := nextSweep.Sub(now)
		if due, ok := m.nextWarmDeadline(); ok && due.Sub(now) < wait {
			wait = due.Sub(now)
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if !m.clock.Now().Before(nextSweep) {
			m.ProbeAll(ctx)
			nextSweep = m.clock.Now().Add(m.cfg.ProbeInterval)
			continue
		}
		m.confirmWarming(ctx)
	}
}

// ProbeAll probes every proxy and applies each verdict.
func (m *Monitor) ProbeAll(ctx context.Context) []ProbeResult {
	addrs := m.addresses(func(orchestrator.Proxy) bool { return true })
	return m.probeSet(ctx, addrs)
}

func (m *Monitor) confirmWarming(ctx context.Context) {
	now := m.clock.Now()
	addrs := m.addresses(func(p orchestrator.Proxy) bool {
		return p.State == orchestrator.ProxyWarming && !now.Before(p.WarmUntil)
	})
	if len(addrs) == 0 {
		return
	}
	m.probeSet(ctx, addrs)
}

func (m *Monitor) probeSet(ctx context.Context, addrs []string) []ProbeResult {
	results := make([]ProbeResult, len(addrs))
	if m.prober == nil {
		for i, addr := range addrs {
			results[i] = ProbeResult{Address: addr, State: m.stateOf(addr), Err: errors.New("no prober configured")}
		}
		return results
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, addr := range addrs {
		g.Go(func() error {
			start := time.Now()
			err := m.probe(gctx, addr)
			if ctx.Err() != nil {
				// Shutdown is not a verdict on the proxy.
				results[i] = ProbeResult{Address: addr, State: m.stateOf(addr), Err: ctx.Err()}
				return nil
			}
			dur := time.Since(start)
			results[i] = ProbeResult{
				Address:  addr,
				State:    m.applyProbe(addr, err, dur),
				Err:      err,
				Duration: dur,
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// probe makes up to ProbeAttempts attempts with doubling backoff. Only the
// failure of every attempt counts as a failed probe.
func (m *Monitor) probe(ctx context.Context, addr string) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("probe pacing: %w", err)
		}
	}
	var lastErr error
	backoff := m.cfg.ProbeBackoff
	for attempt := 1; attempt <= m.cfg.ProbeAttempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, backoff); err != nil {
				return fmt.Errorf("probe backoff: %w", err)
			}
			backoff *= 2
		}
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		lastErr = m.prober.Probe(attemptCtx, addr)
		cancel()
		if lastErr == nil {
			return nil
		}
		m.logger.Debug("probe attempt failed",
			zap.String("proxy", Redact(addr)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	return fmt.Errorf("probe %s failed after %d attempts: %w", Redact(addr), m.cfg.ProbeAttempts, lastErr)
}

// applyProbe folds a probe verdict into the state machine and returns the
// resulting state.
func (m *Monitor) applyProbe(addr string, probeErr error, dur time.Duration) orchestrator.ProxyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byAddr[addr]
	if !ok {
		return ""
	}
	now := m.clock.Now()
	p.LastCheckedAt = now

	if probeErr == nil {
		p.LastSuccessAt = now
		switch p.State {
		case orchestrator.ProxyQuarantined:
			m.transitionLocked(p, orchestrator.ProxyWarming, "probe succeeded")
		case orchestrator.ProxyWarming:
			if !now.Before(p.WarmUntil) {
				p.ConsecutiveFailures = 0
				m.transitionLocked(p, orchestrator.ProxyHealthy, "warm-up confirmed")
			}
		default:
			p.ConsecutiveFailures = 0
		}
	} else {
		p.ConsecutiveFailures++
		switch p.State {
		case orchestrator.ProxyHealthy:
			if p.ConsecutiveFailures >= m.cfg.FailureThreshold {
				m.transitionLocked(p, orchestrator.ProxyQuarantined, "probe failure threshold reached")
			}
		case orchestrator.ProxyWarming:
			m.transitionLocked(p, orchestrator.ProxyQuarantined, "warm-up probe failed")
		}
		m.logger.Warn("proxy probe failed",
			zap.String("proxy", Redact(addr)),
			zap.Int("failures", p.ConsecutiveFailures),
			zap.Error(probeErr),
		)
	}

	if m.emitter != nil {
		evt := progress.Event{
			TS:         now.UTC(),
			Stage:      progress.StageProbeDone,
			Proxy:      Redact(addr),
			ProxyState: p.State,
			ProbeOK:    probeErr == nil,
			Dur:        dur,
		}
		if probeErr != nil {
			evt.Note = probeErr.Error()
		}
		m.emitter.Emit(evt)
	}
	return p.State
}

func (m *Monitor) nextWarmDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		earliest time.Time
		found    bool
	)
	for _, p := range m.proxies {
		if p.State != orchestrator.ProxyWarming {
			continue
		}
		if !found || p.WarmUntil.Before(earliest) {
			earliest = p.WarmUntil
			found = true
		}
	}
	return earliest, found
}

func (m *Monitor) addresses(keep func(orchestrator.Proxy) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.proxies))
	for _, p := range m.proxies {
		if keep(*p) {
			out = append(out, p.Address)
		}
	}
	return out
}

func (m *Monitor) stateOf(addr string) orchestrator.ProxyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.byAddr[addr]; ok {
		return p.State
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
