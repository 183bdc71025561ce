// Package proxy tracks egress proxy health and hands out leases to workers.
//
// Every proxy is in one of three states. Healthy proxies are leased
// round-robin. After FailureThreshold consecutive failures a proxy is
// Quarantined and never leased until a background probe succeeds, which moves
// it to Warming. A Warming proxy may serve a single trial job while no Healthy
// proxy exists; the trial's verdict, or a confirmation probe once the warm-up
// grace elapses, decides whether it returns to Healthy or back to Quarantine.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/progress"
)

// Prober checks that a proxy can reach the outside world.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, address string) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, address string) error {
	return f(ctx, address)
}

// Config controls thresholds and probe scheduling.
type Config struct {
	FailureThreshold int
	ProbeInterval    time.Duration
	WarmupGrace      time.Duration
	ProbeAttempts    int
	ProbeBackoff     time.Duration
	ProbeTimeout     time.Duration
	// ProbesPerSecond paces probes across the whole pool. Zero disables pacing.
	ProbesPerSecond float64
}

const (
	defaultFailureThreshold = 5
	defaultProbeInterval    = 30 * time.Minute
	defaultWarmupGrace      = 15 * time.Second
	defaultProbeAttempts    = 3
	defaultProbeBackoff     = time.Second
	defaultProbeTimeout     = 15 * time.Second
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.WarmupGrace <= 0 {
		c.WarmupGrace = defaultWarmupGrace
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = defaultProbeAttempts
	}
	if c.ProbeBackoff <= 0 {
		c.ProbeBackoff = defaultProbeBackoff
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// Lease is a proxy handed to one job. Trial leases are the single attempt a
// Warming proxy gets before it is trusted again.
type Lease struct {
	Proxy orchestrator.Proxy
	Trial bool
}

// Address is shorthand for the leased proxy's address.
func (l Lease) Address() string {
	return l.Proxy.Address
}

// Monitor owns all proxy state. All selection and transitions happen under mu;
// network I/O never does.
type Monitor struct {
	mu      sync.Mutex
	proxies []*orchestrator.Proxy
	byAddr  map[string]*orchestrator.Proxy
	next    int
	changed chan struct{}

	cfg     Config
	prober  Prober
	clock   orchestrator.Clock
	emitter progress.Emitter
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewMonitor builds a monitor over addresses, all starting Healthy. An empty
// list yields a single Direct entry.
func NewMonitor(
	addresses []string,
	prober Prober,
	clock orchestrator.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		return nil, fmt.Errorf("proxy monitor requires a clock")
	}
	cfg = cfg.withDefaults()
	if len(addresses) == 0 {
		addresses = []string{Direct}
	}
	m := &Monitor{
		byAddr:  make(map[string]*orchestrator.Proxy, len(addresses)),
		changed: make(chan struct{}),
		cfg:     cfg,
		prober:  prober,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
		sleep:   sleepContext,
	}
	if cfg.ProbesPerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), 1)
	}
	for _, addr := range addresses {
		if _, dup := m.byAddr[addr]; dup {
			return nil, fmt.Errorf("duplicate proxy %q", Redact(addr))
		}
		p := &orchestrator.Proxy{Address: addr, State: orchestrator.ProxyHealthy}
		m.proxies = append(m.proxies, p)
		m.byAddr[addr] = p
	}
	return m, nil
}

// Len returns the number of managed proxies.
func (m *Monitor) Len() int {
	return len(m.proxies)
}

// Acquire leases the next Healthy proxy round-robin. With no Healthy proxy it
// offers a Warming proxy whose trial slot is free; otherwise it returns
// orchestrator.ErrNoHealthyProxy. While any proxy is Healthy, Warming proxies
// are left to the health check to confirm.
func (m *Monitor) Acquire() (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.proxies)
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		p := m.proxies[idx]
		if p.State == orchestrator.ProxyHealthy {
			m.next = (idx + 1) % n
			return Lease{Proxy: *p}, nil
		}
	}
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		p := m.proxies[idx]
		if p.State == orchestrator.ProxyWarming && !p.TrialInFlight {
			p.TrialInFlight = true
			m.next = (idx + 1) % n
			m.logger.Info("leasing warming proxy for trial", zap.String("proxy", Redact(p.Address)))
			return Lease{Proxy: *p, Trial: true}, nil
		}
	}
	return Lease{}, orchestrator.ErrNoHealthyProxy
}

// ReportSuccess records a successful job through addr.
func (m *Monitor) ReportSuccess(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byAddr[addr]
	if !ok {
		return
	}
	now := m.clock.Now()
	switch p.State {
	case orchestrator.ProxyQuarantined:
		m.logger.Debug("ignoring success for quarantined proxy (in-flight request)",
			zap.String("proxy", Redact(addr)))
		return
	case orchestrator.ProxyWarming:
		p.TrialInFlight = false
		p.ConsecutiveFailures = 0
		p.LastSuccessAt = now
		m.transitionLocked(p, orchestrator.ProxyHealthy, "trial succeeded")
	default:
		p.ConsecutiveFailures = 0
		p.LastSuccessAt = now
	}
}

// ReportFailure records a technical failure through addr.
func (m *Monitor) ReportFailure(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byAddr[addr]
	if !ok {
		return
	}
	switch p.State {
	case orchestrator.ProxyQuarantined:
		m.logger.Debug("ignoring failure for quarantined proxy (in-flight request)",
			zap.String("proxy", Redact(addr)))
		return
	case orchestrator.ProxyWarming:
		p.TrialInFlight = false
		p.ConsecutiveFailures++
		m.transitionLocked(p, orchestrator.ProxyQuarantined, "trial failed")
	default:
		p.ConsecutiveFailures++
		m.logger.Debug("proxy failure reported",
			zap.String("proxy", Redact(addr)),
			zap.Int("failures", p.ConsecutiveFailures),
			zap.Int("threshold", m.cfg.FailureThreshold),
		)
		if p.ConsecutiveFailures >= m.cfg.FailureThreshold {
			m.transitionLocked(p, orchestrator.ProxyQuarantined, "failure threshold reached")
		}
	}
}

// Release returns a lease without a health verdict, freeing a trial slot.
func (m *Monitor) Release(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byAddr[addr]
	if !ok || !p.TrialInFlight {
		return
	}
	p.TrialInFlight = false
	if p.State == orchestrator.ProxyWarming {
		m.signalLocked()
	}
}

// Snapshot returns a copy of every proxy's state in configuration order.
func (m *Monitor) Snapshot() []orchestrator.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]orchestrator.Proxy, 0, len(m.proxies))
	for _, p := range m.proxies {
		out = append(out, *p)
	}
	return out
}

// HealthyCount returns the number of Healthy proxies.
func (m *Monitor) HealthyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.proxies {
		if p.State == orchestrator.ProxyHealthy {
			count++
		}
	}
	return count
}

// Changed returns a channel closed the next time a proxy becomes leasable.
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// transitionLocked moves p to state and notifies observers. Callers hold mu.
func (m *Monitor) transitionLocked(p *orchestrator.Proxy, state orchestrator.ProxyState, why string) {
	from := p.State
	if from == state {
		return
	}
	p.State = state
	now := m.clock.Now()
	switch state {
	case orchestrator.ProxyWarming:
		p.WarmUntil = now.Add(m.cfg.WarmupGrace)
	default:
		p.WarmUntil = time.Time{}
		p.TrialInFlight = false
	}
	m.logger.Info("proxy state changed",
		zap.String("proxy", Redact(p.Address)),
		zap.String("from", string(from)),
		zap.String("to", string(state)),
		zap.Int("failures", p.ConsecutiveFailures),
		zap.String("reason", why),
	)
	if m.emitter != nil {
		m.emitter.Emit(progress.Event{
			TS:         now.UTC(),
			Stage:      progress.StageProxyState,
			Proxy:      Redact(p.Address),
			ProxyState: state,
			Note:       why,
		})
	}
	if state != orchestrator.ProxyQuarantined {
		m.signalLocked()
	}
}

func (m *Monitor) signalLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
