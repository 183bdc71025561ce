package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/progress"
)

// PrometheusSink exports job and proxy progress via Prometheus. It owns the
// collectors for job lifecycle counters, probe results and proxy states.
type PrometheusSink struct {
	jobsQueued    prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsDeferred  prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	probes           *prometheus.CounterVec
	probeDuration    prometheus.Histogram
	proxyTransitions *prometheus.CounterVec
	proxiesByState   *prometheus.GaugeVec

	tracker *jobTracker
	proxies *proxyTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifyd_jobs_queued_total",
			Help: "Total jobs accepted into the queue.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifyd_jobs_started_total",
			Help: "Total jobs a worker began executing.",
		}),
		jobsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verifyd_jobs_deferred_total",
			Help: "Times a job went back to the head of the queue for lack of a proxy.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifyd_jobs_completed_total",
			Help: "Total jobs finished partitioned by terminal status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "verifyd_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verifyd_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifyd_proxy_probes_total",
			Help: "Proxy probes partitioned by result.",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "verifyd_proxy_probe_duration_seconds",
			Help:    "Wall time per probe including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		proxyTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verifyd_proxy_transitions_total",
			Help: "Proxy state transitions partitioned by new state.",
		}, []string{"state"}),
		proxiesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verifyd_proxies",
			Help: "Number of proxies per health state.",
		}, []string{"state"}),
		tracker: newJobTracker(),
		proxies: newProxyTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsQueued,
		s.jobsStarted,
		s.jobsDeferred,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.probes,
		s.probeDuration,
		s.proxyTransitions,
		s.proxiesByState,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobQueued:
		s.jobsQueued.Inc()
	case progress.StageJobDeferred:
		s.jobsDeferred.Inc()
	case progress.StageJobStart, progress.StageJobDone:
		s.handleJobEvent(evt)
	case progress.StageProbeDone:
		result := "ok"
		if !evt.ProbeOK {
			result = "failed"
		}
		s.probes.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.probeDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageProxyState:
		s.proxyTransitions.WithLabelValues(string(evt.ProxyState)).Inc()
		for state, count := range s.proxies.set(evt.Proxy, evt.ProxyState) {
			s.proxiesByState.WithLabelValues(string(state)).Set(float64(count))
		}
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	if evt.Stage == progress.StageJobStart {
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	}
	status := string(evt.Status)
	s.jobsCompleted.WithLabelValues(status).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[orchestrator.JobID]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[orchestrator.JobID]struct{})}
}

func (t *jobTracker) start(id orchestrator.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id orchestrator.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

type proxyTracker struct {
	mu     sync.Mutex
	states map[string]orchestrator.ProxyState
}

func newProxyTracker() *proxyTracker {
	return &proxyTracker{states: make(map[string]orchestrator.ProxyState)}
}

// set records the proxy's state and returns the per-state totals, including
// zero for states that no longer have members.
func (t *proxyTracker) set(addr string, state orchestrator.ProxyState) map[orchestrator.ProxyState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[addr] = state
	counts := map[orchestrator.ProxyState]int{
		orchestrator.ProxyHealthy:     0,
		orchestrator.ProxyWarming:     0,
		orchestrator.ProxyQuarantined: 0,
	}
	for _, st := range t.states {
		counts[st]++
	}
	return counts
}
