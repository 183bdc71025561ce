package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobQueued   Stage = "JOB_QUEUED"
	StageJobStart    Stage = "JOB_START"
	StageJobDeferred Stage = "JOB_DEFERRED"
	StageJobDone     Stage = "JOB_DONE"
	StageProbeDone   Stage = "PROBE_DONE"
	StageProxyState  Stage = "PROXY_STATE"
)

// Event captures a single job or proxy milestone.
type Event struct {
	// JobID identifies the job for JOB_* stages.
	JobID orchestrator.JobID
	// UserID is the submitting user for JOB_* stages.
	UserID int64
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Status carries the terminal job status for JOB_DONE.
	Status orchestrator.JobStatus
	// Proxy is the proxy address involved, if any.
	Proxy string
	// ProxyState is the new state for PROXY_STATE events.
	ProxyState orchestrator.ProxyState
	// ProbeOK reports the verdict of a PROBE_DONE event.
	ProbeOK bool
	// Dur captures execution latency for jobs and probes.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobQueued, StageJobStart, StageJobDeferred:
		if e.JobID == 0 {
			return errors.New("job id is required")
		}
	case StageJobDone:
		if e.JobID == 0 {
			return errors.New("job id is required")
		}
		if !e.Status.Terminal() {
			return fmt.Errorf("job done requires terminal status, got %q", e.Status)
		}
	case StageProbeDone:
		if e.Proxy == "" {
			return errors.New("probe done requires proxy")
		}
	case StageProxyState:
		if e.Proxy == "" {
			return errors.New("proxy state requires proxy")
		}
		if e.ProxyState == "" {
			return errors.New("proxy state requires state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
