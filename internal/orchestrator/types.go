// Package orchestrator defines core types shared across the verification engine.
package orchestrator

import (
	"encoding/json"
	"time"
)

// JobID uniquely identifies a submitted job. IDs are assigned monotonically.
type JobID uint64

// JobStatus represents the lifecycle state of a verification job.
type JobStatus string

// Job status values exposed to submitters.
const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusSucceeded       JobStatus = "succeeded"
	JobStatusFailedTechnical JobStatus = "failed_technical"
	JobStatusFailedPermanent JobStatus = "failed_permanent"
	JobStatusCancelled       JobStatus = "cancelled"
)

// Terminal reports whether no further transitions can follow s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailedTechnical, JobStatusFailedPermanent, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Payload is the opaque submission body handed to the Executor untouched.
type Payload json.RawMessage

// MarshalJSON keeps the payload verbatim.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON stores a copy of the raw payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}

// Job is a single verification attempt and its bookkeeping.
//
// The queue owns a Job until it is dequeued; afterwards only the claiming
// worker mutates it. Readers outside that worker use Snapshot.
type Job struct {
	ID          JobID     `json:"id"`
	UserID      int64     `json:"user_id"`
	Payload     Payload   `json:"payload,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      JobStatus `json:"status"`

	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ProxyAddress   string     `json:"proxy,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	EvidenceURI    string     `json:"evidence_uri,omitempty"`
	EvidenceSHA256 string     `json:"evidence_sha256,omitempty"`
	Deferrals      int        `json:"deferrals"`
	Charged        bool       `json:"charged"`
	Refunded       bool       `json:"refunded"`
	// HeldUntil is when a deferred job may next be dispatched; zero when it
	// is not held.
	HeldUntil time.Time `json:"-"`
	// Reservation is the daily window the job holds a slot in; zero when none.
	Reservation time.Time `json:"-"`

	handle *Handle
}

// NewJob builds a queued job with a fresh completion handle.
func NewJob(id JobID, userID int64, payload Payload, submitted time.Time) *Job {
	return &Job{
		ID:          id,
		UserID:      userID,
		Payload:     payload,
		SubmittedAt: submitted,
		Status:      JobStatusQueued,
		handle:      newHandle(id),
	}
}

// Handle returns the completion handle shared with the submitter.
func (j *Job) Handle() *Handle {
	return j.handle
}

// Snapshot returns a copy safe to hand to other goroutines.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.Payload = append(Payload(nil), j.Payload...)
	cp.handle = nil
	return cp
}

// ProxyState is the health state of an egress proxy.
type ProxyState string

// Proxy states managed by the health monitor.
const (
	ProxyHealthy     ProxyState = "healthy"
	ProxyWarming     ProxyState = "warming"
	ProxyQuarantined ProxyState = "quarantined"
)

// Proxy is a point-in-time view of one egress proxy.
type Proxy struct {
	Address             string     `json:"address"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	State               ProxyState `json:"state"`
	LastCheckedAt       time.Time  `json:"last_checked_at"`
	LastSuccessAt       time.Time  `json:"last_success_at"`
	WarmUntil           time.Time  `json:"warm_until,omitempty"`
	TrialInFlight       bool       `json:"trial_in_flight"`
}

// Account is a user's credit wallet and verification counters.
type Account struct {
	UserID             int64     `json:"user_id"`
	CreditBalance      int64     `json:"credits"`
	ReferralCode       string    `json:"referral_code"`
	ReferredBy         *int64    `json:"referred_by,omitempty"`
	ReferralRewarded   bool      `json:"referral_rewarded"`
	Referrals          int       `json:"referrals"`
	TotalVerifications int       `json:"total_verifications"`
	TotalSuccesses     int       `json:"total_successes"`
	JoinedAt           time.Time `json:"joined"`
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	cp := a
	if a.ReferredBy != nil {
		ref := *a.ReferredBy
		cp.ReferredBy = &ref
	}
	return cp
}

// OutcomeKind classifies an executor result.
type OutcomeKind string

// Executor outcome classes.
const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeTechnicalFailure OutcomeKind = "technical_failure"
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// Outcome is what an Executor reports for one attempt.
type Outcome struct {
	Kind     OutcomeKind
	Evidence []byte
	Reason   string
}

// Success builds a successful outcome carrying evidence.
func Success(evidence []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Evidence: evidence}
}

// TechnicalFailure builds a refundable infrastructure failure.
func TechnicalFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeTechnicalFailure, Reason: reason}
}

// PermanentFailure builds a non-refundable business rejection.
func PermanentFailure(reason string) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Reason: reason}
}

// StatKind labels an appended stat event.
type StatKind string

// Stat event kinds written by the ledger and workers.
const (
	StatWelcomeGrant          StatKind = "welcome_grant"
	StatReferralGrant         StatKind = "referral_grant"
	StatVoucherGrant          StatKind = "voucher_grant"
	StatManualGrant           StatKind = "manual_grant"
	StatDebit                 StatKind = "debit"
	StatRefund                StatKind = "refund"
	StatVerificationSucceeded StatKind = "verification_succeeded"
	StatVerificationTechnical StatKind = "verification_failed_technical"
	StatVerificationPermanent StatKind = "verification_failed_permanent"
)

// StatEvent is an append-only record of a balance change or verification
// result. Balance is the account balance after the change.
type StatEvent struct {
	ID      string    `json:"id"`
	Kind    StatKind  `json:"kind"`
	UserID  int64     `json:"user_id"`
	JobID   JobID     `json:"job_id,omitempty"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Stats aggregates verification results across all users.
type Stats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
}

// SuccessRate returns the success percentage, or zero without data.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total) * 100
}
