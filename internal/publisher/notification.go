// Package publisher builds job outcome notifications and selects the
// transport that delivers them to the chat front end.
package publisher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	pubsubclient "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/publisher/amqp"
	"github.com/JakeFAU/verifyd/internal/publisher/memory"
	"github.com/JakeFAU/verifyd/internal/publisher/pubsub"
)

// Notification is the message published when a job reaches a terminal status.
type Notification struct {
	JobID       orchestrator.JobID     `json:"job_id"`
	UserID      int64                  `json:"user_id"`
	Status      orchestrator.JobStatus `json:"status"`
	Category    orchestrator.Category  `json:"category"`
	Reason      string                 `json:"reason,omitempty"`
	Refunded    bool                   `json:"refunded"`
	EvidenceURI string                 `json:"evidence_uri,omitempty"`
	EvidenceSHA string                 `json:"evidence_sha256,omitempty"`
	Proxy       string                 `json:"proxy,omitempty"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// OrderingKey keeps one user's notifications in order.
func (n Notification) OrderingKey() string {
	return strconv.FormatInt(n.UserID, 10)
}

// NewNotification builds the notification for a finished job.
func NewNotification(job orchestrator.Job, res orchestrator.Result) Notification {
	n := Notification{
		JobID:       job.ID,
		UserID:      job.UserID,
		Status:      res.Status,
		Category:    res.Category(),
		Reason:      res.Reason,
		Refunded:    res.Refunded,
		EvidenceURI: job.EvidenceURI,
		EvidenceSHA: job.EvidenceSHA256,
		Proxy:       job.ProxyAddress,
	}
	if job.FinishedAt != nil {
		n.FinishedAt = *job.FinishedAt
	}
	return n
}

// Backend names a publisher implementation.
type Backend string

// Supported publisher backends.
const (
	BackendNone   Backend = "none"
	BackendMemory Backend = "memory"
	BackendPubSub Backend = "pubsub"
	BackendAMQP   Backend = "amqp"
)

// Config selects and configures the notification publisher.
type Config struct {
	Backend   Backend
	ProjectID string
	AMQP      amqp.Config
}

// New builds the configured publisher. A nil publisher with no error means
// notifications are disabled. The close function is never nil.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (orchestrator.Publisher, func() error, error) {
	noop := func() error { return nil }
	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case "", BackendNone:
		return nil, noop, nil
	case BackendMemory:
		return memory.New(), noop, nil
	case BackendPubSub:
		if cfg.ProjectID == "" {
			return nil, noop, fmt.Errorf("pubsub project id is required")
		}
		client, err := pubsubclient.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, noop, fmt.Errorf("create pubsub client: %w", err)
		}
		pub := pubsub.New(client, logger)
		return pub, func() error {
			pub.Stop()
			return client.Close()
		}, nil
	case BackendAMQP:
		pub, err := amqp.Dial(cfg.AMQP, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("amqp publisher: %w", err)
		}
		return pub, pub.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown publisher backend %q", cfg.Backend)
	}
}
