// Package storage selects the evidence blob backend and names evidence objects.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/storage/gcs"
	"github.com/JakeFAU/verifyd/internal/storage/local"
	"github.com/JakeFAU/verifyd/internal/storage/memory"
)

// Backend names a blob store implementation.
type Backend string

// Supported blob backends.
const (
	BackendMemory Backend = "memory"
	BackendLocal  Backend = "local"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures the evidence blob store.
type Config struct {
	Backend Backend
	BaseDir string
	Bucket  string
	Prefix  string
}

// NewBlobStore builds the configured blob store. The returned close function
// releases any client the store owns and is never nil.
func NewBlobStore(ctx context.Context, cfg Config) (orchestrator.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch Backend(strings.ToLower(string(cfg.Backend))) {
	case "", BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("local blob store: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// EvidencePath returns the object path for a job's evidence, partitioned by day.
func EvidencePath(jobID orchestrator.JobID, userID int64, at time.Time) string {
	return fmt.Sprintf("evidence/%s/%d/%d", at.UTC().Format("2006/01/02"), userID, jobID)
}

// ContentType sniffs the evidence content type, preferring JSON for JSON bodies.
func ContentType(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return http.DetectContentType(data)
}
