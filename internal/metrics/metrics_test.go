package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if httpRequestsTotal == nil || ledgerOperationsTotal == nil ||
		submissionsTotal == nil || activeWorkers == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(ledgerOperationsTotal.WithLabelValues("debit", "error"))
	ObserveLedger("debit", errors.New("insufficient credit"))
	if got := testutil.ToFloat64(ledgerOperationsTotal.WithLabelValues("debit", "error")); got != before+1 {
		t.Errorf("expected ledger error counter to grow by 1, got %f -> %f", before, got)
	}

	ObserveSubmission("accepted")
	if got := testutil.ToFloat64(submissionsTotal.WithLabelValues("accepted")); got < 1 {
		t.Errorf("expected accepted submissions >= 1, got %f", got)
	}

	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %f", got)
	}
	SetDailySlotsUsed(3)
	if got := testutil.ToFloat64(dailySlotsUsed); got != 3 {
		t.Errorf("expected daily slots 3, got %f", got)
	}

	start := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != start {
		t.Errorf("expected active workers to return to %f, got %f", start, got)
	}
}
