package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if executionsTotal == nil || enqueuedTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveExecution(t *testing.T) {
	ObserveExecution("keyword", "success")
	ObserveExecution("keyword", "success")
	if val := testutil.ToFloat64(executionsTotal.WithLabelValues("keyword", "success")); val < 2 {
		t.Errorf("Expected executionsTotal >= 2, got %f", val)
	}
	ObserveExecutionDuration("keyword", 3*time.Second)
	if val := testutil.CollectAndCount(executionDurationSeconds); val <= 0 {
		t.Errorf("Expected executionDurationSeconds to be observed, got %d", val)
	}
}

func TestObserveCounters(t *testing.T) {
	before := testutil.ToFloat64(recoveredTotal)
	ObserveRecovered(3)
	if got := testutil.ToFloat64(recoveredTotal) - before; got != 3 {
		t.Errorf("Expected recoveredTotal to grow by 3, got %f", got)
	}

	ObserveEnqueued("high", "created")
	if val := testutil.ToFloat64(enqueuedTotal.WithLabelValues("high", "created")); val < 1 {
		t.Errorf("Expected enqueuedTotal to be observed, got %f", val)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val < 1 {
		t.Errorf("Expected activeWorkers >= 1, got %f", val)
	}
	DecActiveWorkers()
}
