package observability

import (
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordSubmission("submit", "ok")
	RecordRelay("success", 24*time.Millisecond)
	RecordAllocation("submission", "ok")
	SetControllerNodes(2)
}

func TestSetActiveSessionsOverwrites(t *testing.T) {
	testlog.Start(t)
	SetActiveSessions("relay", 3)
	SetActiveSessions("relay", 1)
	if got := testutil.ToFloat64(sessionsActive.WithLabelValues("relay")); got != 1 {
		t.Fatalf("expected gauge 1, got %v", got)
	}
}
