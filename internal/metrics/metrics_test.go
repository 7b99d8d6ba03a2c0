package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordCycle(time.Second, nil)
	m.RecordAssignment(types.HandledByHuman)
	m.RecordTransfer(types.TransferWarm, "success")
	m.RecordWebSocketConnect()
	m.UpdateQueueStats(types.QueueStats{})
	if m.GetActiveConnections() != 0 {
		t.Error("expected 0 for nil metrics")
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RecordCycle(150*time.Millisecond, nil)
	m.RecordCycle(time.Millisecond, errors.New("store down"))
	m.RecordAssignment(types.HandledByHuman)
	m.RecordAssignment(types.HandledByAI)
	m.RecordAssignment(types.HandledByAI)
	m.RecordTransfer(types.TransferCold, "failure")
	m.UpdateQueueStats(types.QueueStats{
		WaitingCount: 4,
		ServiceLevel: types.ServiceLevel{CurrentSL: 75},
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"callrouter_scheduler_cycles_total 2",
		"callrouter_scheduler_cycle_errors_total 1",
		`callrouter_assignments_total{handled_by="human"} 1`,
		`callrouter_assignments_total{handled_by="ai"} 2`,
		`callrouter_transfers_total{type="cold",outcome="failure"} 1`,
		"callrouter_queue_waiting 4",
		"callrouter_service_level_percent 75.000000",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
}
