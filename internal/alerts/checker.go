package alerts

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

// Thresholds configures the queue alert rules. A zero value disables a rule.
type Thresholds struct {
	QueueLength int
	WaitSeconds int
}

// CheckQueueAlerts evaluates the alert rules against a queue snapshot.
// A rule turns critical at twice its warning threshold.
func CheckQueueAlerts(stats types.QueueStats, th Thresholds) []types.QueueAlert {
	var out []types.QueueAlert

	if th.QueueLength > 0 && stats.WaitingCount >= th.QueueLength {
		sev := types.SeverityWarning
		if stats.WaitingCount >= 2*th.QueueLength {
			sev = types.SeverityCritical
		}
		out = append(out, types.QueueAlert{
			Rule:     "queue_length",
			Severity: sev,
			Message:  fmt.Sprintf("%d callers waiting", stats.WaitingCount),
		})
	}

	if th.WaitSeconds > 0 && stats.LongestWaitSeconds > float64(th.WaitSeconds) {
		sev := types.SeverityWarning
		if stats.LongestWaitSeconds > float64(2*th.WaitSeconds) {
			sev = types.SeverityCritical
		}
		wait := time.Duration(stats.LongestWaitSeconds * float64(time.Second))
		out = append(out, types.QueueAlert{
			Rule:     "longest_wait",
			Severity: sev,
			Message:  fmt.Sprintf("Oldest caller waiting %s", formatDuration(wait)),
		})
	}

	sl := stats.ServiceLevel
	if sl.TotalAnswered > 0 && sl.Target > 0 && sl.CurrentSL < float64(sl.Target) {
		out = append(out, types.QueueAlert{
			Rule:     "service_level",
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("Service level %.1f%% below target %d%%", sl.CurrentSL, sl.Target),
		})
	}

	if stats.WaitingCount > 0 && stats.ActiveAgents == 0 {
		out = append(out, types.QueueAlert{
			Rule:     "no_agents",
			Severity: types.SeverityCritical,
			Message:  "Callers waiting with no agent online",
		})
	}

	return out
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
