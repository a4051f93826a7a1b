package manager

import (
	"time"

	"github.com/c360/runway/module"
	"github.com/c360/runway/statistics"
)

// StatisticsExtender returns an extender exposing the manager's run state,
// per-module lifecycle timing, and task pool counters. Register it on a
// statistics storage under the "manager" prefix.
func (m *Manager) StatisticsExtender() statistics.Extender {
	return func(_ statistics.Request) any {
		snaps := m.reg.snapshotAll()

		ready := 0
		modules := make(map[string]any, len(snaps))
		for _, s := range snaps {
			if s.State == module.StateReady {
				ready++
			}
			ms := map[string]any{
				"state":            s.State.String(),
				"completion_order": s.Seq,
			}
			if !s.ConstructStart.IsZero() && !s.ConstructEnd.IsZero() {
				ms["construct_seconds"] = s.ConstructEnd.Sub(s.ConstructStart).Seconds()
			}
			if s.Err != nil {
				ms["error"] = s.Err.Error()
			}
			modules[s.Name] = ms
		}

		out := map[string]any{
			"run": map[string]any{
				"id":             m.runID,
				"service":        m.service,
				"state":          m.State().String(),
				"uptime_seconds": time.Since(m.startTime).Seconds(),
				"modules_total":  len(snaps),
				"modules_ready":  ready,
			},
			"modules": modules,
		}
		if m.pool != nil {
			out["pool"] = m.pool.Stats()
		}
		return out
	}
}
