package server

import (
	"net/http"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// handleSystem reports host and process resource usage for the dashboard's
// system panel.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}

	if percents, err := cpu.PercentWithContext(r.Context(), 0, false); err == nil && len(percents) > 0 {
		resp["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp["memory"] = map[string]any{
			"total_bytes": vm.Total,
			"used_bytes":  vm.Used,
			"used_pct":    vm.UsedPercent,
		}
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(r.Context()); err == nil {
			resp["process_rss_bytes"] = mi.RSS
		}
		if pc, err := proc.CPUPercentWithContext(r.Context()); err == nil {
			resp["process_cpu_percent"] = pc
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
