package httpapi

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// systemResponse /api/v1/system 应答
type systemResponse struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemTotalBytes   uint64  `json:"mem_total_bytes"`
	MemUsedBytes    uint64  `json:"mem_used_bytes"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	ServiceUptimeS  float64 `json:"service_uptime_seconds"`
	ServerTimestamp int64   `json:"server_timestamp"`
}

// System 主机资源诊断
func (h *Handler) System(w http.ResponseWriter, r *http.Request) {
	resp := systemResponse{
		ServiceUptimeS:  time.Since(h.started).Seconds(),
		ServerTimestamp: time.Now().Unix(),
	}

	if info, err := host.Info(); err == nil {
		resp.Hostname = info.Hostname
		resp.OS = info.OS
		resp.Platform = info.Platform
		resp.UptimeSeconds = info.Uptime
	} else {
		h.logger.Warn("failed to read host info", zap.Error(err))
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	} else if err != nil {
		h.logger.Warn("failed to read cpu usage", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemTotalBytes = vm.Total
		resp.MemUsedBytes = vm.Used
		resp.MemUsedPercent = vm.UsedPercent
	} else {
		h.logger.Warn("failed to read memory usage", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, Ok(resp))
}
