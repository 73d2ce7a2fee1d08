package service

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// loadAttrLoop periodically refreshes cpu_percent/mem_percent on the join
// manager's attribute set, grounded on monitor.go's ServiceMonitorTask
// sampling loop (cpu.Percent / mem.VirtualMemory) but feeding the result
// into a join instead of pushing it to an external monitor.
func (s *Service) loadAttrLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opt.LoadAttrInterval)
	defer ticker.Stop()

	s.refreshLoadAttrs()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refreshLoadAttrs()
		}
	}
}

func (s *Service) refreshLoadAttrs() {
	attrs := map[string]any{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		attrs["cpu_percent"] = percents[0]
	} else if err != nil {
		s.log.Warn("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		attrs["mem_percent"] = vm.UsedPercent
	} else {
		s.log.Warn("mem sample failed", zap.Error(err))
	}

	if len(attrs) > 0 {
		s.mgr.SetAttributes(attrs)
	}
}
