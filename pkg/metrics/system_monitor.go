package metrics

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMonitor 周期性采集主机与进程指标写入 Prometheus
type SystemMonitor struct {
	interval time.Duration
	paths    []string

	mu        sync.Mutex
	stopChan  chan struct{}
	isRunning bool
	proc      *process.Process
}

// NewSystemMonitor 创建系统监控器；paths 为需要观察磁盘占用的数据目录
func NewSystemMonitor(interval time.Duration, paths ...string) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &SystemMonitor{interval: interval, paths: paths, proc: proc}
}

// Start 启动监控
func (sm *SystemMonitor) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.isRunning {
		return
	}
	sm.isRunning = true
	sm.stopChan = make(chan struct{})
	go sm.monitorLoop(sm.stopChan)
}

// Stop 停止监控
func (sm *SystemMonitor) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.isRunning {
		return
	}
	sm.isRunning = false
	close(sm.stopChan)
}

func (sm *SystemMonitor) monitorLoop(stop chan struct{}) {
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.Collect()
	for {
		select {
		case <-ticker.C:
			sm.Collect()
		case <-stop:
			return
		}
	}
}

// Collect 采集一次
func (sm *SystemMonitor) Collect() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		systemCPUUsage.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		systemMemoryUsage.WithLabelValues("used").Set(float64(vm.Used))
		systemMemoryUsage.WithLabelValues("available").Set(float64(vm.Available))
	}
	if sm.proc != nil {
		if mi, err := sm.proc.MemoryInfo(); err == nil {
			processRSS.Set(float64(mi.RSS))
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	systemMemoryUsage.WithLabelValues("go_heap").Set(float64(ms.HeapAlloc))

	for _, p := range sm.paths {
		if u, err := disk.Usage(p); err == nil {
			diskUsage.WithLabelValues(p).Set(u.UsedPercent)
		}
	}
}

func (sm *SystemMonitor) IsRunning() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.isRunning
}
