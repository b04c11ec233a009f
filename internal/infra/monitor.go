package infra

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// HostMonitorConfig holds sampling and alert settings.
type HostMonitorConfig struct {
	Interval           time.Duration // How often to sample gauges
	DiskPath           string        // Volume whose free space is reported
	CPUAlertPercent    float64       // Raise an alert above this CPU usage
	MemoryAlertPercent float64       // Raise an alert above this memory usage
	DiskAlertMB        float64       // Raise an alert below this free space
}

// DefaultHostMonitorConfig returns default monitor configuration.
func DefaultHostMonitorConfig() HostMonitorConfig {
	diskPath := "/"
	if runtime.GOOS == "windows" {
		diskPath = `C:\`
	}
	return HostMonitorConfig{
		Interval:           5 * time.Second,
		DiskPath:           diskPath,
		CPUAlertPercent:    90,
		MemoryAlertPercent: 90,
		DiskAlertMB:        1024,
	}
}

// HostSampler reads raw gauges from the operating system.
type HostSampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	DiskFreeMB(path string) (float64, error)
	Info() (domain.HostInfo, error)
}

// gopsutilSampler implements HostSampler with gopsutil.
type gopsutilSampler struct{}

func (gopsutilSampler) CPUPercent() (float64, error) {
	// Zero interval compares against the previous call and does not block.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no cpu samples")
	}
	return percents[0], nil
}

func (gopsutilSampler) MemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (gopsutilSampler) DiskFreeMB(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return float64(usage.Free) / (1024 * 1024), nil
}

func (gopsutilSampler) Info() (domain.HostInfo, error) {
	info, err := host.Info()
	if err != nil {
		return domain.HostInfo{}, err
	}
	return domain.HostInfo{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		UptimeSeconds:   info.Uptime,
	}, nil
}

// HostMonitor samples host gauges in the background and serves the latest values.
type HostMonitor struct {
	config  HostMonitorConfig
	sampler HostSampler
	alerts  domain.AlertSink
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	stats    domain.HostStats
	breached map[string]bool
}

// NewHostMonitor creates a monitor backed by gopsutil.
func NewHostMonitor(config HostMonitorConfig, alerts domain.AlertSink, logger *zap.Logger) *HostMonitor {
	return NewHostMonitorWithSampler(config, gopsutilSampler{}, alerts, logger)
}

// NewHostMonitorWithSampler creates a monitor with a custom sampler (for testing).
func NewHostMonitorWithSampler(config HostMonitorConfig, sampler HostSampler, alerts domain.AlertSink, logger *zap.Logger) *HostMonitor {
	return &HostMonitor{
		config:   config,
		sampler:  sampler,
		alerts:   alerts,
		logger:   logger,
		now:      time.Now,
		breached: make(map[string]bool),
	}
}

// Run samples immediately and then on every interval until ctx is canceled.
func (m *HostMonitor) Run(ctx context.Context) error {
	m.logger.Info("host monitor started", zap.Duration("interval", m.config.Interval))
	m.Sample()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("host monitor stopping")
			return nil
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample reads every gauge once. A failing gauge keeps its previous value.
func (m *HostMonitor) Sample() domain.HostStats {
	m.mu.RLock()
	stats := m.stats
	m.mu.RUnlock()

	if v, err := m.sampler.CPUPercent(); err != nil {
		m.logger.Debug("cpu sample failed", zap.Error(err))
	} else {
		stats.CPUPercent = v
	}
	if v, err := m.sampler.MemoryPercent(); err != nil {
		m.logger.Debug("memory sample failed", zap.Error(err))
	} else {
		stats.MemoryPercent = v
	}
	if v, err := m.sampler.DiskFreeMB(m.config.DiskPath); err != nil {
		m.logger.Debug("disk sample failed", zap.String("path", m.config.DiskPath), zap.Error(err))
	} else {
		stats.DiskFreeMB = v
	}
	stats.SampledAt = m.now()

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	m.checkThreshold("cpu", m.config.CPUAlertPercent > 0 && stats.CPUPercent > m.config.CPUAlertPercent,
		fmt.Sprintf("CPU usage at %.0f%%", stats.CPUPercent))
	m.checkThreshold("memory", m.config.MemoryAlertPercent > 0 && stats.MemoryPercent > m.config.MemoryAlertPercent,
		fmt.Sprintf("Memory usage at %.0f%%", stats.MemoryPercent))
	m.checkThreshold("disk", m.config.DiskAlertMB > 0 && stats.DiskFreeMB > 0 && stats.DiskFreeMB < m.config.DiskAlertMB,
		fmt.Sprintf("Low disk space: %.0f MB free", stats.DiskFreeMB))

	return stats
}

// checkThreshold raises an alert when a gauge enters breach, once per breach.
func (m *HostMonitor) checkThreshold(gauge string, breached bool, message string) {
	m.mu.Lock()
	was := m.breached[gauge]
	m.breached[gauge] = breached
	m.mu.Unlock()

	switch {
	case breached && !was:
		m.logger.Warn("host threshold breached", zap.String("gauge", gauge), zap.String("detail", message))
		if m.alerts != nil {
			m.alerts.Raise(domain.Alert{
				Level:     domain.AlertWarning,
				Source:    "host",
				Message:   message,
				Timestamp: m.now(),
			})
		}
	case !breached && was:
		m.logger.Info("host threshold recovered", zap.String("gauge", gauge))
	}
}

// Stats returns the latest sampled gauges.
func (m *HostMonitor) Stats() domain.HostStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Info returns static host information.
func (m *HostMonitor) Info() (domain.HostInfo, error) {
	return m.sampler.Info()
}

// Ensure HostMonitor implements domain.HostMonitor.
var _ domain.HostMonitor = (*HostMonitor)(nil)
