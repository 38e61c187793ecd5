// Package metrics samples system load and work counters while a long
// command runs and logs them periodically
package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Counters are work counters shared between a command and its collector
type Counters struct {
	Ways       atomic.Int64
	Points     atomic.Int64
	Candidates atomic.Int64
	Matches    atomic.Int64
	Skipped    atomic.Int64
}

// Fields renders the counters as log fields
func (c *Counters) Fields() []zap.Field {
	return []zap.Field{
		zap.Int64("ways", c.Ways.Load()),
		zap.Int64("points", c.Points.Load()),
		zap.Int64("candidates", c.Candidates.Load()),
		zap.Int64("matches", c.Matches.Load()),
		zap.Int64("skipped", c.Skipped.Load()),
	}
}

// Sample is one snapshot of system load
type Sample struct {
	CPUPercent        float64 // system-wide, 0-100
	ProcessCPUPercent float64 // can exceed 100 on multi-core
	ProcessRSSMB      float64
	MemoryPercent     float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	Timestamp         time.Time
}

// Collector periodically samples the system and logs it with the counters
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process
	counters *Counters

	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time

	mu   sync.RWMutex
	last *Sample
}

// NewCollector creates a collector. Intervals under a second fall back to 30s.
// counters may be nil.
func NewCollector(interval time.Duration, logger *zap.Logger, counters *Counters) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	if counters == nil {
		counters = &Counters{}
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
		counters: counters,
	}
}

// Counters returns the counters logged with each sample
func (c *Collector) Counters() *Counters { return c.counters }

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// First sample sets the disk baseline
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent sample, nil before the first one
func (c *Collector) Last() *Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Summary logs the counters once, for the end of a command
func (c *Collector) Summary(msg string, elapsed time.Duration) {
	fields := append(c.counters.Fields(), zap.Duration("elapsed", elapsed))
	c.logger.Info(msg, fields...)
}

func (c *Collector) collect() {
	s := &Sample{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPUPercent = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			s.ProcessRSSMB = float64(info.RSS) / (1024 * 1024)
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vmem.UsedPercent
	}
	s.DiskReadMBps, s.DiskWriteMBps = c.diskRates(s.Timestamp)

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()

	fields := []zap.Field{
		zap.Float64("sys_cpu", s.CPUPercent),
		zap.Float64("proc_cpu", s.ProcessCPUPercent),
		zap.String("rss", fmt.Sprintf("%.1f MB", s.ProcessRSSMB)),
		zap.Float64("mem_pct", s.MemoryPercent),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", s.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", s.DiskWriteMBps)),
	}
	c.logger.Info("Progress", append(fields, c.counters.Fields()...)...)
}

// diskRates returns read and write throughput since the previous call
func (c *Collector) diskRates(now time.Time) (readMBps, writeMBps float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	defer func() {
		c.lastDisk = counters
		c.lastDiskTime = now
	}()

	if c.lastDisk == nil {
		return 0, 0
	}
	elapsed := now.Sub(c.lastDiskTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0
	}

	var read, written uint64
	for name, cur := range counters {
		last, ok := c.lastDisk[name]
		if !ok {
			continue
		}
		// Counters can wrap
		if cur.ReadBytes >= last.ReadBytes {
			read += cur.ReadBytes - last.ReadBytes
		}
		if cur.WriteBytes >= last.WriteBytes {
			written += cur.WriteBytes - last.WriteBytes
		}
	}
	return float64(read) / elapsed / (1024 * 1024), float64(written) / elapsed / (1024 * 1024)
}
