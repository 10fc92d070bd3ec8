package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// HostSnapshot is one sample of host resource utilisation.
type HostSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFree      uint64  `json:"disk_free"`
	NetworkMbps   float64 `json:"network_mbps"`
	NetSentMbps   float64 `json:"net_sent_mbps"`
	NetRecvMbps   float64 `json:"net_recv_mbps"`
}

var (
	// a zero interval compares against the previous call instead of sleeping
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
	netIOFn       = func(ctx context.Context) ([]net.IOCountersStat, error) {
		return net.IOCountersWithContext(ctx, false)
	}
	hostNow = time.Now
)

// HostSampler samples CPU, memory, disk and network throughput. Network Mbps
// is derived from the counter delta since the previous Sample.
type HostSampler struct {
	diskPath string

	mu       sync.Mutex
	lastAt   time.Time
	lastSent uint64
	lastRecv uint64
}

func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{diskPath: diskPath}
}

// Sample collects one HostSnapshot. Probes that fail leave their fields zero;
// the first failure is returned alongside the partial snapshot.
func (h *HostSampler) Sample(ctx context.Context) (HostSnapshot, error) {
	var snap HostSnapshot
	var firstErr error
	keep := func(probe string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", probe, err)
		}
	}

	cpuSamples, err := cpuPercentFn(ctx)
	keep("cpu", err)
	if len(cpuSamples) > 0 {
		snap.CPUPercent = cpuSamples[0]
	}

	if vm, err := memoryStatsFn(ctx); err != nil {
		keep("memory", err)
	} else {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsed = vm.Used
		snap.MemoryTotal = vm.Total
	}

	if du, err := diskUsageFn(ctx, h.diskPath); err != nil {
		keep("disk", err)
	} else {
		snap.DiskPercent = du.UsedPercent
		snap.DiskFree = du.Free
	}

	counters, err := netIOFn(ctx)
	keep("network", err)
	if len(counters) > 0 {
		snap.NetSentMbps, snap.NetRecvMbps = h.throughput(counters[0].BytesSent, counters[0].BytesRecv)
		snap.NetworkMbps = snap.NetSentMbps + snap.NetRecvMbps
	}

	return snap, firstErr
}

func (h *HostSampler) throughput(sent, recv uint64) (float64, float64) {
	now := hostNow()
	h.mu.Lock()
	defer h.mu.Unlock()

	var sentMbps, recvMbps float64
	// counters reset on interface restart; skip that window
	if !h.lastAt.IsZero() && sent >= h.lastSent && recv >= h.lastRecv {
		if secs := now.Sub(h.lastAt).Seconds(); secs > 0 {
			sentMbps = float64(sent-h.lastSent) * 8 / 1e6 / secs
			recvMbps = float64(recv-h.lastRecv) * 8 / 1e6 / secs
		}
	}
	h.lastAt = now
	h.lastSent = sent
	h.lastRecv = recv
	return sentMbps, recvMbps
}
