package metrics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

func stubHostProbes(t *testing.T) (*uint64, *time.Time) {
	t.Helper()
	origCPU, origMem, origDisk, origNet, origNow := cpuPercentFn, memoryStatsFn, diskUsageFn, netIOFn, hostNow
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn, netIOFn, hostNow = origCPU, origMem, origDisk, origNet, origNow
	})

	var bytes uint64
	now := time.Unix(1000, 0)
	cpuPercentFn = func(ctx context.Context) ([]float64, error) { return []float64{12.5}, nil }
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 4096, UsedPercent: 25}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{UsedPercent: 40, Free: 10}, nil
	}
	netIOFn = func(ctx context.Context) ([]net.IOCountersStat, error) {
		return []net.IOCountersStat{{BytesSent: bytes, BytesRecv: bytes * 2}}, nil
	}
	hostNow = func() time.Time { return now }
	return &bytes, &now
}

func TestHostSamplerDerivesNetworkMbps(t *testing.T) {
	bytes, now := stubHostProbes(t)
	h := NewHostSampler("")

	first, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if first.NetworkMbps != 0 {
		t.Fatalf("first sample has no baseline, got %v", first.NetworkMbps)
	}
	if first.CPUPercent != 12.5 || first.MemoryPercent != 25 || first.DiskPercent != 40 {
		t.Fatalf("unexpected snapshot: %+v", first)
	}

	// 1.25 MB sent and 2.5 MB received over 2s
	*bytes = 1_250_000
	*now = now.Add(2 * time.Second)
	second, err := h.Sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if math.Abs(second.NetSentMbps-5) > 1e-9 || math.Abs(second.NetRecvMbps-10) > 1e-9 {
		t.Fatalf("unexpected throughput: sent=%v recv=%v", second.NetSentMbps, second.NetRecvMbps)
	}
	if math.Abs(second.NetworkMbps-15) > 1e-9 {
		t.Fatalf("unexpected total: %v", second.NetworkMbps)
	}

	// counter reset
	*bytes = 0
	*now = now.Add(time.Second)
	third, _ := h.Sample(context.Background())
	if third.NetworkMbps != 0 {
		t.Fatalf("counter reset should read as zero, got %v", third.NetworkMbps)
	}
}

func TestHostSamplerPartialFailure(t *testing.T) {
	stubHostProbes(t)
	boom := errors.New("no disk")
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) { return nil, boom }

	snap, err := NewHostSampler("/data").Sample(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected disk error, got %v", err)
	}
	if snap.MemoryPercent != 25 || snap.DiskPercent != 0 {
		t.Fatalf("unexpected partial snapshot: %+v", snap)
	}
}
