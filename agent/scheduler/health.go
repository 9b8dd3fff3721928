package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"tangled.sh/tangled.sh/agent/rpc"
)

// above this usage, in percent, the host reports itself degraded
const degradedThreshold = 90

// Sample is a raw reading of the host.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsed    uint64
	MemoryTotal   uint64
}

type Sampler func(ctx context.Context) (Sample, error)

// HealthService samples the host this agent runs on.
type HealthService struct {
	sample Sampler
	l      *slog.Logger
}

func NewHealthService(l *slog.Logger) *HealthService {
	return NewHealthServiceWithSampler(hostSample, l)
}

func NewHealthServiceWithSampler(sample Sampler, l *slog.Logger) *HealthService {
	return &HealthService{sample: sample, l: l.With("component", "health")}
}

func hostSample(ctx context.Context) (Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}

	var s Sample
	if len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	s.MemoryPercent = vm.UsedPercent
	s.MemoryUsed = vm.Used
	s.MemoryTotal = vm.Total
	return s, nil
}

// Current takes one sample. A failed sample is reported with an unknown
// status rather than as an error.
func (h *HealthService) Current(ctx context.Context) rpc.Health {
	s, err := h.sample(ctx)
	if err != nil {
		h.l.Warn("failed to sample host", "error", err)
		return rpc.Health{Status: rpc.HealthUnknown}
	}

	health := rpc.Health{
		Status:      rpc.HealthHealthy,
		CPUUsage:    float32(s.CPUPercent),
		MemoryUsage: float32(s.MemoryPercent),
	}
	if s.CPUPercent >= degradedThreshold || s.MemoryPercent >= degradedThreshold {
		health.Status = rpc.HealthDegraded
	}

	h.l.Debug("sampled host",
		"status", health.Status,
		"cpu", humanize.FtoaWithDigits(s.CPUPercent, 1)+"%",
		"memory", humanize.IBytes(s.MemoryUsed)+" / "+humanize.IBytes(s.MemoryTotal),
	)
	return health
}

// Stream samples the host every interval until ctx is done, then closes
// the channel.
func (h *HealthService) Stream(ctx context.Context, interval time.Duration) <-chan rpc.Health {
	ch := make(chan rpc.Health)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case ch <- h.Current(ctx):
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
