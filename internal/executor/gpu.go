package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/models"
)

// gpuSampleInterval bounds how often nvidia-smi is polled during a run
const gpuSampleInterval = 5 * time.Second

// gpuSampler polls nvidia-smi while a training run is active and caches the
// latest snapshot for the progress emitter. A missing GPU or tool is not an
// error: the sampler goes silent after the first failed poll.
type gpuSampler struct {
	logger arbor.ILogger

	mu     sync.Mutex
	latest *models.GPUMetrics
	stop   context.CancelFunc
}

func newGPUSampler(logger arbor.ILogger) *gpuSampler {
	return &gpuSampler{logger: logger}
}

// Start begins sampling until ctx ends or Stop is called
func (g *gpuSampler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.stop = cancel
	go g.loop(ctx)
}

// Stop ends sampling
func (g *gpuSampler) Stop() {
	if g.stop != nil {
		g.stop()
	}
}

// Latest returns the most recent snapshot, nil when none was taken
func (g *gpuSampler) Latest() *models.GPUMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest
}

func (g *gpuSampler) loop(ctx context.Context) {
	ticker := time.NewTicker(gpuSampleInterval)
	defer ticker.Stop()
	for {
		metrics, err := sampleGPU(ctx)
		if err != nil {
			g.logger.Debug().Err(err).Msg("GPU metrics unavailable, sampler stopped")
			return
		}
		g.mu.Lock()
		g.latest = metrics
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleGPU(ctx context.Context) (*models.GPUMetrics, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.total,utilization.gpu,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, err
	}
	return parseGPUCSV(string(out))
}

// parseGPUCSV parses the first line of nvidia-smi CSV output, e.g.
// "1234, 24576, 87, 65, 250.50". Fields some boards report as "[N/A]"
// parse to zero.
func parseGPUCSV(out string) (*models.GPUMetrics, error) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return nil, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}

	fields := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			v = 0
		}
		fields[i] = v
	}

	metrics := &models.GPUMetrics{
		MemoryUsedMB:   fields[0],
		MemoryTotalMB:  fields[1],
		UtilizationPct: fields[2],
	}
	if len(fields) > 3 {
		metrics.TemperatureC = fields[3]
	}
	if len(fields) > 4 {
		metrics.PowerWatts = fields[4]
	}
	return metrics, nil
}
