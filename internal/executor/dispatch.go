package executor

import (
	"math"
	"sync"
	"time"

	"github.com/ternarybob/effigo/internal/models"
)

// throttleInterval is the minimum gap between persisted progress emits.
// Terminal events and sample artifacts bypass it.
const throttleInterval = 500 * time.Millisecond

// emitGate enforces the progress throttle: an update goes out only when the
// step advanced and the interval elapsed since the last emit. It also derives
// iteration speed from the gap between emits.
type emitGate struct {
	lastStep int
	lastTime time.Time
}

func newEmitGate(start time.Time) *emitGate {
	return &emitGate{lastTime: start}
}

// Next reports whether an update at step may be emitted at now. When allowed
// the gate advances and returns the iteration speed (steps/second, two
// decimals) over the emitted window.
func (g *emitGate) Next(step int, now time.Time) (float64, bool) {
	if step <= g.lastStep {
		return 0, false
	}
	if now.Sub(g.lastTime) < throttleInterval {
		return 0, false
	}
	var speed float64
	if dt := now.Sub(g.lastTime).Seconds(); dt > 0 {
		speed = math.Round(float64(step-g.lastStep)/dt*100) / 100
	}
	g.lastStep = step
	g.lastTime = now
	return speed, true
}

// dispatch decouples a plugin's synchronous progress callback from store
// writes and bus publishes: Offer never blocks, a single goroutine applies
// updates in order. Intermediate updates collapse last-value-wins; updates
// carrying a new sample path are queued individually so none is lost.
type dispatch struct {
	mu         sync.Mutex
	pending    *models.TrainingProgress
	samples    []models.TrainingProgress
	lastSample string
	stopped    bool

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// applyFunc receives updates in order; sample is true for updates that carry
// a newly seen preview path.
type applyFunc func(update models.TrainingProgress, sample bool)

func newDispatch(apply applyFunc) *dispatch {
	d := &dispatch{
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run(apply)
	return d
}

// Offer is the plugin-facing callback
func (d *dispatch) Offer(update models.TrainingProgress) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if update.PreviewPath != "" && update.PreviewPath != d.lastSample {
		d.lastSample = update.PreviewPath
		d.samples = append(d.samples, update)
	} else {
		update.PreviewPath = ""
		d.pending = &update
	}
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// OfferGeneration adapts generation progress onto the same pipeline
func (d *dispatch) OfferGeneration(update models.GenerationProgress) {
	d.Offer(models.TrainingProgress{
		CurrentStep: update.CurrentStep,
		TotalSteps:  update.TotalSteps,
		Message:     update.Message,
		PreviewPath: update.PreviewPath,
	})
}

// Stop ends dispatch after every offered update has been applied
func (d *dispatch) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.quit)
	<-d.done
}

func (d *dispatch) run(apply applyFunc) {
	defer close(d.done)
	for {
		select {
		case <-d.notify:
			d.drain(apply)
		case <-d.quit:
			d.drain(apply)
			return
		}
	}
}

func (d *dispatch) drain(apply applyFunc) {
	for {
		d.mu.Lock()
		samples := d.samples
		pending := d.pending
		d.samples = nil
		d.pending = nil
		d.mu.Unlock()

		if len(samples) == 0 && pending == nil {
			return
		}
		for _, s := range samples {
			apply(s, true)
		}
		if pending != nil {
			apply(*pending, false)
		}
	}
}
