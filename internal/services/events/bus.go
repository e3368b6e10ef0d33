package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/interfaces"
	"github.com/ternarybob/effigo/internal/models"
)

const (
	// historyLimit bounds the per-job event history kept for late joiners
	historyLimit = 100

	// keepaliveInterval is how long a subscribed job may stay silent before
	// the bus emits a keepalive so SSE connections survive proxies
	keepaliveInterval = 30 * time.Second
)

// mailbox is one subscriber's delivery buffer. It holds at most two pending
// events: the latest non-terminal event (newer publishes overwrite an
// undelivered older one) and the terminal event, which is never dropped.
// Publishers only ever touch the slots, so a slow consumer cannot block them.
type mailbox struct {
	mu       sync.Mutex
	latest   *models.ProgressEvent
	terminal *models.ProgressEvent

	notify chan struct{}
	out    chan models.ProgressEvent
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan models.ProgressEvent, 1),
		done:   make(chan struct{}),
	}
}

// offer stores the event in the appropriate slot and wakes the pump
func (m *mailbox) offer(event models.ProgressEvent) {
	m.mu.Lock()
	if event.IsTerminal() {
		m.terminal = &event
	} else {
		m.latest = &event
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// take pops the next pending event, draining the non-terminal slot before
// the terminal one so the final event arrives last
func (m *mailbox) take() *models.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest != nil {
		event := m.latest
		m.latest = nil
		return event
	}
	if m.terminal != nil {
		event := m.terminal
		m.terminal = nil
		return event
	}
	return nil
}

// cancel is safe to call more than once
func (m *mailbox) cancel() {
	m.once.Do(func() { close(m.done) })
}

// pump forwards slot contents to the subscriber channel. The send blocks
// while the consumer lags, but the slots keep absorbing newer events in the
// meantime. The channel closes after a terminal event or cancellation.
func (m *mailbox) pump() {
	defer close(m.out)
	defer m.cancel()
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		for {
			event := m.take()
			if event == nil {
				break
			}
			select {
			case m.out <- *event:
				if event.IsTerminal() {
					return
				}
			case <-m.done:
				return
			}
		}
	}
}

// firehoseBuffer bounds the pending FIFO of a SubscribeAll consumer
const firehoseBuffer = 256

// firehoseBox buffers events for a SubscribeAll consumer. Unlike the per-job
// mailbox it keeps FIFO order across jobs, because collapsing to a single
// last-value slot could swallow one job's terminal event behind another's.
// On overflow the oldest non-terminal event is dropped first.
type firehoseBox struct {
	mu      sync.Mutex
	pending []models.ProgressEvent

	notify chan struct{}
	out    chan models.ProgressEvent
	done   chan struct{}
	once   sync.Once
}

func newFirehoseBox() *firehoseBox {
	return &firehoseBox{
		notify: make(chan struct{}, 1),
		out:    make(chan models.ProgressEvent, 1),
		done:   make(chan struct{}),
	}
}

func (f *firehoseBox) offer(event models.ProgressEvent) {
	f.mu.Lock()
	if len(f.pending) >= firehoseBuffer {
		dropped := false
		for i := range f.pending {
			if !f.pending[i].IsTerminal() {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			f.pending = f.pending[1:]
		}
	}
	f.pending = append(f.pending, event)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *firehoseBox) take() *models.ProgressEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	event := f.pending[0]
	f.pending = f.pending[1:]
	return &event
}

func (f *firehoseBox) cancel() {
	f.once.Do(func() { close(f.done) })
}

// pump forwards buffered events in order. Terminal events of individual jobs
// do not end the subscription, they just flow through.
func (f *firehoseBox) pump() {
	defer close(f.out)
	defer f.cancel()
	for {
		select {
		case <-f.done:
			return
		case <-f.notify:
		}
		for {
			event := f.take()
			if event == nil {
				break
			}
			select {
			case f.out <- *event:
			case <-f.done:
				return
			}
		}
	}
}

// Bus is the in-memory ProgressBus used when the api and worker share one
// process. History and fan-out are independent: a failed subscriber never
// holds back history, and history writes never wait on delivery.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*mailbox]struct{}
	firehose    map[*firehoseBox]struct{}
	history     map[string][]models.ProgressEvent
	lastEvent   map[string]time.Time
	closed      bool

	// keepalive is how long a subscribed job may stay silent before a
	// keepalive is emitted
	keepalive time.Duration

	shutdown chan struct{}
	wg       sync.WaitGroup
	logger   arbor.ILogger
}

// NewBus creates the in-memory progress bus and starts its keepalive ticker
func NewBus(logger arbor.ILogger) interfaces.ProgressBus {
	bus := &Bus{
		subscribers: make(map[string]map[*mailbox]struct{}),
		firehose:    make(map[*firehoseBox]struct{}),
		history:     make(map[string][]models.ProgressEvent),
		lastEvent:   make(map[string]time.Time),
		keepalive:   keepaliveInterval,
		shutdown:    make(chan struct{}),
		logger:      logger,
	}

	bus.wg.Add(1)
	go bus.keepaliveLoop()

	return bus
}

// Publish appends the event to the job's history ring and offers it to every
// subscriber of the job plus the firehose. Callers persist the matching store
// update before publishing so subscribers never observe state ahead of the DB.
func (b *Bus) Publish(ctx context.Context, event models.ProgressEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("progress event missing job id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("progress bus is closed")
	}

	ring := append(b.history[event.JobID], event)
	if len(ring) > historyLimit {
		ring = ring[len(ring)-historyLimit:]
	}
	b.history[event.JobID] = ring
	b.lastEvent[event.JobID] = time.Now()

	targets := make([]*mailbox, 0, len(b.subscribers[event.JobID]))
	for mb := range b.subscribers[event.JobID] {
		targets = append(targets, mb)
	}
	feeds := make([]*firehoseBox, 0, len(b.firehose))
	for fb := range b.firehose {
		feeds = append(feeds, fb)
	}
	if event.IsTerminal() {
		// Subscribers are about to close themselves; the job needs no
		// further keepalives.
		delete(b.lastEvent, event.JobID)
	}
	b.mu.Unlock()

	for _, mb := range targets {
		mb.offer(event)
	}
	for _, fb := range feeds {
		fb.offer(event)
	}
	return nil
}

// Subscribe registers for one job's events. The channel closes after a
// terminal event, cancellation, or bus shutdown; cancel is idempotent.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan models.ProgressEvent, func(), error) {
	if jobID == "" {
		return nil, nil, fmt.Errorf("job id is required")
	}

	mb := newMailbox()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("progress bus is closed")
	}
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = make(map[*mailbox]struct{})
	}
	b.subscribers[jobID][mb] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		mb.pump()
		b.mu.Lock()
		if subs := b.subscribers[jobID]; subs != nil {
			delete(subs, mb)
			if len(subs) == 0 {
				delete(b.subscribers, jobID)
			}
		}
		b.mu.Unlock()
	}()

	cancel := func() { mb.cancel() }

	// Cancel with the caller's context too, so an abandoned SSE request
	// tears the subscription down without an explicit cancel call.
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				mb.cancel()
			case <-mb.done:
			}
		}()
	}

	return mb.out, cancel, nil
}

// SubscribeAll registers for every job's events (the dashboard feed).
// Keepalives are per-job signals and are not forwarded here.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan models.ProgressEvent, func(), error) {
	fb := newFirehoseBox()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("progress bus is closed")
	}
	b.firehose[fb] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fb.pump()
		b.mu.Lock()
		delete(b.firehose, fb)
		b.mu.Unlock()
	}()

	cancel := func() { fb.cancel() }

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				fb.cancel()
			case <-fb.done:
			}
		}()
	}

	return fb.out, cancel, nil
}

// History returns the retained events for a job, oldest first
func (b *Bus) History(ctx context.Context, jobID string) ([]models.ProgressEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ring := b.history[jobID]
	out := make([]models.ProgressEvent, len(ring))
	copy(out, ring)
	return out, nil
}

// keepaliveLoop emits a keepalive to subscribers of jobs that have been
// silent for the keepalive interval. Keepalives are not recorded in history.
func (b *Bus) keepaliveLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.keepalive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdown:
			return
		case <-ticker.C:
		}

		now := time.Now()
		b.mu.RLock()
		idle := make(map[string][]*mailbox)
		for jobID, subs := range b.subscribers {
			if len(subs) == 0 {
				continue
			}
			if last, ok := b.lastEvent[jobID]; ok && now.Sub(last) < b.keepalive {
				continue
			}
			targets := make([]*mailbox, 0, len(subs))
			for mb := range subs {
				targets = append(targets, mb)
			}
			idle[jobID] = targets
		}
		b.mu.RUnlock()

		for jobID, targets := range idle {
			event := models.NewKeepaliveEvent(jobID)
			for _, mb := range targets {
				mb.offer(event)
			}
			b.mu.Lock()
			b.lastEvent[jobID] = now
			b.mu.Unlock()
		}
	}
}

// Close terminates all subscriptions and stops the keepalive ticker
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.shutdown)

	boxes := make([]*mailbox, 0)
	for _, subs := range b.subscribers {
		for mb := range subs {
			boxes = append(boxes, mb)
		}
	}
	feeds := make([]*firehoseBox, 0, len(b.firehose))
	for fb := range b.firehose {
		feeds = append(feeds, fb)
	}
	b.mu.Unlock()

	for _, mb := range boxes {
		mb.cancel()
	}
	for _, fb := range feeds {
		fb.cancel()
	}
	b.wg.Wait()

	b.logger.Info().Msg("Progress bus closed")
	return nil
}
