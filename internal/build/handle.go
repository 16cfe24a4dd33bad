package build

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cochaviz/peforge/internal/logging"
)

// eventQueue is a bounded channel that drops its oldest event when full, so
// the publisher never blocks on a slow subscriber.
type eventQueue struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped int
}

func newEventQueue(capacity int) *eventQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &eventQueue{ch: make(chan Event, capacity)}
}

func (q *eventQueue) publish(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.ch <- e:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped++
		default:
		}
	}
}

func (q *eventQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return q.dropped
}

// Handle controls one running build.
type Handle struct {
	ID string

	events *eventQueue
	stop   atomic.Bool
	done   chan struct{}

	mu     sync.Mutex
	report Report
	err    error
}

func newHandle(id, workspace string, buffer int) *Handle {
	return &Handle{
		ID:     id,
		events: newEventQueue(buffer),
		done:   make(chan struct{}),
		report: Report{ID: id, Workspace: workspace, Status: StatusPending},
	}
}

// Subscribe returns the build's event channel. It is closed when the build
// finishes. There is a single channel; concurrent readers share its events.
func (h *Handle) Subscribe() <-chan Event {
	return h.events.ch
}

// Stop requests cooperative cancellation. The worker checks the flag between
// phases and before committing an unmount; running tool calls finish first.
func (h *Handle) Stop() {
	h.stop.Store(true)
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	return h.stop.Load()
}

// Done is closed when the build finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the build finishes and returns its report and error.
func (h *Handle) Wait() (Report, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report, h.err
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report.Status
}

// Snapshot returns a copy of the report so far.
func (h *Handle) Snapshot() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.report
}

func (h *Handle) update(fn func(*Report)) {
	h.mu.Lock()
	fn(&h.report)
	h.mu.Unlock()
}

func (h *Handle) progress(phase Phase, percent int, message string) {
	h.events.publish(Event{Kind: ProgressEvent, Time: time.Now(), Phase: phase, Percent: percent, Message: message})
}

func (h *Handle) publishLog(entry logging.Entry) {
	phase := Phase(entry.Attrs[logging.PhaseKey])
	h.events.publish(Event{Kind: LogEvent, Time: entry.Time, Phase: phase, Message: entry.Message, Log: &entry})
}

func (h *Handle) finish(status Status, err error) {
	dropped := h.events.close()
	h.mu.Lock()
	h.report.Status = status
	h.report.FinishedAt = time.Now()
	h.report.DroppedEvents = dropped
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
