// Package tracker correlates the browser's asynchronous download events
// against the number of downloads a contract batch expects.
//
// The browser reports downloads out of order relative to the clicks that
// caused them, and several can be in flight at once. A Tracker counts
// completions, fails fast on a cancellation, and bounds the wait with a
// timeout for when the event stream stalls.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bidfetch/internal/components/assert"
	"bidfetch/internal/components/telemetry"
)

var (
	ErrCanceled = errors.New("download canceled")
	ErrTimedOut = errors.New("download timed out")
)

const (
	// MinTimeout is the shortest wait a batch is given.
	MinTimeout = 10 * time.Second
	// DefaultClickDelay is used when no positive click delay is configured.
	DefaultClickDelay = time.Second
)

// EffectiveTimeout returns the configured wait floored at MinTimeout.
func EffectiveTimeout(configured time.Duration) time.Duration {
	if configured < MinTimeout {
		return MinTimeout
	}
	return configured
}

// EffectiveClickDelay returns the configured delay, or DefaultClickDelay when it is not positive.
func EffectiveClickDelay(configured time.Duration) time.Duration {
	if configured <= 0 {
		return DefaultClickDelay
	}
	return configured
}

type State int

const (
	Idle State = iota
	Awaiting
	Satisfied
	Canceled
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Awaiting:
		return "awaiting"
	case Satisfied:
		return "satisfied"
	case Canceled:
		return "canceled"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == Satisfied || s == Canceled || s == TimedOut
}

// DownloadState is the state the browser reports for one download.
type DownloadState string

const (
	DownloadInProgress DownloadState = "in_progress"
	DownloadCompleted  DownloadState = "completed"
	DownloadCanceled   DownloadState = "canceled"
)

const (
	report_tracker_on_progress = "tracker.on-progress"
	report_tracker_await       = "tracker.await"
)

type download struct {
	suggestedName string
	state         DownloadState
}

// Tracker is scoped to one contract's batch of downloads. It is safe for
// concurrent use: events arrive on the browser's goroutine while the
// batch's goroutine waits in Await.
type Tracker struct {
	tel         telemetry.API
	quietPeriod time.Duration

	mu        sync.Mutex
	state     State
	expected  int
	completed int
	downloads map[string]*download
	names     []string
	err       error
	done      chan struct{}
	quiet     *time.Timer
}

type Option func(t *Tracker)

// WithQuietPeriod lets the tracker infer completion when no event arrives
// for d while nothing is in flight and at least one download completed.
func WithQuietPeriod(d time.Duration) Option {
	return func(t *Tracker) {
		t.quietPeriod = d
	}
}

func New(tel telemetry.API, opts ...Option) *Tracker {
	assert.NotNil(tel)

	t := &Tracker{
		tel: telemetry.NewScopedAPI("download_tracker", tel),
	}
	for _, o := range opts {
		o(t)
	}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	if t.quiet != nil {
		t.quiet.Stop()
		t.quiet = nil
	}
	t.state = Idle
	t.expected = 0
	t.completed = 0
	t.downloads = map[string]*download{}
	t.names = nil
	t.err = nil
	t.done = make(chan struct{})
}

// Reset drops every count and in-flight download and returns the tracker to Idle.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Begin starts waiting for expected completions. With nothing to wait for the
// tracker is Satisfied immediately.
func (t *Tracker) Begin(expected int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Idle {
		t.reset()
	}
	t.state = Awaiting
	t.expected = expected
	// completions can be reported before the batch begins
	if expected <= 0 || t.completed >= expected {
		t.finish(Satisfied, nil)
	}
}

// finish moves to a terminal state, it must be called with mu held.
func (t *Tracker) finish(state State, err error) {
	if t.state.Terminal() {
		return
	}
	t.state = state
	t.err = err
	if t.quiet != nil {
		t.quiet.Stop()
		t.quiet = nil
	}
	close(t.done)
}

func (t *Tracker) lookup(id string) *download {
	d, ok := t.downloads[id]
	if !ok {
		d = &download{state: DownloadInProgress}
		t.downloads[id] = d
	}
	return d
}

// OnBegin registers an in-flight download.
func (t *Tracker) OnBegin(id, suggestedName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.lookup(id)
	if d.suggestedName == "" {
		d.suggestedName = suggestedName
	}
	t.tel.ReportInfo("download beginning", suggestedName)
	t.touch()
}

// OnProgress applies a progress notification for download id.
func (t *Tracker) OnProgress(id string, state DownloadState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return
	}

	d := t.lookup(id)
	if d.state != DownloadInProgress {
		// a download reaches a final state once, repeats are ignored
		return
	}

	switch state {
	case DownloadInProgress:
		t.touch()
	case DownloadCompleted:
		d.state = DownloadCompleted
		t.completed++
		if d.suggestedName != "" {
			t.names = append(t.names, d.suggestedName)
		}
		t.tel.ReportInfo("download completed", d.suggestedName)
		if t.state == Awaiting && t.completed >= t.expected {
			t.finish(Satisfied, nil)
			return
		}
		t.touch()
	case DownloadCanceled:
		d.state = DownloadCanceled
		t.tel.ReportWarning(report_tracker_on_progress, ErrCanceled, d.suggestedName)
		t.finish(Canceled, fmt.Errorf("%w: %s", ErrCanceled, d.describe(id)))
	default:
		t.tel.ReportWarning(report_tracker_on_progress, "unknown download state", state)
	}
}

func (d *download) describe(id string) string {
	if d.suggestedName != "" {
		return d.suggestedName
	}
	return id
}

// touch rearms the quiet-period timer, it must be called with mu held.
func (t *Tracker) touch() {
	if t.quietPeriod <= 0 || t.state != Awaiting {
		return
	}
	if t.quiet != nil {
		t.quiet.Stop()
	}
	done := t.done
	t.quiet = time.AfterFunc(t.quietPeriod, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		// the timer belongs to an earlier batch
		if t.done != done {
			return
		}
		if t.state == Awaiting && t.completed > 0 && t.inFlight() == 0 {
			t.finish(Satisfied, nil)
		}
	})
}

func (t *Tracker) inFlight() int {
	n := 0
	for _, d := range t.downloads {
		if d.state == DownloadInProgress {
			n++
		}
	}
	return n
}

// Await blocks until the batch is Satisfied or Canceled, timeout elapses, or
// ctx is done. A timeout moves the tracker to TimedOut and returns
// ErrTimedOut. Await returns the same result when called again.
func (t *Tracker) Await(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	if t.state == Idle {
		t.mu.Unlock()
		return fmt.Errorf("tracker: await before begin")
	}
	done := t.done
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		t.mu.Lock()
		if t.done == done && !t.state.Terminal() {
			t.tel.ReportWarning(report_tracker_await, ErrTimedOut, t.completed, t.expected)
			t.finish(TimedOut, fmt.Errorf(
				"%w after %s: %d of %d completed",
				ErrTimedOut, timeout, t.completed, t.expected,
			))
		}
		t.mu.Unlock()
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns how many downloads completed out of how many are expected.
func (t *Tracker) Progress() (completed, expected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.expected
}

// Downloaded returns the suggested names of completed downloads in completion order.
func (t *Tracker) Downloaded() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}
