package backoff

import (
	"sync"
	"time"

	"github.com/haleiwa/rtcstack/collab"
	"github.com/haleiwa/rtcstack/internal/logging"
)

var log = logging.DefaultLogger.WithTag("backoff")

// State is one of the back-off timer's states, per spec §3.
type State int

const (
	AttemptNow State = iota
	Attempting
	Succeeded
	WaitingAfterAttemptFailure
	AllAttemptsFailed
)

func (s State) String() string {
	switch s {
	case AttemptNow:
		return "AttemptNow"
	case Attempting:
		return "Attempting"
	case Succeeded:
		return "Succeeded"
	case WaitingAfterAttemptFailure:
		return "WaitingAfterAttemptFailure"
	case AllAttemptsFailed:
		return "AllAttemptsFailed"
	default:
		return "Unknown"
	}
}

// Timer drives one attempt/retry sequence according to a Pattern. It is not
// safe for concurrent notifier calls from multiple goroutines; callers
// should serialize notifications the way the rest of the library serializes
// per-object state (spec §5).
type Timer struct {
	mu sync.Mutex

	pattern   *Pattern
	scheduler collab.Scheduler

	state   State
	attempt uint32 // number of failed attempts so far, including replayed prior failures

	cancelPending func()

	listeners      map[int]chan State
	nextListenerID int
}

// NewTimer constructs a back-off timer for pattern. priorFailures seeds the
// attempt counter, bounded by maxConstructorFailures (spec §6 "Back-off max
// constructor failures"), to replay a number of failures that occurred
// before the timer existed (e.g. across a process restart).
func NewTimer(pattern *Pattern, priorFailures uint32, maxConstructorFailures uint32, scheduler collab.Scheduler) *Timer {
	if scheduler == nil {
		scheduler = collab.DefaultScheduler
	}
	if priorFailures > maxConstructorFailures {
		priorFailures = maxConstructorFailures
	}

	t := &Timer{
		pattern:   pattern,
		scheduler: scheduler,
		state:     AttemptNow,
		attempt:   priorFailures,
	}

	if priorFailures >= pattern.MaxAttempts && pattern.MaxAttempts > 0 {
		t.state = AllAttemptsFailed
	}

	return t
}

// GetState returns the timer's current state.
func (t *Timer) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// GetTotalFailures returns the number of failed attempts recorded so far.
func (t *Timer) GetTotalFailures() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// GetNextRetryAfterTime returns the retry-after duration that would apply to
// the current attempt number, for callers that want to display/log it.
func (t *Timer) GetNextRetryAfterTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pattern.RetryAfterDuration(t.attempt)
}

// Subscribe registers a channel that receives every StateChanged transition.
// The returned id can be passed to Unsubscribe. Delivery is best-effort
// (non-blocking send) per the subscription-set idiom in spec §9.
func (t *Timer) Subscribe() (int, <-chan State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listeners == nil {
		t.listeners = make(map[int]chan State)
	}
	id := t.nextListenerID
	t.nextListenerID++
	ch := make(chan State, 4)
	t.listeners[id] = ch
	return id, ch
}

// Unsubscribe removes a previously registered listener. Safe to call during
// delivery of an event to that listener.
func (t *Timer) Unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, id)
}

func (t *Timer) emitLocked() {
	for _, ch := range t.listeners {
		select {
		case ch <- t.state:
		default:
		}
	}
}

func (t *Timer) cancelTimerLocked() {
	if t.cancelPending != nil {
		t.cancelPending()
		t.cancelPending = nil
	}
}

// NotifyAttempting records that an attempt has begun. It arms a one-shot
// timer for pattern.AttemptTimeout(attempt); if it fires before
// NotifyAttemptFailed/NotifySucceeded, a failure is synthesised.
func (t *Timer) NotifyAttempting() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == AllAttemptsFailed {
		return
	}

	t.cancelTimerLocked()
	t.state = Attempting
	t.emitLocked()

	timeout := t.pattern.AttemptTimeout(t.attempt)
	t.cancelPending = t.scheduler.AfterFunc(timeout, func() {
		log.Debug("attempt %d timed out after %s", t.attempt, timeout)
		t.NotifyAttemptFailed()
	})
}

// NotifyAttemptFailed records a failed attempt. If the attempt count has now
// reached MaxAttempts, the timer moves to AllAttemptsFailed; otherwise it
// arms a one-shot retry-after timer which fires TryAgainNow (internally,
// NotifyTryAgainNow) on expiry.
func (t *Timer) NotifyAttemptFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == AllAttemptsFailed {
		return
	}

	t.cancelTimerLocked()
	t.attempt++

	if t.pattern.MaxAttempts > 0 && t.attempt >= t.pattern.MaxAttempts {
		t.state = AllAttemptsFailed
		t.emitLocked()
		return
	}

	t.state = WaitingAfterAttemptFailure
	t.emitLocked()

	wait := t.pattern.RetryAfterDuration(t.attempt - 1)
	t.cancelPending = t.scheduler.AfterFunc(wait, func() {
		t.NotifyTryAgainNow()
	})
}

// NotifyTryAgainNow moves the timer back to AttemptNow, skipping any
// remaining wait. Also used internally when the retry-after timer fires.
func (t *Timer) NotifyTryAgainNow() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyTryAgainNowLocked()
}

func (t *Timer) notifyTryAgainNowLocked() {
	if t.state == AllAttemptsFailed {
		return
	}
	t.cancelTimerLocked()
	t.state = AttemptNow
	t.emitLocked()
}

// NotifySucceeded records a successful attempt, ending the sequence.
func (t *Timer) NotifySucceeded() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == AllAttemptsFailed {
		return
	}
	t.cancelTimerLocked()
	t.state = Succeeded
	t.emitLocked()
}

// Cancel stops any pending internal timer. Idempotent.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelTimerLocked()
}
