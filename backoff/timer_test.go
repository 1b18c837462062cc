package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerAllAttemptsFailedOnce(t *testing.T) {
	pattern := &Pattern{
		MaxAttempts:     3,
		AttemptTimeouts: []time.Duration{10 * time.Millisecond},
		RetryAfter:      []time.Duration{1 * time.Millisecond},
	}
	timer := NewTimer(pattern, 0, 10, nil)

	id, ch := timer.Subscribe()
	defer timer.Unsubscribe(id)

	failures := 0
	for i := 0; i < int(pattern.MaxAttempts)+2; i++ {
		timer.NotifyAttempting()
		timer.NotifyAttemptFailed()
	}

	drainAndCount(ch, &failures)
	assert.LessOrEqual(t, failures, 1, "AllAttemptsFailed must be observed at most once")
	assert.Equal(t, AllAttemptsFailed, timer.GetState())
	assert.LessOrEqual(t, timer.GetTotalFailures(), pattern.MaxAttempts)
}

func drainAndCount(ch <-chan State, failures *int) {
	for {
		select {
		case s := <-ch:
			if s == AllAttemptsFailed {
				*failures++
			}
		default:
			return
		}
	}
}

func TestTimerSucceeded(t *testing.T) {
	pattern := &Pattern{
		MaxAttempts:     5,
		AttemptTimeouts: []time.Duration{time.Second},
	}
	timer := NewTimer(pattern, 0, 10, nil)

	timer.NotifyAttempting()
	require.Equal(t, Attempting, timer.GetState())

	timer.NotifySucceeded()
	assert.Equal(t, Succeeded, timer.GetState())
}

func TestTimerConstructorReplaysPriorFailures(t *testing.T) {
	pattern := &Pattern{MaxAttempts: 10}
	timer := NewTimer(pattern, 4, 3, nil)
	assert.Equal(t, uint32(3), timer.GetTotalFailures())
}

func TestTimerAttemptTimeoutSynthesizesFailure(t *testing.T) {
	pattern := &Pattern{
		MaxAttempts:     5,
		AttemptTimeouts: []time.Duration{5 * time.Millisecond},
		RetryAfter:      []time.Duration{5 * time.Millisecond},
	}
	timer := NewTimer(pattern, 0, 10, nil)
	id, ch := timer.Subscribe()
	defer timer.Unsubscribe(id)

	timer.NotifyAttempting()

	// Don't call NotifyAttemptFailed/Succeeded; let the internal timer fire.
	var sawWaiting bool
	deadline := time.After(500 * time.Millisecond)
loop:
	for {
		select {
		case s := <-ch:
			if s == WaitingAfterAttemptFailure {
				sawWaiting = true
				break loop
			}
		case <-deadline:
			break loop
		}
	}
	assert.True(t, sawWaiting, "expected synthesized attempt failure after timeout")
}
