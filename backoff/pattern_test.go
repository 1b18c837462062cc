package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("100,200,400*2:5000/1500/5")
	require.NoError(t, err)

	assert.Equal(t, uint32(5), p.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, p.AttemptTimeouts[0])
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, p.RetryAfter)
	assert.Equal(t, 2.0, p.RetryMultiplier)
	assert.Equal(t, 5000*time.Millisecond, p.MaxRetryAfter)
}

func TestPatternRoundTrip(t *testing.T) {
	original := "100,200,400*2:5000/1500/5"
	p, err := ParsePattern(original)
	require.NoError(t, err)
	assert.Equal(t, original, p.String())
}

func TestPatternJSONRoundTrip(t *testing.T) {
	p := &Pattern{
		MaxAttempts:       4,
		AttemptTimeouts:   []time.Duration{time.Second},
		AttemptMultiplier: 1.5,
		MaxAttemptTimeout: 10 * time.Second,
		RetryAfter:        []time.Duration{500 * time.Millisecond},
		RetryMultiplier:   2,
		MaxRetryAfter:     8 * time.Second,
	}
	data, err := p.MarshalJSON()
	require.NoError(t, err)

	parsed, err := ParsePatternJSON(data)
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
}

func TestAttemptTimeoutGrowth(t *testing.T) {
	p := &Pattern{
		AttemptTimeouts:   []time.Duration{1 * time.Second},
		AttemptMultiplier: 2,
		MaxAttemptTimeout: 5 * time.Second,
	}
	assert.Equal(t, 1*time.Second, p.AttemptTimeout(0))
	assert.Equal(t, 2*time.Second, p.AttemptTimeout(1))
	assert.Equal(t, 4*time.Second, p.AttemptTimeout(2))
	assert.Equal(t, 5*time.Second, p.AttemptTimeout(3)) // clipped
	assert.Equal(t, 5*time.Second, p.AttemptTimeout(10))
}

func TestRetryAfterDurationExplicitList(t *testing.T) {
	p := &Pattern{
		RetryAfter:      []time.Duration{1 * time.Second, 2 * time.Second},
		RetryMultiplier: 0, // no growth beyond explicit list
	}
	assert.Equal(t, 1*time.Second, p.RetryAfterDuration(0))
	assert.Equal(t, 2*time.Second, p.RetryAfterDuration(1))
	assert.Equal(t, 2*time.Second, p.RetryAfterDuration(5))
}
