// Package backoff implements the retry-schedule pattern and the timer that
// drives an attempt/retry sequence according to it.
package backoff

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Pattern describes a parameterised retry schedule: an explicit list of
// attempt timeouts (and, separately, retry-after durations) with an optional
// multiplier/cap rule for attempts beyond the explicit list.
type Pattern struct {
	MaxAttempts uint32 `json:"maxAttempts"`

	AttemptTimeouts    []time.Duration `json:"attemptTimeouts,omitempty"`
	AttemptMultiplier  float64         `json:"attemptMultiplier,omitempty"`
	MaxAttemptTimeout  time.Duration   `json:"maxAttemptTimeout,omitempty"`

	RetryAfter      []time.Duration `json:"retryAfter,omitempty"`
	RetryMultiplier float64         `json:"retryMultiplier,omitempty"`
	MaxRetryAfter   time.Duration   `json:"maxRetryAfter,omitempty"`
}

// ParsePattern parses the legacy textual grammar:
//
//	"retries_csv/attempt_timeout/max_retries"
//
// where retries_csv is a comma-separated list of retry-after durations
// (in milliseconds), optionally ending in "*multiplier:cap" to describe
// growth beyond the explicit list. attempt_timeout is a single duration (ms)
// applied to every attempt. max_retries becomes MaxAttempts.
func ParsePattern(s string) (*Pattern, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return nil, errors.Errorf("backoff: malformed pattern %q", s)
	}

	retryPart, attemptTimeoutPart, maxRetriesPart := parts[0], parts[1], parts[2]

	maxRetries, err := strconv.ParseUint(maxRetriesPart, 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "backoff: invalid max_retries")
	}

	attemptTimeoutMs, err := strconv.ParseUint(attemptTimeoutPart, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "backoff: invalid attempt_timeout")
	}

	p := &Pattern{
		MaxAttempts:       uint32(maxRetries),
		AttemptTimeouts:   []time.Duration{time.Duration(attemptTimeoutMs) * time.Millisecond},
		MaxAttemptTimeout: time.Duration(attemptTimeoutMs) * time.Millisecond,
	}

	// retryPart may end in "*multiplier:cap".
	csv := retryPart
	if i := strings.IndexByte(retryPart, '*'); i >= 0 {
		csv = retryPart[:i]
		tail := retryPart[i+1:]
		kv := strings.SplitN(tail, ":", 2)
		if len(kv) != 2 {
			return nil, errors.Errorf("backoff: malformed growth suffix %q", tail)
		}
		mult, err := strconv.ParseFloat(kv[0], 64)
		if err != nil {
			return nil, errors.Wrap(err, "backoff: invalid retry multiplier")
		}
		capMs, err := strconv.ParseUint(kv[1], 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "backoff: invalid retry cap")
		}
		p.RetryMultiplier = mult
		p.MaxRetryAfter = time.Duration(capMs) * time.Millisecond
	}

	if csv != "" {
		for _, field := range strings.Split(csv, ",") {
			ms, err := strconv.ParseUint(strings.TrimSpace(field), 10, 64)
			if err != nil {
				return nil, errors.Wrap(err, "backoff: invalid retry value")
			}
			p.RetryAfter = append(p.RetryAfter, time.Duration(ms)*time.Millisecond)
		}
	}

	return p, nil
}

// String renders the pattern back into the legacy textual grammar. Only the
// fields the grammar can express are emitted: a single attempt timeout
// (the first entry of AttemptTimeouts) and the retry-after list/growth rule.
func (p *Pattern) String() string {
	var b strings.Builder

	for i, d := range p.RetryAfter {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(d.Milliseconds(), 10))
	}
	if p.RetryMultiplier > 0 {
		b.WriteByte('*')
		b.WriteString(strconv.FormatFloat(p.RetryMultiplier, 'g', -1, 64))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(p.MaxRetryAfter.Milliseconds(), 10))
	}

	b.WriteByte('/')
	var attemptMs int64
	if len(p.AttemptTimeouts) > 0 {
		attemptMs = p.AttemptTimeouts[0].Milliseconds()
	}
	b.WriteString(strconv.FormatInt(attemptMs, 10))

	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(p.MaxAttempts), 10))

	return b.String()
}

// ParsePatternJSON parses the JSON form of a Pattern.
func ParsePatternJSON(data []byte) (*Pattern, error) {
	p := new(Pattern)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "backoff: invalid JSON pattern")
	}
	return p, nil
}

// MarshalJSON emits the equivalent JSON form, per spec §3.
func (p *Pattern) MarshalJSON() ([]byte, error) {
	type alias Pattern
	return json.Marshal((*alias)(p))
}

// AttemptTimeout returns the timeout for the nth attempt (0-indexed): the
// explicit value if present, else the previous value scaled by
// AttemptMultiplier, clipped to MaxAttemptTimeout.
func (p *Pattern) AttemptTimeout(n uint32) time.Duration {
	return nthDuration(n, p.AttemptTimeouts, p.AttemptMultiplier, p.MaxAttemptTimeout)
}

// RetryAfterDuration returns the retry-after wait for the nth failed attempt
// (0-indexed), following the same explicit-list-then-multiplier rule.
func (p *Pattern) RetryAfterDuration(n uint32) time.Duration {
	return nthDuration(n, p.RetryAfter, p.RetryMultiplier, p.MaxRetryAfter)
}

func nthDuration(n uint32, explicit []time.Duration, multiplier float64, cap time.Duration) time.Duration {
	if int(n) < len(explicit) {
		return explicit[n]
	}
	if len(explicit) == 0 {
		return 0
	}
	d := explicit[len(explicit)-1]
	steps := int(n) - len(explicit) + 1
	for i := 0; i < steps; i++ {
		if multiplier <= 0 {
			break
		}
		d = time.Duration(float64(d) * multiplier)
		if cap > 0 && d > cap {
			d = cap
			break
		}
	}
	return d
}
