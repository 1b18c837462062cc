package rudp

import (
	"time"

	"github.com/haleiwa/rtcstack/collab"
	"golang.org/x/time/rate"
)

// BatonSchedule configures the baton recovery/backoff timing the spec §9
// open question leaves unpinned: how fast availableBurstBatons grows back
// after congestion, and when it is allowed to shrink back toward the
// floor. Exposed as config rather than hardcoded (DESIGN.md Open Question
// decision #1).
type BatonSchedule struct {
	// InitialAddPeriod is how often a baton is added back when the channel
	// has never hit congestion.
	InitialAddPeriod time.Duration
	// FloorAddPeriod is the fastest the add period may recover to.
	FloorAddPeriod time.Duration
	// MaxAddPeriod caps how slow the add period may grow after repeated
	// congestion events.
	MaxAddPeriod time.Duration
	// WithoutIssuesThreshold is how long sending must run without a
	// congestion event before the add period is allowed to shrink back
	// toward FloorAddPeriod.
	WithoutIssuesThreshold time.Duration
}

// DefaultBatonSchedule mirrors the magnitudes spec §4.9 implies ("RTT +
// slack", "a threshold") without the original source's undocumented exact
// constants.
func DefaultBatonSchedule() BatonSchedule {
	return BatonSchedule{
		InitialAddPeriod:       20 * time.Millisecond,
		FloorAddPeriod:         20 * time.Millisecond,
		MaxAddPeriod:           5 * time.Second,
		WithoutIssuesThreshold: 10 * time.Second,
	}
}

func (s BatonSchedule) withDefaults() BatonSchedule {
	if s.InitialAddPeriod <= 0 {
		return DefaultBatonSchedule()
	}
	return s
}

// batonController implements spec §4.9's "batons": availableBurstBatons
// starts at 1, one is consumed per packet sent, and one is released for
// each sent packet an ACK confirms (up to GSNFR or marked received in the
// vector). A separate recovery clock adds batons back on a
// period that doubles on congestion and shrinks back toward a floor once
// sending has run long enough without issues. The recovery clock's
// admission gate is a golang.org/x/time/rate.Limiter: its rate is exactly
// 1/addPeriod, dynamically reset with SetLimit as the schedule doubles or
// shrinks, which is what a token bucket is for.
type batonController struct {
	schedule BatonSchedule

	available int

	limiter   *rate.Limiter
	addPeriod time.Duration

	withoutIssues time.Duration
}

func newBatonController(schedule BatonSchedule, _ collab.Scheduler) *batonController {
	schedule = schedule.withDefaults()
	return &batonController{
		schedule:  schedule,
		available: 1,
		addPeriod: schedule.InitialAddPeriod,
		limiter:   rate.NewLimiter(rate.Every(schedule.InitialAddPeriod), 1),
	}
}

// consume reports whether a baton is available and takes it if so.
func (b *batonController) consume() bool {
	if b.available <= 0 {
		return false
	}
	b.available--
	return true
}

// release returns n batons (an ACK confirmed n sent packets, or unused
// batons are handed back).
func (b *batonController) release(n int) {
	b.available += n
}

// tick is called on the channel's periodic timer; it lets the rate
// limiter's token bucket decide whether it's time to add a baton back.
func (b *batonController) tick(elapsedSinceLastCongestion time.Duration) {
	if b.limiter.Allow() {
		b.available++
	}
	b.withoutIssues = elapsedSinceLastCongestion
	if b.withoutIssues >= b.schedule.WithoutIssuesThreshold && b.addPeriod > b.schedule.FloorAddPeriod {
		next := b.addPeriod / 2
		if next < b.schedule.FloorAddPeriod {
			next = b.schedule.FloorAddPeriod
		}
		b.addPeriod = next
		b.limiter.SetLimit(rate.Every(next))
	}
}

// onCongestion doubles the add period (capped) on packet loss, a
// duplicate, or an ECN signal (spec §4.9 "Batons").
func (b *batonController) onCongestion() {
	next := b.addPeriod * 2
	if next > b.schedule.MaxAddPeriod {
		next = b.schedule.MaxAddPeriod
	}
	b.addPeriod = next
	b.limiter.SetLimit(rate.Every(next))
}
