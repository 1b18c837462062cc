package rudp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatonControllerConsumeRelease(t *testing.T) {
	b := newBatonController(BatonSchedule{}, nil)
	assert.True(t, b.consume())
	assert.False(t, b.consume(), "only one baton available initially")

	b.release(2)
	assert.True(t, b.consume())
	assert.True(t, b.consume())
	assert.False(t, b.consume())
}

func TestBatonControllerOnCongestionDoublesPeriod(t *testing.T) {
	schedule := BatonSchedule{
		InitialAddPeriod:       10 * time.Millisecond,
		FloorAddPeriod:         10 * time.Millisecond,
		MaxAddPeriod:           100 * time.Millisecond,
		WithoutIssuesThreshold: time.Second,
	}
	b := newBatonController(schedule, nil)
	assert.Equal(t, 10*time.Millisecond, b.addPeriod)

	b.onCongestion()
	assert.Equal(t, 20*time.Millisecond, b.addPeriod)

	b.onCongestion()
	b.onCongestion()
	b.onCongestion()
	assert.LessOrEqual(t, b.addPeriod, schedule.MaxAddPeriod)
}

func TestBatonControllerShrinksBackAfterWithoutIssuesThreshold(t *testing.T) {
	schedule := BatonSchedule{
		InitialAddPeriod:       40 * time.Millisecond,
		FloorAddPeriod:         10 * time.Millisecond,
		MaxAddPeriod:           100 * time.Millisecond,
		WithoutIssuesThreshold: 50 * time.Millisecond,
	}
	b := newBatonController(schedule, nil)
	b.tick(60 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, b.addPeriod)
}
