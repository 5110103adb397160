package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestNew_DefaultBudget(t *testing.T) {
	assert.Equal(t, DefaultBudget, New(0).Budget())
	assert.Equal(t, DefaultBudget, New(-time.Second).Budget())
	assert.Equal(t, 3*time.Minute, DefaultBudget)
}

func TestTimer_Progression(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tm := New(2*time.Second, WithClock(clock))

	assert.Equal(t, clock.Now(), tm.StartedAt())
	assert.Equal(t, time.Duration(0), tm.Elapsed())
	assert.Equal(t, 2*time.Second, tm.Remaining())
	assert.False(t, tm.Exceeded())

	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, tm.Elapsed())
	assert.Equal(t, 500*time.Millisecond, tm.Remaining())
	assert.False(t, tm.Exceeded())

	clock.Advance(500 * time.Millisecond)
	assert.True(t, tm.Exceeded(), "exceeded exactly at the budget")
	assert.Equal(t, time.Duration(0), tm.Remaining())

	clock.Advance(time.Minute)
	assert.Equal(t, time.Duration(0), tm.Remaining(), "remaining never goes negative")
}

func TestWithClock_NilKeepsRealClock(t *testing.T) {
	tm := New(time.Minute, WithClock(nil))
	assert.False(t, tm.Exceeded())
	assert.GreaterOrEqual(t, tm.Elapsed(), time.Duration(0))
}
