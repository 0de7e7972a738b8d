package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential_DoublesFromBase(t *testing.T) {
	b := Exponential(time.Minute, time.Hour)

	assert.Equal(t, time.Duration(0), b(0))
	assert.Equal(t, 1*time.Minute, b(1))
	assert.Equal(t, 2*time.Minute, b(2))
	assert.Equal(t, 4*time.Minute, b(3))
	assert.Equal(t, 32*time.Minute, b(6))
}

func TestExponential_CappedAtCeiling(t *testing.T) {
	b := Exponential(time.Minute, time.Hour)

	assert.Equal(t, time.Hour, b(7))
	assert.Equal(t, time.Hour, b(100))
}

func TestExponential_MonotonicNonDecreasing(t *testing.T) {
	b := Exponential(30*time.Second, 10*time.Minute)

	prev := time.Duration(0)
	for i := uint(1); i <= 40; i++ {
		d := b(i)
		require.GreaterOrEqual(t, d, prev, "failure %d", i)
		require.LessOrEqual(t, d, 10*time.Minute, "failure %d", i)
		prev = d
	}
}

func TestPolicy_OnFailure_SchedulesRetryBelowMax(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: Exponential(time.Minute, time.Hour)}

	out := p.OnFailure(0)
	assert.Equal(t, Outcome{Attempts: 1, Delay: time.Minute}, out)

	out = p.OnFailure(1)
	assert.Equal(t, Outcome{Attempts: 2, Delay: 2 * time.Minute}, out)
}

func TestPolicy_OnFailure_ExhaustsAtMax(t *testing.T) {
	p := Policy{MaxAttempts: 3, Backoff: Exponential(time.Minute, time.Hour)}

	out := p.OnFailure(2)
	assert.True(t, out.Exhausted)
	assert.Equal(t, uint(3), out.Attempts)
	assert.Zero(t, out.Delay)
}

func TestPolicy_OnFailure_NeverExceedsMax(t *testing.T) {
	p := Policy{MaxAttempts: 2, Backoff: Exponential(time.Second, time.Minute)}

	// 不整合な入力でも上限を超えない
	out := p.OnFailure(5)
	assert.True(t, out.Exhausted)
	assert.Equal(t, uint(2), out.Attempts)
}

func TestPolicy_OnFailure_SingleAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 1, Backoff: Exponential(time.Second, time.Minute)}

	out := p.OnFailure(0)
	assert.True(t, out.Exhausted)
	assert.Equal(t, uint(1), out.Attempts)
}

func TestPolicy_Validate(t *testing.T) {
	assert.Error(t, Policy{MaxAttempts: 0, Backoff: Exponential(time.Second, time.Minute)}.Validate())
	assert.Error(t, Policy{MaxAttempts: 3}.Validate())
	assert.NoError(t, Policy{MaxAttempts: 3, Backoff: Exponential(time.Second, time.Minute)}.Validate())
}
