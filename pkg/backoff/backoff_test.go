package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_DelaySequence(t *testing.T) {
	p := Policy{
		Enabled:      true,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		AddJitter:    false, // disable for predictable tests
	}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}

	for attempt, expected := range want {
		assert.Equal(t, expected, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestPolicy_DelayNegativeAttempt(t *testing.T) {
	p := Policy{InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	assert.Equal(t, 500*time.Millisecond, p.Delay(-1))
}

func TestPolicy_NormalizeDefaults(t *testing.T) {
	p := Policy{Enabled: true}.Normalize()
	assert.Equal(t, DefaultInitialDelay, p.InitialDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.True(t, p.Enabled)
}

func TestPolicy_NormalizeClampsMaxDelay(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Second, MaxDelay: 2 * time.Second}.Normalize()
	assert.Equal(t, 10*time.Second, p.MaxDelay)
}

func TestPolicy_Exhausted(t *testing.T) {
	unlimited := Policy{MaxAttempts: 0}
	assert.False(t, unlimited.Exhausted(1_000_000))

	capped := Policy{MaxAttempts: 2}
	assert.False(t, capped.Exhausted(0))
	assert.False(t, capped.Exhausted(1))
	assert.True(t, capped.Exhausted(2))
	assert.True(t, capped.Exhausted(3))
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{InitialDelay: 1 * time.Second, MaxDelay: 30 * time.Second, AddJitter: true}

	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 1*time.Second)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}
