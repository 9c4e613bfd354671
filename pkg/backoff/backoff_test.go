package backoff_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harleyk/svix-test/pkg/backoff"
)

func TestDelay_Fixed(t *testing.T) {
	p := backoff.Policy{Strategy: backoff.Fixed, BaseDelay: 5 * time.Second}
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 5*time.Second, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestDelay_Exponential(t *testing.T) {
	p := backoff.Policy{Strategy: backoff.Exponential, BaseDelay: time.Second}
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 9*time.Second, p.Delay(3))
	assert.Equal(t, 16*time.Second, p.Delay(4))
}

func TestDelay_ExponentialCapped(t *testing.T) {
	p := backoff.Policy{Strategy: backoff.Exponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3), "delay must be capped at MaxDelay")
	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestDelay_ZeroAttemptClamped(t *testing.T) {
	p := backoff.Policy{Strategy: backoff.Exponential, BaseDelay: time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(-3))
}
