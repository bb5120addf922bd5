package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	req := require.New(t)
	rl := newRateLimiter(3, 150*time.Millisecond)

	for i := 0; i < 3; i++ {
		req.True(rl.allow(), "message %d within burst", i)
	}
	req.False(rl.allow())

	req.Eventually(rl.allow, time.Second, 10*time.Millisecond)
}

func TestRateLimiter_InvalidSettingsFallBack(t *testing.T) {
	req := require.New(t)
	rl := newRateLimiter(0, 0)

	req.True(rl.allow())
	req.False(rl.allow())
}
