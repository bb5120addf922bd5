package server

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/carpool-chat/internal/metrics"
)

func TestClientSend(t *testing.T) {
	req := require.New(t)
	c := newTestClient(2)

	req.True(c.IsOpen())
	req.NoError(c.Send([]byte("one")))
	req.NoError(c.Send([]byte("two")))

	// Then a full buffer drops the payload without blocking
	req.ErrorIs(c.Send([]byte("three")), errSendBufferFull)

	req.Equal("one", string(<-c.send))
	req.NoError(c.Send([]byte("three")))
}

func TestClientCloseSend(t *testing.T) {
	req := require.New(t)
	c := newTestClient(4)
	req.NoError(c.Send([]byte("queued")))

	c.closeSend()
	c.closeSend()

	req.False(c.IsOpen())
	req.ErrorIs(c.Send([]byte("late")), errClientClosed)

	// Queued payloads stay readable until the channel drains
	msg, ok := <-c.send
	req.True(ok)
	req.Equal("queued", string(msg))
	_, ok = <-c.send
	req.False(ok)
}

const chatFrame = `{"type":"chat","carpoolId":"r1","message":"hi"}`

func TestClientRateLimit(t *testing.T) {
	req := require.New(t)
	c := newTestClient(1)

	allowed := 0
	for i := 0; i < 10; i++ {
		if c.checkRateLimit([]byte(chatFrame)) {
			allowed++
		}
	}
	req.Equal(c.rateLimit.Burst, allowed)
}

func TestClientRateLimit_JoinHasOwnBucket(t *testing.T) {
	req := require.New(t)
	c := newTestClient(1)

	for i := 0; i < c.rateLimit.Burst; i++ {
		req.True(c.checkRateLimit([]byte(chatFrame)))
	}
	req.False(c.checkRateLimit([]byte(chatFrame)))

	// Chat bucket is empty; a join still goes through.
	req.True(c.checkRateLimit([]byte(`{"type":"join","carpoolId":"r1"}`)))
	req.Equal(float64(1), testutil.ToFloat64(
		c.metrics.EnvelopesDiscarded.WithLabelValues(metrics.ReasonRateLimited)))
}
