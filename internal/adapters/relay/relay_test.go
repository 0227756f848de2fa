package relay

import (
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"), "limits are per identity")

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("alice"))

	rl.Forget("alice")
	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
}

func TestSimplePolicy(t *testing.T) {
	p := SimplePolicy{}
	assert.Equal(t, DropFrame, p.OnBackpressure(nil, core.SignalTopic("c1")))
	assert.Equal(t, Disconnect, p.OnBackpressure(nil, core.CallRecordTopic("c1")))
	assert.Equal(t, Disconnect, p.OnBackpressure(nil, core.UserCallsTopic("bob")))
}

func TestAuthorize(t *testing.T) {
	c := &Client{user: "bob"}
	assert.NoError(t, c.authorize(core.UserCallsTopic("bob")))
	assert.ErrorIs(t, c.authorize(core.UserCallsTopic("alice")), core.ErrPermissionDenied)
	assert.NoError(t, c.authorize(core.SignalTopic("c1")))
	assert.NoError(t, c.authorize(core.CallRecordTopic("c1")))
	assert.Error(t, c.authorize("lobby"))
}
