package relay

import (
	"strings"

	"github.com/dkeye/peercall/internal/core"
)

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	Disconnect
)

// Policy decides what happens when a client's send queue is full.
type Policy interface {
	OnBackpressure(c *Client, topic string) BackpressureAction
}

// SimplePolicy drops signaling frames, which the caller resends on answer, and
// disconnects clients that fall behind on record notifications.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(_ *Client, topic string) BackpressureAction {
	if strings.HasPrefix(topic, core.TopicCallPrefix) {
		return DropFrame
	}
	return Disconnect
}
