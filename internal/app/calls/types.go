// Package calls is the call state machine: one live call per process, every transition
// on a single event loop, every acquired resource released on every exit path.
package calls

import (
	"context"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseRingingRemote
	PhaseConnecting
	PhaseActive
	PhaseEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseRingingRemote:
		return "ringing"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	}
	return "unknown"
}

// Reason tells the UI why a call went back to idle.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonLocalHangup    Reason = "local-hangup"
	ReasonRemoteHangup   Reason = "remote-hangup"
	ReasonDeclined       Reason = "declined"
	ReasonMissed         Reason = "missed"
	ReasonConnectionLost Reason = "connection-lost"
	ReasonSetupFailed    Reason = "setup-failed"
)

// Update is published on every phase change. Err is set only for setup failures.
type Update struct {
	Phase  Phase
	CallID domain.CallID
	PeerID domain.UserID
	Role   domain.Role
	Caller *domain.Profile
	Reason Reason
	Err    error
}

type Snapshot struct {
	Phase  Phase
	CallID domain.CallID
	PeerID domain.UserID
	Role   domain.Role
}

type MediaGate interface {
	Acquire(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error)
	Release(s core.MediaStream)
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
}

type RecordWatcher interface {
	Watch(ctx context.Context, id domain.CallID, fn func(domain.CallRecord)) (core.Subscription, error)
}

type Options struct {
	Constraints core.MediaConstraints
	// RingTimeout marks an unanswered incoming call missed; zero disables it.
	RingTimeout time.Duration
	// OpTimeout bounds each persistence call.
	OpTimeout time.Duration
	// UpdateBuffer is the capacity of each Updates channel.
	UpdateBuffer int
}

func (o Options) withDefaults() Options {
	out := o
	if !out.Constraints.Audio && !out.Constraints.Video {
		out.Constraints = core.MediaConstraints{Audio: true, Video: true}
	}
	if out.OpTimeout <= 0 {
		out.OpTimeout = 10 * time.Second
	}
	if out.UpdateBuffer <= 0 {
		out.UpdateBuffer = 32
	}
	return out
}
