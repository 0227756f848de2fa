package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaTrack is a single capture track. Only the media gate calls Stop.
type MediaTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	// SetEnabled mutes or unmutes the track without renegotiation.
	SetEnabled(bool)
	Stop()
}

type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
}

// LocalTrack is implemented by tracks that can be attached to a peer connection.
type LocalTrack interface {
	Local() webrtc.TrackLocal
}

// MediaDevices is the host capture capability.
type MediaDevices interface {
	// RequestMedia returns ErrPermissionDenied or ErrDeviceUnavailable wrapped when it can tell.
	RequestMedia(ctx context.Context, c MediaConstraints) (MediaStream, error)
}

// PeerConnection is the slice of a pion PeerConnection a peer session drives.
type PeerConnection interface {
	// AddStream attaches local tracks; a nil stream adds receive-only transceivers.
	AddStream(stream MediaStream) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// LocalDescription returns the current local SDP including gathered candidates.
	LocalDescription() *webrtc.SessionDescription
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

type PeerConnector interface {
	NewPeerConnection() (PeerConnection, error)
}
