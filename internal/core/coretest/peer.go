package coretest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/webrtc/v4"
)

var pcSeq atomic.Int64

// PeerConnection imitates the negotiation rules of a pion PeerConnection.
// Once both descriptions are set it reports connecting then connected,
// unless ManualConnect is set.
type PeerConnection struct {
	ID            int64
	ManualConnect bool
	// Candidates is how many local candidates SetLocalDescription announces.
	Candidates int
	// AddErr, when set, is returned by AddStream.
	AddErr error

	mu        sync.Mutex
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	applied   []webrtc.ICECandidateInit
	stream    core.MediaStream
	addCalls  int
	closed    int
	onICE     func(webrtc.ICECandidateInit)
	onState   func(webrtc.PeerConnectionState)
	connected bool
}

func NewPeerConnection() *PeerConnection {
	return &PeerConnection{ID: pcSeq.Add(1), Candidates: 2}
}

func (p *PeerConnection) AddStream(s core.MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addCalls++
	if p.AddErr != nil {
		return p.AddErr
	}
	p.stream = s
	return nil
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.ID)}, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", p.ID)}, nil
}

func (p *PeerConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed > 0 {
		p.mu.Unlock()
		return errors.New("closed")
	}
	p.local = &d
	onICE, n := p.onICE, p.Candidates
	p.mu.Unlock()

	if onICE != nil {
		for i := 0; i < n; i++ {
			mid := "0"
			onICE(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d-%d", p.ID, i), SDPMid: &mid})
		}
	}
	p.maybeConnect()
	return nil
}

func (p *PeerConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed > 0 {
		p.mu.Unlock()
		return errors.New("closed")
	}
	if d.Type == webrtc.SDPTypeAnswer && (p.local == nil || p.local.Type != webrtc.SDPTypeOffer) {
		p.mu.Unlock()
		return errors.New("answer without local offer")
	}
	p.remote = &d
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return nil
	}
	// like pion, the current description carries the gathered candidates
	d := *p.local
	for i := 0; i < p.Candidates; i++ {
		d.SDP += fmt.Sprintf("\r\na=candidate:%d-%d", p.ID, i)
	}
	return &d
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.closed++
	first := p.closed == 1
	fn := p.onState
	p.mu.Unlock()
	if first && fn != nil {
		fn(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Emit fires a connection state change as the ICE agent would.
func (p *PeerConnection) Emit(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *PeerConnection) maybeConnect() {
	p.mu.Lock()
	ready := !p.ManualConnect && !p.connected && p.local != nil && p.remote != nil && p.closed == 0
	if ready {
		p.connected = true
	}
	fn := p.onState
	p.mu.Unlock()
	if ready && fn != nil {
		go func() {
			fn(webrtc.PeerConnectionStateConnecting)
			fn(webrtc.PeerConnectionStateConnected)
		}()
	}
}

func (p *PeerConnection) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

func (p *PeerConnection) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) Stream() core.MediaStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *PeerConnection) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Connector hands out fake peer connections and remembers them.
type Connector struct {
	mu            sync.Mutex
	pcs           []*PeerConnection
	Err           error
	AddErr        error
	ManualConnect bool
}

func (c *Connector) NewPeerConnection() (core.PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	pc := NewPeerConnection()
	pc.ManualConnect = c.ManualConnect
	pc.AddErr = c.AddErr
	c.pcs = append(c.pcs, pc)
	return pc, nil
}

func (c *Connector) All() []*PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*PeerConnection(nil), c.pcs...)
}

// Last returns the most recent connection or nil.
func (c *Connector) Last() *PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pcs) == 0 {
		return nil
	}
	return c.pcs[len(c.pcs)-1]
}
