package signal

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindHangup    Kind = "hangup"
)

// Message is one signaling message of a call. Which fields are set depends on Kind.
type Message struct {
	Kind      Kind                     `json:"type"`
	From      domain.UserID            `json:"from,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func Offer(sdp string) Message  { return Message{Kind: KindOffer, SDP: sdp} }
func Answer(sdp string) Message { return Message{Kind: KindAnswer, SDP: sdp} }
func Hangup() Message           { return Message{Kind: KindHangup} }

func Candidate(c webrtc.ICECandidateInit) Message {
	return Message{Kind: KindCandidate, Candidate: &c}
}

// Description converts an offer or answer into a pion session description.
func (m Message) Description() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if m.Kind == KindAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: m.SDP}
}

func (m Message) Validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s without sdp", m.Kind)
		}
	case KindCandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("%s without candidate", m.Kind)
		}
	case KindHangup:
	default:
		return fmt.Errorf("unknown signal %q", m.Kind)
	}
	return nil
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, m.Validate()
}
