package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallID string

// NewCallID returns a fresh random call identifier.
func NewCallID() CallID {
	return CallID(uuid.NewString())
}

type CallStatus string

const (
	StatusInitiated CallStatus = "initiated"
	StatusAnswered  CallStatus = "answered"
	StatusDeclined  CallStatus = "declined"
	StatusMissed    CallStatus = "missed"
	StatusFinished  CallStatus = "finished"
)

// Terminal reports whether a record in this status must carry EndedAt.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusDeclined, StatusMissed, StatusFinished:
		return true
	}
	return false
}

func (s CallStatus) Valid() bool {
	switch s {
	case StatusInitiated, StatusAnswered, StatusDeclined, StatusMissed, StatusFinished:
		return true
	}
	return false
}

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// CallRecord is the persisted row both participants read and write.
// Once EndedAt is set the record is frozen.
type CallRecord struct {
	ID        CallID     `json:"id"`
	CallerID  UserID     `json:"caller_id"`
	CalleeID  UserID     `json:"callee_id"`
	Status    CallStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (r CallRecord) Ended() bool { return r.EndedAt != nil }

// PeerOf returns the other participant from me's point of view.
func (r CallRecord) PeerOf(me UserID) UserID {
	if r.CallerID == me {
		return r.CalleeID
	}
	return r.CallerID
}

// RoleOf returns me's role in the call and false when me is not a participant.
func (r CallRecord) RoleOf(me UserID) (Role, bool) {
	switch me {
	case r.CallerID:
		return RoleCaller, true
	case r.CalleeID:
		return RoleCallee, true
	}
	return RoleCaller, false
}
