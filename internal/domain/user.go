// Package domain contains the call entities shared by every layer, without transport logic.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 64
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDInvalid      = errors.New("user id invalid")
)

type UserID string

// Valid reports whether id is non-empty and short enough to be embedded into a topic name.
func (id UserID) Valid() bool {
	return id != "" && len(id) <= MaxUserIDLen && !strings.ContainsAny(string(id), ": \t\n")
}

// Profile is what a callee sees while the phone rings.
type Profile struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// NewProfile is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewProfile(id UserID, displayName, avatarRef string) (*Profile, error) {
	if !id.Valid() {
		return nil, ErrUserIDInvalid
	}
	p := &Profile{UserID: id, AvatarRef: avatarRef}
	if err := p.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Profile) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}

// FallbackProfile is shown when the real profile cannot be loaded.
func FallbackProfile(id UserID) Profile {
	return Profile{UserID: id, DisplayName: string(id)}
}
