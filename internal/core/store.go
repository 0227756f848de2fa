package core

import (
	"context"
	"time"

	"github.com/dkeye/peercall/internal/domain"
)

// CallStore is the persistence contract of the call core.
// Writes are targeted field updates and never touch an ended record.
type CallStore interface {
	// CreateCall inserts a record with status initiated.
	CreateCall(ctx context.Context, caller, callee domain.UserID) (domain.CallRecord, error)
	// UpdateCallStatus sets status and, for terminal statuses, endedAt.
	// A terminal write to an ended record is a no-op; a non-terminal one returns ErrCallEnded.
	UpdateCallStatus(ctx context.Context, id domain.CallID, status domain.CallStatus, endedAt *time.Time) error
	GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error)
	GetProfile(ctx context.Context, id domain.UserID) (domain.Profile, error)
	PutProfile(ctx context.Context, p domain.Profile) error
}
