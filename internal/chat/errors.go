package chat

import (
	"errors"

	"github.com/ent0n29/parley/internal/directory"
	"github.com/ent0n29/parley/internal/journal"
	"github.com/ent0n29/parley/internal/placement"
)

var (
	ErrParticipantNotJoined    = errors.New("participant not joined")
	ErrSubscriberLimitExceeded = errors.New("subscriber limit exceeded")
	ErrNotAttached             = errors.New("no live connection attached")
	ErrInvalidOp               = errors.New("invalid operation")
	ErrInvalidID               = errors.New("invalid entity id")
)

func init() {
	placement.RegisterError("participant_not_joined", ErrParticipantNotJoined)
	placement.RegisterError("subscriber_limit_exceeded", ErrSubscriberLimitExceeded)
	placement.RegisterError("not_attached", ErrNotAttached)
	placement.RegisterError("invalid_op", ErrInvalidOp)
	placement.RegisterError("invalid_id", ErrInvalidID)
	placement.RegisterError("journal_unavailable", journal.ErrUnavailable)
	placement.RegisterError("not_found", directory.ErrNotFound)
}

// IsValidation reports whether err is a local rejection that retrying the
// same operation cannot fix.
func IsValidation(err error) bool {
	return errors.Is(err, ErrParticipantNotJoined) ||
		errors.Is(err, ErrSubscriberLimitExceeded) ||
		errors.Is(err, ErrInvalidOp) ||
		errors.Is(err, ErrInvalidID)
}
