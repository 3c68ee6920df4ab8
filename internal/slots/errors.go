package slots

import "errors"

var (
	// ErrNoIdleSlot is returned by TakeSlot when every slot is busy.
	ErrNoIdleSlot = errors.New("no idle slot")
	// ErrNoProcessingSlot is returned by ReleaseSlot when nothing is processing.
	ErrNoProcessingSlot = errors.New("no processing slot to release")
	// ErrSlotsInUse is returned when the slot total shrinks below the number
	// of processing slots. The shrink is applied once enough claims release.
	ErrSlotsInUse = errors.New("slots total below processing slots")
	// ErrAlreadyBound is returned when a status is bound to a second connection.
	ErrAlreadyBound = errors.New("slot status already bound")
)

// IsNoIdleSlot reports whether err indicates that no slot was free.
func IsNoIdleSlot(err error) bool { return errors.Is(err, ErrNoIdleSlot) }
