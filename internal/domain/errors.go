package domain

import (
	"context"
	"errors"
	"net"
)

// Domain errors surfaced to callers as typed results.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyFriends   = errors.New("users are already friends")
	ErrRequestPending   = errors.New("a friend request is already pending")
	ErrRequestNotFound  = errors.New("friend request not found")
	ErrInvalidUser      = errors.New("invalid user id")
	ErrOffline          = errors.New("operation requires connectivity")
	ErrNotFailed        = errors.New("message is not in a failed state")
	ErrConversationGone = errors.New("conversation deleted remotely")
	ErrStorageFull      = errors.New("local storage exhausted")
)

// Class buckets an error for retry and propagation decisions.
type Class int

const (
	ClassUnknown Class = iota
	ClassNotFound
	ClassConflict
	ClassTransient
	ClassPermanent
	ClassFatal
)

// Classify maps an error onto the retry taxonomy. Network, timeout and
// cancellation errors are transient; conflicts and not-found pass through
// as-is; anything unrecognized from a remote call is treated as transient
// so that a queued write is never failed on a guess.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRequestNotFound):
		return ClassNotFound
	case errors.Is(err, ErrAlreadyFriends), errors.Is(err, ErrRequestPending), errors.Is(err, ErrNotFailed):
		return ClassConflict
	case errors.Is(err, ErrConversationGone), errors.Is(err, ErrInvalidUser):
		return ClassPermanent
	case errors.Is(err, ErrStorageFull):
		return ClassFatal
	case errors.Is(err, ErrOffline),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		isNetError(err):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return Classify(err) == ClassNotFound
}

// IsConflict reports whether err is a user-facing rejection.
func IsConflict(err error) bool {
	return Classify(err) == ClassConflict
}

// IsTransient reports whether err should be retried automatically.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsPermanent reports whether err definitively fails a queued write.
func IsPermanent(err error) bool {
	return Classify(err) == ClassPermanent
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
