package tgram

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized means the credentials were rejected. Fatal for the
	// account; never retried.
	ErrUnauthorized = errors.New("account not authorized")
	// ErrNotConnected means the session dropped mid-operation.
	ErrNotConnected = errors.New("session not connected")

	// Permanent destination failures: skip the destination for the run.
	ErrChannelPrivate = errors.New("channel is private")
	ErrUserBanned     = errors.New("user banned in channel")
	ErrChannelInvalid = errors.New("channel invalid")
)

// FloodWaitError is the server-issued mandatory pause. Callers must sleep
// exactly RetryAfter and then resume as if nothing failed.
type FloodWaitError struct {
	RetryAfter time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %s", e.RetryAfter)
}

// AsFloodWait extracts the mandatory wait from an error chain.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.RetryAfter, true
	}
	return 0, false
}

// IsPermanentDestination reports whether a destination can never be joined
// with this account (private, banned, invalid).
func IsPermanentDestination(err error) bool {
	return errors.Is(err, ErrChannelPrivate) ||
		errors.Is(err, ErrUserBanned) ||
		errors.Is(err, ErrChannelInvalid)
}
