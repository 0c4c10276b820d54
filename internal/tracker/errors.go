package tracker

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation was refused.
type Kind string

const (
	// KindPolicy is an action attempted outside its allowed state.
	KindPolicy Kind = "policy"
	// KindVerification is a failed secret or identity check. Messages stay generic.
	KindVerification Kind = "verification"
	KindInvalidInput Kind = "invalid_input"
	// KindUnavailable means the tracker has no adopted state yet (loading or restore pending).
	KindUnavailable Kind = "unavailable"
	// KindRemote is a failed write or read against the document store.
	KindRemote Kind = "remote"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(kind Kind, code, message string, details any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Details: details}
}

// IsKind reports whether err is a tracker error of the given kind.
func IsKind(err error, kind Kind) bool {
	var trackerErr *Error
	return errors.As(err, &trackerErr) && trackerErr.Kind == kind
}

// ErrNotLoaded is returned while no remote state has been adopted.
var ErrNotLoaded = newError(KindUnavailable, "NOT_LOADED", "Session data is not loaded yet", nil)

const unlockFailedMessage = "Emergency unlock failed"
