package sending

import (
	"errors"
	"fmt"
)

// Sentinel errors for the delivery path.
var (
	// ErrRecipientRejected is a permanent, per-recipient refusal.
	ErrRecipientRejected = errors.New("recipient rejected")
	// ErrEncoding means the recipient or content cannot be represented in a message.
	ErrEncoding = errors.New("message encoding failed")
	// ErrSessionLost means the connection dropped while sending; the attempt
	// is transient and the session must be re-established.
	ErrSessionLost = errors.New("session lost")
	// ErrConnection means a session could not be established. It is fatal
	// to the current dispatch cycle.
	ErrConnection = errors.New("connection failure")
)

// ContentError is a failure rendering campaign content. A permanent error
// would fail identically for every recipient.
type ContentError struct {
	Permanent bool
	Err       error
}

func (e *ContentError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent content error: %v", e.Err)
	}
	return fmt.Sprintf("content error: %v", e.Err)
}

func (e *ContentError) Unwrap() error { return e.Err }

// IsPermanentContent reports whether err is a permanent content defect.
func IsPermanentContent(err error) bool {
	var ce *ContentError
	return errors.As(err, &ce) && ce.Permanent
}

// IsRecipientFault reports whether err blames the recipient itself: the
// address was refused, or the message could not be encoded for it.
func IsRecipientFault(err error) bool {
	return errors.Is(err, ErrRecipientRejected) || errors.Is(err, ErrEncoding)
}
