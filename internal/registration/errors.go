package registration

import (
	"errors"
	"fmt"
)

// Kind classifies a registration failure. Each kind maps to one HTTP status.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindIdentityProvider     Kind = "identity_provider_error"
	KindVerificationDispatch Kind = "verification_dispatch_error"
	KindProfileStore         Kind = "profile_store_error"
	KindInternal             Kind = "internal_error"
)

// ErrResendThrottled is wrapped in a verification dispatch error when the
// per-email resend limit has been reached.
var ErrResendThrottled = errors.New("verification resend throttled")

// Error reports which stage of a registration failed and why. DurableID is
// set whenever the identity already exists at the provider.
type Error struct {
	Kind      Kind
	Stage     State
	DurableID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registration: %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
