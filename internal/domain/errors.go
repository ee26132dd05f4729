package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrUserCancelled is returned when the remote party cancelled the signing
var ErrUserCancelled = errors.New("signing cancelled by user")

// ErrUnsupportedCard is returned when the inserted card has no eID applet
var ErrUnsupportedCard = errors.New(ErrMsgUnsupportedCard)

// CodeVerificationError is returned by a Token when PIN or PUK verification failed.
// RetryCounter is the number of attempts left after the failure; zero means
// the code is blocked.
type CodeVerificationError struct {
	Code         CodeType
	RetryCounter int
}

func (e *CodeVerificationError) Error() string {
	if e.LockedOut() {
		return fmt.Sprintf("%s blocked", e.Code)
	}
	return fmt.Sprintf("%s verification failed, %d attempts left", e.Code, e.RetryCounter)
}

// LockedOut returns true when no attempts are left
func (e *CodeVerificationError) LockedOut() bool {
	return e.RetryCounter <= 0
}

// PinVerificationError is returned by the recipient key-unwrap adapter.
// Data is re-read from the card after the failure; when the re-read failed
// Data holds the snapshot taken when the adapter was created and Stale is true.
type PinVerificationError struct {
	Err   error
	Data  *CardDataSnapshot
	Stale bool
}

func (e *PinVerificationError) Error() string {
	return e.Err.Error()
}

func (e *PinVerificationError) Unwrap() error {
	return e.Err
}

// TokenIOError is returned when the card was removed or the reader
// reported a transport failure.
type TokenIOError struct {
	Op  string
	Err error
}

func (e *TokenIOError) Error() string {
	return fmt.Sprintf("token i/o failure on %s: %v", e.Op, e.Err)
}

func (e *TokenIOError) Unwrap() error {
	return e.Err
}

// ServiceFault is reported by the remote signing relay
type ServiceFault struct {
	Status string
	Detail string
}

func (e *ServiceFault) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("service fault: %s", e.Status)
	}
	return fmt.Sprintf("service fault: %s: %s", e.Status, e.Detail)
}

// Is matches ErrUserCancelled for USER_CANCELLED faults
func (e *ServiceFault) Is(target error) bool {
	return target == ErrUserCancelled && e.Status == "USER_CANCELLED"
}

// ProtocolStateError is returned when the session context was lost mid-flight
type ProtocolStateError struct {
	Reason string
}

func (e *ProtocolStateError) Error() string {
	return "illegal state: " + e.Reason
}

// ConfigurationIntegrityError is returned when configuration signature does not verify
type ConfigurationIntegrityError struct {
	Source string
	Err    error
}

func (e *ConfigurationIntegrityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration signature validation failed: %s", e.Source)
	}
	return fmt.Sprintf("configuration signature validation failed: %s: %v", e.Source, e.Err)
}

func (e *ConfigurationIntegrityError) Unwrap() error {
	return e.Err
}

// IsLockedOut returns true if err is a verification failure with no attempts left
func IsLockedOut(err error) bool {
	var cve *CodeVerificationError
	return errors.As(err, &cve) && cve.LockedOut()
}

// RetryCounter returns the retry counter carried by err, and false
// if err is not a verification failure.
func RetryCounter(err error) (int, bool) {
	var pve *PinVerificationError
	var cve *CodeVerificationError
	if !errors.As(err, &cve) {
		return 0, false
	}
	if errors.As(err, &pve) && pve.Data != nil && !pve.Stale {
		return pve.Data.RetryCounter(cve.Code), true
	}
	return cve.RetryCounter, true
}
