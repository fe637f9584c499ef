package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNotHydrated is returned by every accessor called before HydrateCaches
	// completes. Callers must never be handed a misleadingly empty result.
	ErrNotHydrated = errors.New("protocol: caches not hydrated")

	// ErrDuplicateMessage reports a replayed ciphertext whose counter is older
	// than the receiving chain. It is terminal and not retryable.
	ErrDuplicateMessage = errors.New("protocol: duplicate message")

	// ErrNoSession reports a ciphertext for which no ratchet session exists.
	ErrNoSession = errors.New("protocol: no session")

	// ErrInvalidMessage reports a ciphertext that failed authentication or
	// could not be parsed.
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// UntrustedIdentityError reports that a peer presented an identity key we do
// not trust. It is terminal: trust cannot be assumed from an unauthenticated
// context, so the envelope is dropped without retry.
type UntrustedIdentityError struct {
	Identifier string
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("protocol: untrusted identity for %s", e.Identifier)
}

// PreKeyInUseError reports an attempt to store a one-time prekey under an id
// that already exists. One-time prekeys are never silently overwritten.
type PreKeyInUseError struct {
	Key string
}

func (e *PreKeyInUseError) Error() string {
	return fmt.Sprintf("protocol: prekey %s already exists", e.Key)
}
