package protocol

import (
	"github.com/meow-io/go-ready/address"
)

// Direction qualifies an identity-trust decision.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

// Wire message kinds produced by a cipher engine.
const (
	MessageTypeWhisper = 1
	MessageTypePreKey  = 3
)

// Session is the opaque ratchet session object produced by a cipher engine.
// The store treats it as a black box: it only serializes it, asks whether it
// has an established ratchet and archives it on identity changes.
type Session interface {
	Serialize() ([]byte, error)
	HaveOpenSession() bool
	ArchiveCurrentState()
}

// KeyPair is pre-published key material held by the prekey stores.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// PreKeyBundle is a peer's published bootstrap material, used to start a
// session while the peer is offline.
type PreKeyBundle struct {
	RegistrationID     uint32
	DeviceID           uint32
	PreKeyID           *uint32
	PreKeyPublic       []byte
	SignedPreKeyID     uint32
	SignedPreKeyPublic []byte
	IdentityKey        []byte
}

// The store surfaces a cipher engine operates against. Satisfied by the
// adapters in this package; an engine never touches durable state directly.
type SessionStore interface {
	LoadSession(addr address.ProtocolAddress) (Session, error)
	StoreSession(addr address.ProtocolAddress, session Session) error
}

type IdentityStore interface {
	IsTrustedIdentity(addr address.ProtocolAddress, publicKey []byte, direction Direction) (bool, error)
	SaveIdentity(addr address.ProtocolAddress, publicKey []byte) (bool, error)
	LocalIdentityKeyPair() (*KeyPair, error)
	LocalRegistrationID() (uint32, error)
}

type PreKeyStore interface {
	LoadPreKey(keyID uint32) (*KeyPair, error)
	RemovePreKey(keyID uint32) error
}

type SignedPreKeyStore interface {
	LoadSignedPreKey(keyID uint32) (*KeyPair, error)
}

// Stores bundles the four adapter views handed to a cipher engine for one
// decrypt or encrypt call.
type Stores struct {
	Sessions      SessionStore
	Identities    IdentityStore
	PreKeys       PreKeyStore
	SignedPreKeys SignedPreKeyStore
}

// Engine is the opaque cipher collaborator. Implementations must return
// ErrDuplicateMessage for replayed counters, *UntrustedIdentityError for
// rejected identities, ErrNoSession when no ratchet exists and
// ErrInvalidMessage for unparseable or unauthentic ciphertexts.
type Engine interface {
	NewSession() Session
	DeserializeSession(data []byte) (Session, error)

	// DecryptWhisper decrypts a normal ratchet message, advancing and storing
	// the session through the adapters.
	DecryptWhisper(addr address.ProtocolAddress, stores *Stores, ciphertext []byte) ([]byte, error)

	// DecryptPreKey decrypts a session-establishing prekey message, consuming
	// the referenced one-time prekey.
	DecryptPreKey(addr address.ProtocolAddress, stores *Stores, ciphertext []byte) ([]byte, error)

	// Encrypt produces a ciphertext for addr, returning the wire message type.
	Encrypt(addr address.ProtocolAddress, stores *Stores, plaintext []byte) (int, []byte, error)

	// StartSession establishes an outgoing session from a peer's published
	// bundle.
	StartSession(addr address.ProtocolAddress, stores *Stores, bundle *PreKeyBundle) error
}
