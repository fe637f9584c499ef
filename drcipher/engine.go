// Package drcipher implements the session cipher for the protocol store. It
// wraps status-im/doubleratchet with a prekey-based session agreement so that
// the first message a peer sends can both establish and use a session.
package drcipher

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-ready/address"
	"github.com/meow-io/go-ready/crypto"
	"github.com/meow-io/go-ready/protocol"
	"github.com/status-im/doubleratchet"
)

const agreementInfo = "ready-prekey-agreement-v1"

type pendingPreKey struct {
	RegistrationID uint32  `json:"registration_id"`
	PreKeyID       *uint32 `json:"pre_key_id,omitempty"`
	SignedPreKeyID uint32  `json:"signed_pre_key_id"`
	BaseKeyPub     []byte  `json:"base_key_pub"`
	BaseKeyPriv    []byte  `json:"base_key_priv"`
}

// Session is the serializable double-ratchet session record stored per
// remote device. Archived holds previous chains kept for decrypting
// stragglers after a session reset.
type Session struct {
	ID            []byte          `json:"id"`
	Current       *ratchetState   `json:"current,omitempty"`
	Archived      []*ratchetState `json:"archived,omitempty"`
	RemoteBaseKey []byte          `json:"remote_base_key,omitempty"`
	Pending       *pendingPreKey  `json:"pending,omitempty"`
}

func (s *Session) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

func (s *Session) HaveOpenSession() bool {
	return s.Current != nil
}

func (s *Session) ArchiveCurrentState() {
	if s.Current == nil {
		return
	}
	s.Archived = append([]*ratchetState{s.Current}, s.Archived...)
	s.Current = nil
	s.Pending = nil
	s.RemoteBaseKey = nil
}

// whisperMessage is the wire form of one double-ratchet message.
type whisperMessage struct {
	DH         []byte `json:"dh"`
	N          uint32 `json:"n"`
	PN         uint32 `json:"pn"`
	Ciphertext []byte `json:"body"`
}

// preKeyMessage wraps a whisper message with the material the receiver needs
// to establish the session before decrypting it.
type preKeyMessage struct {
	RegistrationID uint32         `json:"registration_id"`
	PreKeyID       *uint32        `json:"pre_key_id,omitempty"`
	SignedPreKeyID uint32         `json:"signed_pre_key_id"`
	BaseKey        []byte         `json:"base_key"`
	IdentityKey    []byte         `json:"identity_key"`
	Message        whisperMessage `json:"message"`
}

// Engine implements protocol.Engine on top of status-im/doubleratchet.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) NewSession() protocol.Session {
	return &Session{}
}

func (e *Engine) DeserializeSession(data []byte) (protocol.Session, error) {
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("drcipher: error deserializing session: %w", err)
	}
	return s, nil
}

// StartSession establishes an outbound session from a fetched prekey bundle.
// The session stays in a pending state until the peer answers, so every
// outbound message carries the agreement material until then.
func (e *Engine) StartSession(remote address.ProtocolAddress, stores *protocol.Stores, bundle *protocol.PreKeyBundle) error {
	trusted, err := stores.Identities.IsTrustedIdentity(remote, bundle.IdentityKey, protocol.Sending)
	if err != nil {
		return fmt.Errorf("drcipher: error checking trust for %s: %w", remote, err)
	}
	if !trusted {
		return &protocol.UntrustedIdentityError{Identifier: string(remote.Identifier)}
	}

	ourIdentity, err := stores.Identities.LocalIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("drcipher: error loading identity key pair: %w", err)
	}

	basePub, basePriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return fmt.Errorf("drcipher: error generating base key: %w", err)
	}

	secret, err := senderSecret(ourIdentity.PrivateKey, basePriv[:], bundle)
	if err != nil {
		return err
	}

	sess := &Session{ID: []byte(remote.String())}
	storage := &sessionStorageImpl{session: sess}
	if _, err := doubleratchet.NewWithRemoteKey(
		sess.ID,
		secret,
		bundle.SignedPreKeyPublic,
		storage,
		doubleratchet.WithCrypto(&cryptoImpl{}),
		doubleratchet.WithKeysStorage(keysStorageImpl{session: sess}),
	); err != nil {
		return fmt.Errorf("drcipher: error creating ratchet for %s: %w", remote, err)
	}
	sess.Pending = &pendingPreKey{
		RegistrationID: bundle.RegistrationID,
		PreKeyID:       bundle.PreKeyID,
		SignedPreKeyID: bundle.SignedPreKeyID,
		BaseKeyPub:     basePub[:],
		BaseKeyPriv:    basePriv[:],
	}

	if _, err := stores.Identities.SaveIdentity(remote, bundle.IdentityKey); err != nil {
		return fmt.Errorf("drcipher: error saving identity for %s: %w", remote, err)
	}
	if err := stores.Sessions.StoreSession(remote, sess); err != nil {
		return fmt.Errorf("drcipher: error storing session for %s: %w", remote, err)
	}
	return nil
}

// Encrypt encrypts a plaintext for the remote device, returning the message
// type and serialized message. Messages carry the prekey agreement material
// until the peer's first reply clears the pending state.
func (e *Engine) Encrypt(remote address.ProtocolAddress, stores *protocol.Stores, plaintext []byte) (int, []byte, error) {
	sess, err := loadSession(stores, remote)
	if err != nil {
		return 0, nil, err
	}
	if sess == nil || sess.Current == nil {
		return 0, nil, protocol.ErrNoSession
	}

	wm, err := ratchetEncrypt(sess, plaintext)
	if err != nil {
		return 0, nil, fmt.Errorf("drcipher: error encrypting for %s: %w", remote, err)
	}

	msgType := protocol.MessageTypeWhisper
	var serialized []byte
	if sess.Pending != nil {
		ourIdentity, err := stores.Identities.LocalIdentityKeyPair()
		if err != nil {
			return 0, nil, fmt.Errorf("drcipher: error loading identity key pair: %w", err)
		}
		msgType = protocol.MessageTypePreKey
		serialized, err = json.Marshal(&preKeyMessage{
			RegistrationID: sess.Pending.RegistrationID,
			PreKeyID:       sess.Pending.PreKeyID,
			SignedPreKeyID: sess.Pending.SignedPreKeyID,
			BaseKey:        sess.Pending.BaseKeyPub,
			IdentityKey:    ourIdentity.PublicKey,
			Message:        *wm,
		})
		if err != nil {
			return 0, nil, fmt.Errorf("drcipher: error serializing prekey message: %w", err)
		}
	} else {
		serialized, err = json.Marshal(wm)
		if err != nil {
			return 0, nil, fmt.Errorf("drcipher: error serializing message: %w", err)
		}
	}

	if err := stores.Sessions.StoreSession(remote, sess); err != nil {
		return 0, nil, fmt.Errorf("drcipher: error storing session for %s: %w", remote, err)
	}
	return msgType, serialized, nil
}

// DecryptWhisper decrypts a regular double-ratchet message with the existing
// session for the sender.
func (e *Engine) DecryptWhisper(remote address.ProtocolAddress, stores *protocol.Stores, serialized []byte) ([]byte, error) {
	wm := &whisperMessage{}
	if err := json.Unmarshal(serialized, wm); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}

	sess, err := loadSession(stores, remote)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Current == nil {
		return nil, protocol.ErrNoSession
	}

	plaintext, err := decryptWithSession(sess, wm)
	if err != nil {
		return nil, err
	}

	// A whisper message proves the peer processed our prekey message, so the
	// agreement material no longer needs to be sent.
	sess.Pending = nil

	if err := stores.Sessions.StoreSession(remote, sess); err != nil {
		return nil, fmt.Errorf("drcipher: error storing session for %s: %w", remote, err)
	}
	return plaintext, nil
}

// DecryptPreKey processes a prekey message, establishing the inbound session
// if needed and decrypting the carried whisper message. The one-time prekey
// is consumed only after a successful decrypt.
func (e *Engine) DecryptPreKey(remote address.ProtocolAddress, stores *protocol.Stores, serialized []byte) ([]byte, error) {
	pkm := &preKeyMessage{}
	if err := json.Unmarshal(serialized, pkm); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}

	trusted, err := stores.Identities.IsTrustedIdentity(remote, pkm.IdentityKey, protocol.Receiving)
	if err != nil {
		return nil, fmt.Errorf("drcipher: error checking trust for %s: %w", remote, err)
	}
	if !trusted {
		return nil, &protocol.UntrustedIdentityError{Identifier: string(remote.Identifier)}
	}

	sess, err := loadSession(stores, remote)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &Session{ID: []byte(remote.String())}
	}

	// A repeated prekey message for a session we already built rides the
	// existing chain instead of re-running the agreement. Establishment is
	// destructive, archiving the live chain before the ciphertext has
	// proven itself, so it runs on a scratch copy: a forged prekey message
	// that fails to decrypt cannot displace a working session.
	if sess.Current == nil || !bytes.Equal(sess.RemoteBaseKey, pkm.BaseKey) {
		scratch, err := cloneSession(sess)
		if err != nil {
			return nil, err
		}
		if err := e.establishInbound(stores, scratch, pkm); err != nil {
			return nil, err
		}
		sess = scratch
	}

	plaintext, err := decryptWithSession(sess, &pkm.Message)
	if err != nil {
		return nil, err
	}

	if _, err := stores.Identities.SaveIdentity(remote, pkm.IdentityKey); err != nil {
		return nil, fmt.Errorf("drcipher: error saving identity for %s: %w", remote, err)
	}
	if err := stores.Sessions.StoreSession(remote, sess); err != nil {
		return nil, fmt.Errorf("drcipher: error storing session for %s: %w", remote, err)
	}
	if pkm.PreKeyID != nil {
		if err := stores.PreKeys.RemovePreKey(*pkm.PreKeyID); err != nil {
			return nil, fmt.Errorf("drcipher: error removing prekey %d: %w", *pkm.PreKeyID, err)
		}
	}
	return plaintext, nil
}

func (e *Engine) establishInbound(stores *protocol.Stores, sess *Session, pkm *preKeyMessage) error {
	ourIdentity, err := stores.Identities.LocalIdentityKeyPair()
	if err != nil {
		return fmt.Errorf("drcipher: error loading identity key pair: %w", err)
	}
	signedPreKey, err := stores.SignedPreKeys.LoadSignedPreKey(pkm.SignedPreKeyID)
	if err != nil {
		return fmt.Errorf("drcipher: error loading signed prekey %d: %w", pkm.SignedPreKeyID, err)
	}
	if signedPreKey == nil {
		return fmt.Errorf("drcipher: no signed prekey %d: %w", pkm.SignedPreKeyID, protocol.ErrInvalidMessage)
	}
	var oneTimePreKey *protocol.KeyPair
	if pkm.PreKeyID != nil {
		oneTimePreKey, err = stores.PreKeys.LoadPreKey(*pkm.PreKeyID)
		if err != nil {
			return fmt.Errorf("drcipher: error loading prekey %d: %w", *pkm.PreKeyID, err)
		}
		if oneTimePreKey == nil {
			return fmt.Errorf("drcipher: no prekey %d: %w", *pkm.PreKeyID, protocol.ErrInvalidMessage)
		}
	}

	secret, err := receiverSecret(ourIdentity.PrivateKey, signedPreKey, oneTimePreKey, pkm)
	if err != nil {
		return err
	}

	if sess.Current != nil {
		sess.ArchiveCurrentState()
	}
	storage := &sessionStorageImpl{session: sess}
	if _, err := doubleratchet.New(
		sess.ID,
		secret,
		dhPairImpl{privateKey: *crypto.SliceToKey(signedPreKey.PrivateKey), publicKey: *crypto.SliceToKey(signedPreKey.PublicKey)},
		storage,
		doubleratchet.WithCrypto(&cryptoImpl{}),
		doubleratchet.WithKeysStorage(keysStorageImpl{session: sess}),
	); err != nil {
		return fmt.Errorf("drcipher: error creating ratchet: %w", err)
	}
	sess.RemoteBaseKey = pkm.BaseKey
	sess.Pending = nil
	return nil
}

// senderSecret derives the shared session secret on the initiating side.
func senderSecret(identityPriv, basePriv []byte, bundle *protocol.PreKeyBundle) ([]byte, error) {
	material := bytes.NewBuffer(nil)
	material.Write(crypto.DH(identityPriv, bundle.SignedPreKeyPublic))
	material.Write(crypto.DH(basePriv, bundle.IdentityKey))
	material.Write(crypto.DH(basePriv, bundle.SignedPreKeyPublic))
	if bundle.PreKeyPublic != nil {
		material.Write(crypto.DH(basePriv, bundle.PreKeyPublic))
	}
	secret, err := crypto.DeriveSecret(material.Bytes(), agreementInfo)
	if err != nil {
		return nil, fmt.Errorf("drcipher: error deriving secret: %w", err)
	}
	return secret, nil
}

// receiverSecret mirrors senderSecret on the receiving side.
func receiverSecret(identityPriv []byte, signedPreKey *protocol.KeyPair, oneTimePreKey *protocol.KeyPair, pkm *preKeyMessage) ([]byte, error) {
	material := bytes.NewBuffer(nil)
	material.Write(crypto.DH(signedPreKey.PrivateKey, pkm.IdentityKey))
	material.Write(crypto.DH(identityPriv, pkm.BaseKey))
	material.Write(crypto.DH(signedPreKey.PrivateKey, pkm.BaseKey))
	if oneTimePreKey != nil {
		material.Write(crypto.DH(oneTimePreKey.PrivateKey, pkm.BaseKey))
	}
	secret, err := crypto.DeriveSecret(material.Bytes(), agreementInfo)
	if err != nil {
		return nil, fmt.Errorf("drcipher: error deriving secret: %w", err)
	}
	return secret, nil
}

// cloneSession round-trips a session through its serialized form so the
// caller's object stays untouched by whatever happens to the copy.
func cloneSession(sess *Session) (*Session, error) {
	data, err := sess.Serialize()
	if err != nil {
		return nil, fmt.Errorf("drcipher: error cloning session: %w", err)
	}
	clone := &Session{}
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("drcipher: error cloning session: %w", err)
	}
	return clone, nil
}

func loadSession(stores *protocol.Stores, remote address.ProtocolAddress) (*Session, error) {
	ps, err := stores.Sessions.LoadSession(remote)
	if err != nil {
		return nil, fmt.Errorf("drcipher: error loading session for %s: %w", remote, err)
	}
	if ps == nil {
		return nil, nil
	}
	sess, ok := ps.(*Session)
	if !ok {
		return nil, fmt.Errorf("drcipher: unexpected session type %T for %s", ps, remote)
	}
	return sess, nil
}

func ratchetEncrypt(sess *Session, plaintext []byte) (*whisperMessage, error) {
	dr, err := loadRatchet(sess)
	if err != nil {
		return nil, err
	}
	msg, err := dr.RatchetEncrypt(plaintext, nil)
	if err != nil {
		return nil, err
	}
	return &whisperMessage{
		DH:         msg.Header.DH,
		N:          msg.Header.N,
		PN:         msg.Header.PN,
		Ciphertext: msg.Ciphertext,
	}, nil
}

// decryptWithSession decrypts a whisper message against the current chain,
// falling back to archived chains so a straggler sent before a session reset
// still decrypts. Exact replays are reported as duplicates rather than
// decryption failures.
func decryptWithSession(sess *Session, wm *whisperMessage) ([]byte, error) {
	plaintext, err := decryptWithChain(sess, wm)
	if err == nil || errors.Is(err, protocol.ErrDuplicateMessage) {
		return plaintext, err
	}
	for i, archived := range sess.Archived {
		scratch := &Session{ID: sess.ID, Current: archived}
		plaintext, archivedErr := decryptWithChain(scratch, wm)
		if archivedErr == nil {
			sess.Archived[i] = scratch.Current
			return plaintext, nil
		}
		if errors.Is(archivedErr, protocol.ErrDuplicateMessage) {
			return nil, archivedErr
		}
	}
	return nil, err
}

func decryptWithChain(sess *Session, wm *whisperMessage) ([]byte, error) {
	st := sess.Current
	if bytes.Equal(wm.DH, st.Dhr) && wm.N < st.RecvChCount && !st.hasSkippedKey(wm.DH, uint(wm.N)) {
		return nil, protocol.ErrDuplicateMessage
	}

	dr, err := loadRatchet(sess)
	if err != nil {
		return nil, err
	}
	plaintext, err := dr.RatchetDecrypt(doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: wm.DH,
			N:  wm.N,
			PN: wm.PN,
		},
		Ciphertext: wm.Ciphertext,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidMessage, err)
	}
	return plaintext, nil
}

func loadRatchet(sess *Session) (doubleratchet.Session, error) {
	dr, err := doubleratchet.Load(
		sess.ID,
		&sessionStorageImpl{session: sess},
		doubleratchet.WithCrypto(&cryptoImpl{}),
		doubleratchet.WithKeysStorage(keysStorageImpl{session: sess}),
	)
	if err != nil {
		return nil, fmt.Errorf("drcipher: error loading ratchet: %w", err)
	}
	return dr, nil
}
