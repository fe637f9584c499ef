package drcipher

import (
	crypto_rand "crypto/rand"
	"encoding/json"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-ready/address"
	"github.com/meow-io/go-ready/protocol"
	"github.com/stretchr/testify/require"
)

// memParty implements every store interface a cipher engine needs, backed by
// plain maps. Trust checks always pass; trust policy is the protocol store's
// concern, not the engine's.
type memParty struct {
	identity      *protocol.KeyPair
	regID         uint32
	sessions      map[string]protocol.Session
	identities    map[address.ServiceID][]byte
	prekeys       map[uint32]*protocol.KeyPair
	signedPrekeys map[uint32]*protocol.KeyPair
}

func newMemParty(t *testing.T) *memParty {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	return &memParty{
		identity:      &protocol.KeyPair{PublicKey: pub[:], PrivateKey: priv[:]},
		regID:         42,
		sessions:      make(map[string]protocol.Session),
		identities:    make(map[address.ServiceID][]byte),
		prekeys:       make(map[uint32]*protocol.KeyPair),
		signedPrekeys: make(map[uint32]*protocol.KeyPair),
	}
}

func (p *memParty) LoadSession(addr address.ProtocolAddress) (protocol.Session, error) {
	return p.sessions[addr.String()], nil
}

func (p *memParty) StoreSession(addr address.ProtocolAddress, session protocol.Session) error {
	p.sessions[addr.String()] = session
	return nil
}

func (p *memParty) IsTrustedIdentity(addr address.ProtocolAddress, publicKey []byte, direction protocol.Direction) (bool, error) {
	return true, nil
}

func (p *memParty) SaveIdentity(addr address.ProtocolAddress, publicKey []byte) (bool, error) {
	p.identities[addr.Identifier] = publicKey
	return false, nil
}

func (p *memParty) LocalIdentityKeyPair() (*protocol.KeyPair, error) {
	return p.identity, nil
}

func (p *memParty) LocalRegistrationID() (uint32, error) {
	return p.regID, nil
}

func (p *memParty) LoadPreKey(keyID uint32) (*protocol.KeyPair, error) {
	return p.prekeys[keyID], nil
}

func (p *memParty) RemovePreKey(keyID uint32) error {
	delete(p.prekeys, keyID)
	return nil
}

func (p *memParty) LoadSignedPreKey(keyID uint32) (*protocol.KeyPair, error) {
	return p.signedPrekeys[keyID], nil
}

func (p *memParty) stores() *protocol.Stores {
	return &protocol.Stores{Sessions: p, Identities: p, PreKeys: p, SignedPreKeys: p}
}

func newKeyPair(t *testing.T) *protocol.KeyPair {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	return &protocol.KeyPair{PublicKey: pub[:], PrivateKey: priv[:]}
}

func bundleFor(p *memParty, preKeyID, signedPreKeyID uint32) *protocol.PreKeyBundle {
	return &protocol.PreKeyBundle{
		RegistrationID:     p.regID,
		DeviceID:           1,
		PreKeyID:           &preKeyID,
		PreKeyPublic:       p.prekeys[preKeyID].PublicKey,
		SignedPreKeyID:     signedPreKeyID,
		SignedPreKeyPublic: p.signedPrekeys[signedPreKeyID].PublicKey,
		IdentityKey:        p.identity.PublicKey,
	}
}

func establish(t *testing.T) (*Engine, *memParty, *memParty, address.ProtocolAddress, address.ProtocolAddress) {
	require := require.New(t)
	e := NewEngine()
	alice := newMemParty(t)
	bob := newMemParty(t)
	bob.prekeys[1] = newKeyPair(t)
	bob.signedPrekeys[1] = newKeyPair(t)

	aliceAddr := address.NewProtocolAddress("alice", 1)
	bobAddr := address.NewProtocolAddress("bob", 1)

	require.Nil(e.StartSession(bobAddr, alice.stores(), bundleFor(bob, 1, 1)))
	return e, alice, bob, aliceAddr, bobAddr
}

func TestPreKeyRoundTrip(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	typ, ct, err := e.Encrypt(bobAddr, alice.stores(), []byte("hello bob"))
	require.Nil(err)
	require.Equal(protocol.MessageTypePreKey, typ)

	pt, err := e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)
	require.Equal([]byte("hello bob"), pt)

	// The one-time prekey is consumed on use.
	require.NotContains(bob.prekeys, uint32(1))
	// Bob learned alice's identity key.
	require.Equal(alice.identity.PublicKey, bob.identities["alice"])
}

func TestDuplicatePreKeyMessage(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	_, ct, err := e.Encrypt(bobAddr, alice.stores(), []byte("first"))
	require.Nil(err)
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)

	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.ErrorIs(err, protocol.ErrDuplicateMessage)
}

func TestWhisperReplyClearsPendingState(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	// Until bob answers, every outbound message repeats the prekey material.
	typ, ct, err := e.Encrypt(bobAddr, alice.stores(), []byte("one"))
	require.Nil(err)
	require.Equal(protocol.MessageTypePreKey, typ)
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)
	typ, ct, err = e.Encrypt(bobAddr, alice.stores(), []byte("two"))
	require.Nil(err)
	require.Equal(protocol.MessageTypePreKey, typ)
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)

	typ, ct, err = e.Encrypt(aliceAddr, bob.stores(), []byte("reply"))
	require.Nil(err)
	require.Equal(protocol.MessageTypeWhisper, typ)
	pt, err := e.DecryptWhisper(bobAddr, alice.stores(), ct)
	require.Nil(err)
	require.Equal([]byte("reply"), pt)

	typ, _, err = e.Encrypt(bobAddr, alice.stores(), []byte("three"))
	require.Nil(err)
	require.Equal(protocol.MessageTypeWhisper, typ)
}

func TestOutOfOrderDelivery(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	_, first, err := e.Encrypt(bobAddr, alice.stores(), []byte("first"))
	require.Nil(err)
	_, second, err := e.Encrypt(bobAddr, alice.stores(), []byte("second"))
	require.Nil(err)

	pt, err := e.DecryptPreKey(aliceAddr, bob.stores(), second)
	require.Nil(err)
	require.Equal([]byte("second"), pt)

	// The skipped message key still decrypts the older message.
	pt, err = e.DecryptPreKey(aliceAddr, bob.stores(), first)
	require.Nil(err)
	require.Equal([]byte("first"), pt)

	// Replaying it after its skipped key is consumed is a duplicate.
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), first)
	require.ErrorIs(err, protocol.ErrDuplicateMessage)
}

func TestNoSession(t *testing.T) {
	require := require.New(t)
	e := NewEngine()
	bob := newMemParty(t)
	addr := address.NewProtocolAddress("stranger", 1)

	_, _, err := e.Encrypt(addr, bob.stores(), []byte("x"))
	require.ErrorIs(err, protocol.ErrNoSession)

	_, err = e.DecryptWhisper(addr, bob.stores(), []byte(`{"dh":"","n":0,"pn":0,"body":""}`))
	require.ErrorIs(err, protocol.ErrNoSession)
}

func TestSessionSerializeRoundTrip(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	_, ct, err := e.Encrypt(bobAddr, alice.stores(), []byte("hello"))
	require.Nil(err)
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)

	raw, err := bob.sessions[aliceAddr.String()].Serialize()
	require.Nil(err)
	restored, err := e.DeserializeSession(raw)
	require.Nil(err)
	require.True(restored.HaveOpenSession())
	bob.sessions[aliceAddr.String()] = restored

	// The restored session still advances the ratchet.
	typ, reply, err := e.Encrypt(aliceAddr, bob.stores(), []byte("restored reply"))
	require.Nil(err)
	require.Equal(protocol.MessageTypeWhisper, typ)
	pt, err := e.DecryptWhisper(bobAddr, alice.stores(), reply)
	require.Nil(err)
	require.Equal([]byte("restored reply"), pt)
}

func TestArchiveClosesSession(t *testing.T) {
	require := require.New(t)
	e, alice, _, _, bobAddr := establish(t)

	sess := alice.sessions[bobAddr.String()]
	require.True(sess.HaveOpenSession())
	sess.ArchiveCurrentState()
	require.False(sess.HaveOpenSession())

	_, _, err := e.Encrypt(bobAddr, alice.stores(), []byte("x"))
	require.ErrorIs(err, protocol.ErrNoSession)
}

func TestForgedPreKeyMessageLeavesSessionUsable(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	_, ct, err := e.Encrypt(bobAddr, alice.stores(), []byte("first"))
	require.Nil(err)
	pt, err := e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)
	require.Equal([]byte("first"), pt)

	// A fresh base key forces re-establishment; the garbage ciphertext then
	// fails authentication.
	forged, err := json.Marshal(&preKeyMessage{
		RegistrationID: 7,
		SignedPreKeyID: 1,
		BaseKey:        newKeyPair(t).PublicKey,
		IdentityKey:    newKeyPair(t).PublicKey,
		Message:        whisperMessage{DH: newKeyPair(t).PublicKey, Ciphertext: []byte("garbage")},
	})
	require.Nil(err)
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), forged)
	require.ErrorIs(err, protocol.ErrInvalidMessage)

	// The failed establishment left the stored session untouched, so the
	// real peer's next message still decrypts.
	require.True(bob.sessions[aliceAddr.String()].HaveOpenSession())
	_, ct, err = e.Encrypt(bobAddr, alice.stores(), []byte("second"))
	require.Nil(err)
	pt, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)
	require.Equal([]byte("second"), pt)
}

func TestArchivedChainDecryptsStraggler(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	_, ct, err := e.Encrypt(bobAddr, alice.stores(), []byte("first"))
	require.Nil(err)
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)
	_, reply, err := e.Encrypt(aliceAddr, bob.stores(), []byte("reply"))
	require.Nil(err)
	_, err = e.DecryptWhisper(bobAddr, alice.stores(), reply)
	require.Nil(err)

	// Sent on the old chain, delivered after the session reset below.
	typ, straggler, err := e.Encrypt(bobAddr, alice.stores(), []byte("late"))
	require.Nil(err)
	require.Equal(protocol.MessageTypeWhisper, typ)

	// Alice reinstalls and re-establishes with a fresh bundle; bob archives
	// the old chain.
	delete(alice.sessions, bobAddr.String())
	bob.prekeys[2] = newKeyPair(t)
	bob.signedPrekeys[2] = newKeyPair(t)
	require.Nil(e.StartSession(bobAddr, alice.stores(), bundleFor(bob, 2, 2)))
	_, ct, err = e.Encrypt(bobAddr, alice.stores(), []byte("fresh"))
	require.Nil(err)
	pt, err := e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)
	require.Equal([]byte("fresh"), pt)

	pt, err = e.DecryptWhisper(aliceAddr, bob.stores(), straggler)
	require.Nil(err)
	require.Equal([]byte("late"), pt)

	// Replaying it is a duplicate even on the archived chain.
	_, err = e.DecryptWhisper(aliceAddr, bob.stores(), straggler)
	require.ErrorIs(err, protocol.ErrDuplicateMessage)
}

func TestInvalidCiphertext(t *testing.T) {
	require := require.New(t)
	e, alice, bob, aliceAddr, bobAddr := establish(t)

	_, ct, err := e.Encrypt(bobAddr, alice.stores(), []byte("hi"))
	require.Nil(err)
	_, err = e.DecryptPreKey(aliceAddr, bob.stores(), ct)
	require.Nil(err)

	_, err = e.DecryptWhisper(bobAddr, alice.stores(), []byte("not json"))
	require.ErrorIs(err, protocol.ErrInvalidMessage)
}
