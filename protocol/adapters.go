package protocol

import (
	"fmt"

	"github.com/meow-io/go-ready/address"
)

// The adapters are stateless views over the Store scoped to one local
// account and one zone, shaped to what a cipher engine expects. They hold no
// state of their own.

type SessionStoreAdapter struct {
	store *Store
	our   address.ServiceID
	zone  *Zone
}

type IdentityStoreAdapter struct {
	store *Store
	our   address.ServiceID
}

type PreKeyStoreAdapter struct {
	store *Store
	our   address.ServiceID
}

type SignedPreKeyStoreAdapter struct {
	store *Store
	our   address.ServiceID
}

// NewStores builds the four adapter views handed to a cipher engine for one
// call, scoped to a local account and zone.
func (s *Store) NewStores(our address.ServiceID, zone *Zone) *Stores {
	return &Stores{
		Sessions:      &SessionStoreAdapter{store: s, our: our, zone: zone},
		Identities:    &IdentityStoreAdapter{store: s, our: our},
		PreKeys:       &PreKeyStoreAdapter{store: s, our: our},
		SignedPreKeys: &SignedPreKeyStoreAdapter{store: s, our: our},
	}
}

func (a *SessionStoreAdapter) LoadSession(addr address.ProtocolAddress) (Session, error) {
	return a.store.LoadSession(address.NewQualifiedAddress(a.our, addr), a.zone)
}

func (a *SessionStoreAdapter) StoreSession(addr address.ProtocolAddress, session Session) error {
	return a.store.StoreSession(address.NewQualifiedAddress(a.our, addr), session, a.zone)
}

func (a *IdentityStoreAdapter) IsTrustedIdentity(addr address.ProtocolAddress, publicKey []byte, direction Direction) (bool, error) {
	return a.store.IsTrustedIdentity(address.NewQualifiedAddress(a.our, addr), publicKey, direction)
}

func (a *IdentityStoreAdapter) SaveIdentity(addr address.ProtocolAddress, publicKey []byte) (bool, error) {
	return a.store.SaveIdentity(address.NewQualifiedAddress(a.our, addr), publicKey, false)
}

func (a *IdentityStoreAdapter) LocalIdentityKeyPair() (*KeyPair, error) {
	account, err := a.store.GetAccount(a.our)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("protocol: no account %s", a.our)
	}
	return &KeyPair{PublicKey: account.IdentityKeyPublic, PrivateKey: account.IdentityKeyPrivate}, nil
}

func (a *IdentityStoreAdapter) LocalRegistrationID() (uint32, error) {
	account, err := a.store.GetAccount(a.our)
	if err != nil {
		return 0, err
	}
	if account == nil {
		return 0, fmt.Errorf("protocol: no account %s", a.our)
	}
	return account.RegistrationID, nil
}

func (a *PreKeyStoreAdapter) LoadPreKey(keyID uint32) (*KeyPair, error) {
	return a.store.LoadPreKey(a.our, keyID)
}

func (a *PreKeyStoreAdapter) RemovePreKey(keyID uint32) error {
	return a.store.RemovePreKey(a.our, keyID)
}

func (a *SignedPreKeyStoreAdapter) LoadSignedPreKey(keyID uint32) (*KeyPair, error) {
	record, err := a.store.LoadSignedPreKey(a.our, keyID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return &KeyPair{PublicKey: record.PublicKey, PrivateKey: record.PrivateKey}, nil
}
