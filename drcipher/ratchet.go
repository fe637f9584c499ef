package drcipher

import (
	"bytes"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-ready/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

// ratchetState is the serializable snapshot of one doubleratchet chain,
// including skipped message keys.
type ratchetState struct {
	Dhr                      []byte        `json:"dhr"`
	DhsPub                   []byte        `json:"dhs_pub"`
	DhsPriv                  []byte        `json:"dhs_priv"`
	RootChKey                []byte        `json:"root_ch_key"`
	SendChKey                []byte        `json:"send_ch_key"`
	SendChCount              uint32        `json:"send_ch_count"`
	RecvChKey                []byte        `json:"recv_ch_key"`
	RecvChCount              uint32        `json:"recv_ch_count"`
	PN                       uint32        `json:"pn"`
	MaxSkip                  uint          `json:"max_skip"`
	HKr                      []byte        `json:"hkr"`
	NHKr                     []byte        `json:"nhkr"`
	HKs                      []byte        `json:"hks"`
	NHKs                     []byte        `json:"nhks"`
	MaxKeep                  uint          `json:"max_keep"`
	MaxMessageKeysPerSession int           `json:"mmk_per_session"`
	Step                     uint          `json:"step"`
	KeysCount                uint          `json:"keys_count"`
	Skipped                  []*skippedKey `json:"skipped,omitempty"`
}

type skippedKey struct {
	PubKey     []byte `json:"pub_key"`
	MessageKey []byte `json:"message_key"`
	MsgNum     uint   `json:"msg_num"`
	SeqNum     uint   `json:"seq_num"`
}

func (rs *ratchetState) hasSkippedKey(pubKey []byte, msgNum uint) bool {
	for _, sk := range rs.Skipped {
		if bytes.Equal(sk.PubKey, pubKey) && sk.MsgNum == msgNum {
			return true
		}
	}
	return false
}

// sessionStorageImpl bridges a ratchetState to the doubleratchet library's
// storage interface. State lives in memory; durability is the protocol
// store's concern, via Session.Serialize.
type sessionStorageImpl struct {
	session *Session
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s := ss.session.Current
	if s == nil {
		return nil, nil
	}

	drc := &cryptoImpl{}

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{session: ss.session},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	var skipped []*skippedKey
	if ss.session.Current != nil {
		skipped = ss.session.Current.Skipped
	}
	ss.session.Current = &ratchetState{
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
		Skipped:                  skipped,
	}
	return nil
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.DH(dhPair.PrivateKey(), dhPub), nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	session *Session
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	st := ks.session.Current
	if st == nil {
		return nil, false, nil
	}
	for _, sk := range st.Skipped {
		if bytes.Equal(sk.PubKey, k) && sk.MsgNum == msgNum {
			return sk.MessageKey, true, nil
		}
	}
	return nil, false, nil
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	st := ks.session.Current
	if st == nil {
		return fmt.Errorf("drcipher: no state to put skipped key into")
	}
	st.Skipped = append(st.Skipped, &skippedKey{PubKey: k, MessageKey: mk, MsgNum: msgNum, SeqNum: keySeqNum})
	return nil
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	st := ks.session.Current
	if st == nil {
		return nil
	}
	kept := st.Skipped[:0]
	for _, sk := range st.Skipped {
		if bytes.Equal(sk.PubKey, k) && sk.MsgNum == msgNum {
			continue
		}
		kept = append(kept, sk)
	}
	st.Skipped = kept
	return nil
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	st := ks.session.Current
	if st == nil {
		return nil
	}
	kept := st.Skipped[:0]
	for _, sk := range st.Skipped {
		if sk.SeqNum < deleteUntilSeqKey {
			continue
		}
		kept = append(kept, sk)
	}
	st.Skipped = kept
	return nil
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	st := ks.session.Current
	if st == nil {
		return nil
	}
	if len(st.Skipped) <= maxKeys {
		return nil
	}
	st.Skipped = st.Skipped[len(st.Skipped)-maxKeys:]
	return nil
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	st := ks.session.Current
	if st == nil {
		return 0, nil
	}
	count := uint(0)
	for _, sk := range st.Skipped {
		if bytes.Equal(sk.PubKey, k) {
			count++
		}
	}
	return count, nil
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}
