package ready

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-ready/address"
	"github.com/meow-io/go-ready/config"
	"github.com/meow-io/go-ready/internal/test"
	"github.com/meow-io/go-ready/protocol"
	"github.com/meow-io/go-ready/receiver"
	"github.com/stretchr/testify/require"
)

var (
	key1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	key2 = []byte{1, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 30}
)

func TestMain(m *testing.M) {
	test.DeleteAll("r1")
	test.DeleteAll("r2")
	os.Exit(m.Run())
}

func newReady(p string) *Ready {
	c := config.NewConfig(
		config.WithRootDir(p),
		config.WithLoggingPrefix(p),
	)
	r, err := NewReady(c, nil)
	if err != nil {
		panic(err)
	}
	return r
}

func teardownReady(r *Ready) {
	if err := r.Shutdown(); err != nil {
		panic(err)
	}
	test.DeleteAll(r.config.RootDir)
}

func waitForMessage(t *testing.T, r *Ready) *receiver.MessageUpdate {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-r.Updates():
			if m, ok := u.(*receiver.MessageUpdate); ok {
				return m
			}
		case <-deadline:
			t.Fatal("no message update arrived")
			return nil
		}
	}
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	r := newReady("r1")
	defer teardownReady(r)

	require.True(r.New())
	require.Nil(r.Initialize(key1))
	require.True(r.Running())

	account, err := r.CreateAccount("alice", 1)
	require.Nil(err)
	require.Equal(address.ServiceID("alice"), account.ID)
	require.Len(account.IdentityKeyPublic, 32)
	require.True(account.RegistrationID <= 0x3fff)

	require.Nil(r.GeneratePreKeys("alice", 1, 3))
	kp, err := r.GenerateSignedPreKey("alice", 1)
	require.Nil(err)
	require.Len(kp.PublicKey, 32)

	require.Nil(r.Shutdown())
	require.True(r.Initialized())

	// reopening finds everything hydrated again
	require.Nil(r.Open(key1))
	require.True(r.Running())
	got, err := r.Store().GetAccount("alice")
	require.Nil(err)
	require.NotNil(got)
	require.Equal(account.IdentityKeyPublic, got.IdentityKeyPublic)
	pre, err := r.Store().LoadPreKey("alice", 2)
	require.Nil(err)
	require.NotNil(pre)
}

func TestEndToEndMessage(t *testing.T) {
	require := require.New(t)
	r1 := newReady("r1")
	defer teardownReady(r1)
	r2 := newReady("r2")
	defer teardownReady(r2)

	require.Nil(r1.Initialize(key1))
	require.Nil(r2.Initialize(key2))

	_, err := r1.CreateAccount("alice", 1)
	require.Nil(err)
	bob, err := r2.CreateAccount("bob", 1)
	require.Nil(err)
	require.Nil(r2.GeneratePreKeys("bob", 1, 1))
	_, err = r2.GenerateSignedPreKey("bob", 1)
	require.Nil(err)

	// alice fetches bob's published bundle and starts a session
	pre, err := r2.Store().LoadPreKey("bob", 1)
	require.Nil(err)
	spk, err := r2.Store().LoadSignedPreKey("bob", 1)
	require.Nil(err)
	one := uint32(1)
	bundle := &protocol.PreKeyBundle{
		RegistrationID:     bob.RegistrationID,
		DeviceID:           bob.DeviceID,
		PreKeyID:           &one,
		PreKeyPublic:       pre.PublicKey,
		SignedPreKeyID:     1,
		SignedPreKeyPublic: spk.PublicKey,
		IdentityKey:        bob.IdentityKeyPublic,
	}
	bobAddr := address.NewProtocolAddress("bob", 1)
	require.Nil(r1.Store().Engine().StartSession(bobAddr, r1.Store().NewStores("alice", nil), bundle))

	plaintext, err := json.Marshal(map[string]interface{}{
		"data_message": map[string]interface{}{"body": "hello bob", "timestamp_ms": 4},
	})
	require.Nil(err)
	typ, ciphertext, err := r1.Store().Engine().Encrypt(bobAddr, r1.Store().NewStores("alice", nil), plaintext)
	require.Nil(err)
	require.Equal(protocol.MessageTypePreKey, typ)

	require.Nil(r2.HandleNewMessage(&receiver.Envelope{
		ServerGUID:       "guid-1",
		Type:             typ,
		DestinationID:    "bob",
		SourceIdentifier: "alice",
		SourceDevice:     1,
		TimestampMs:      uint64(time.Now().UnixMilli()),
		Content:          ciphertext,
	}, false))

	message := waitForMessage(t, r2)
	require.Equal("hello bob", message.Body)
	require.Equal(address.ServiceID("alice"), message.Source)
	require.Nil(message.Ack.Confirm())

	count, err := r2.Store().CountUnprocessed()
	require.Nil(err)
	require.Equal(0, count)

	// bob learned alice's identity on first contact
	record, err := r2.Store().GetIdentityRecord("bob", "alice")
	require.Nil(err)
	require.NotNil(record)
	require.True(record.FirstUse)
}
