// Package ready is the session-state manager and message-decryption pipeline
// of an end-to-end-encrypted messaging client. It owns ratchet sessions,
// identity keys and prekeys, mediates every read and write of that state
// behind zone transactions, and runs the pipeline that turns encrypted
// envelopes from a transport into typed updates for the application layer.
package ready

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-ready/address"
	"github.com/meow-io/go-ready/clock"
	"github.com/meow-io/go-ready/config"
	"github.com/meow-io/go-ready/drcipher"
	"github.com/meow-io/go-ready/internal/db"
	"github.com/meow-io/go-ready/protocol"
	"github.com/meow-io/go-ready/receiver"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// An event indicating a change in the state of Ready.
type AppState struct {
	State int
}

type Ready struct {
	DB       *db.Database
	config   *config.Config
	log      *zap.SugaredLogger
	state    int
	clock    clock.Clock
	store    *protocol.Store
	receiver *receiver.Receiver
	blocked  receiver.BlockedChecker
	updates  chan interface{}
	stop     chan struct{}
	finished sync.WaitGroup
}

// Create a ready instance. A nil blocked checker means no sender is blocked.
func NewReady(c *config.Config, blocked receiver.BlockedChecker) (*Ready, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making ready, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Ready{
		DB:      database,
		config:  c,
		log:     log,
		state:   state,
		clock:   cl,
		blocked: blocked,
		updates: make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password
func (r *Ready) NewKey(password string) ([]byte, error) {
	return newKey(password, r.config.RootDir, "salt")
}

// Gets updates produced by the store and the receiver pipeline.
func (r *Ready) Updates() chan interface{} {
	return r.updates
}

// Returns true if ready is in NEW state.
func (r *Ready) New() bool {
	return r.state == StateNew
}

// Returns true if ready is in INITIALIZED state.
func (r *Ready) Initialized() bool {
	return r.state == StateInitialized
}

// Returns true if ready is in RUNNING state.
func (r *Ready) Running() bool {
	return r.state == StateRunning
}

// Initialize ready with a given key.
func (r *Ready) Initialize(key []byte) error {
	if r.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := r.DB.Initialize(key); err != nil {
		return err
	}
	r.setState(StateInitialized)
	return r.Open(key)
}

// Open an existing ready with a given key. Hydrates every cache and starts
// the receiver pipeline, replaying any unprocessed envelopes left behind by
// the previous run.
func (r *Ready) Open(key []byte) error {
	if r.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := r.DB.Open(key); err != nil {
		return err
	}

	if err := r.DB.Lock("initializing subsystems", func() error {
		store, err := protocol.NewStore(r.config, r.DB, drcipher.NewEngine(), r.clock)
		if err != nil {
			return err
		}
		r.store = store
		r.receiver = receiver.New(r.config, store, r.clock, r.blocked)
		return nil
	}); err != nil {
		return err
	}

	if err := r.store.HydrateCaches(); err != nil {
		return err
	}
	if err := r.receiver.Start(); err != nil {
		return err
	}

	r.stop = make(chan struct{})
	r.setState(StateRunning)
	r.startUpdatePassing()
	return nil
}

// Store exposes the protocol store for callers that manage accounts, prekeys
// and identity verification directly.
func (r *Ready) Store() *protocol.Store {
	return r.store
}

// HandleNewMessage queues a transport envelope for decryption.
func (r *Ready) HandleNewMessage(env *receiver.Envelope, background bool) error {
	if r.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, r.state)
	}
	return r.receiver.HandleNewMessage(env, background)
}

// CreateAccount generates a fresh identity key pair and registration id for
// a local account and persists it.
func (r *Ready) CreateAccount(id address.ServiceID, deviceID uint32) (*protocol.Account, error) {
	if r.state != StateRunning {
		return nil, fmt.Errorf("expected state %d, was %d", StateRunning, r.state)
	}
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	var regBytes [4]byte
	if _, err := crypto_rand.Read(regBytes[:]); err != nil {
		return nil, err
	}
	account := &protocol.Account{
		ID:                 id,
		DeviceID:           deviceID,
		RegistrationID:     binary.BigEndian.Uint32(regBytes[:]) & 0x3fff,
		IdentityKeyPublic:  pub[:],
		IdentityKeyPrivate: priv[:],
	}
	if err := r.store.SaveAccount(account); err != nil {
		return nil, err
	}
	return account, nil
}

// GeneratePreKeys creates count one-time prekeys starting at startID.
func (r *Ready) GeneratePreKeys(our address.ServiceID, startID uint32, count int) error {
	if r.state != StateRunning {
		return fmt.Errorf("expected state %d, was %d", StateRunning, r.state)
	}
	for i := 0; i < count; i++ {
		pub, priv, err := box.GenerateKey(crypto_rand.Reader)
		if err != nil {
			return err
		}
		kp := &protocol.KeyPair{PublicKey: pub[:], PrivateKey: priv[:]}
		if err := r.store.StorePreKey(our, startID+uint32(i), kp); err != nil {
			return err
		}
	}
	return nil
}

// GenerateSignedPreKey creates and stores a signed prekey, pruning older ones
// past the retention policy.
func (r *Ready) GenerateSignedPreKey(our address.ServiceID, keyID uint32) (*protocol.KeyPair, error) {
	if r.state != StateRunning {
		return nil, fmt.Errorf("expected state %d, was %d", StateRunning, r.state)
	}
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &protocol.KeyPair{PublicKey: pub[:], PrivateKey: priv[:]}
	if err := r.store.StoreSignedPreKey(our, keyID, kp, false); err != nil {
		return nil, err
	}
	if err := r.store.PruneSignedPreKeys(our); err != nil {
		return nil, err
	}
	return kp, nil
}

// Suspend stops every in-flight task deadline. Used when the host process is
// backgrounded so long timeouts do not fire spuriously while suspended.
func (r *Ready) Suspend() {
	if r.store != nil {
		r.store.Tasks().Suspend()
	}
}

// Resume restarts deadlines stopped by Suspend.
func (r *Ready) Resume() {
	if r.store != nil {
		r.store.Tasks().Resume()
	}
}

// Gracefully stop a running ready instance.
func (r *Ready) Shutdown() error {
	if r.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	close(r.stop)
	r.finished.Wait()
	r.receiver.Shutdown()
	if err := r.DB.Shutdown(); err != nil {
		return err
	}

	r.receiver = nil
	r.store = nil
	r.setState(StateInitialized)

	close(r.updates)
	r.updates = make(chan interface{}, 100)
	return nil
}

func (r *Ready) setState(state int) {
	r.state = state
	select {
	case r.updates <- &AppState{state}:
	default:
		r.log.Warnf("update channel full, dropping state update")
	}
}

func (r *Ready) startUpdatePassing() {
	r.finished.Add(1)
	go func() {
		defer r.finished.Done()
		for {
			select {
			case <-r.stop:
				return
			case e := <-r.store.Updates():
				r.log.Debugf("passing update: store %#v", e)
				r.updates <- e
			case e := <-r.receiver.Updates():
				r.log.Debugf("passing update: receiver %#v", e)
				r.updates <- e
			}
		}
	}()
}
