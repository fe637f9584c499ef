// Package protocol owns all cryptographic session state for the local
// accounts: per-device ratchet sessions, identity keys, one-time and signed
// prekeys, and the durable cache of unprocessed envelopes. Every read and
// write of that state goes through the Store, which mediates them behind the
// zone transaction engine and per-peer job queues.
package protocol

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-ready/address"
	"github.com/meow-io/go-ready/clock"
	"github.com/meow-io/go-ready/config"
	"github.com/meow-io/go-ready/internal/db"
	"github.com/meow-io/go-ready/internal/serial"
	"github.com/meow-io/go-ready/task"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// An update indicating a peer's identity key changed.
type KeyChangeUpdate struct {
	OurAccountID address.ServiceID
	Identifier   address.ServiceID
}

// An update indicating a one-time prekey was consumed.
type RemovePreKeyUpdate struct {
	OurAccountID address.ServiceID
	KeyID        uint32
}

// An update indicating all protocol state was wiped.
type RemoveAllDataUpdate struct{}

// OpenDevices partitions a set of identifiers by whether at least one device
// session has an established, non-archived ratchet.
type OpenDevices struct {
	Devices          []address.ProtocolAddress
	EmptyIdentifiers []address.ServiceID
}

type Store struct {
	config *config.Config
	log    *zap.SugaredLogger
	clock  clock.Clock
	db     *database
	engine Engine

	tasks          *task.Registry
	sessionRunner  *serial.Runner
	identityRunner *serial.Runner

	mu            sync.Mutex
	hydrated      bool
	accounts      map[address.ServiceID]*Account
	sessions      map[string]*sessionEntry
	identityKeys  map[string]*IdentityKeyRecord
	preKeys       map[string]*PreKeyRecord
	signedPreKeys map[string]*SignedPreKeyRecord
	conversations map[string]*Conversation

	zoneMu             sync.Mutex
	currentZone        *Zone
	zoneDepth          int
	zoneCommitting     bool
	zoneWaiters        []*zoneWaiter
	pendingSessions    map[string]*sessionEntry
	pendingUnprocessed []*UnprocessedEnvelope

	updates chan interface{}
}

func NewStore(c *config.Config, internalDB *db.Database, engine Engine, cl clock.Clock) (*Store, error) {
	log := c.Logger("protocol/store")
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("protocol: error making store: %w", err)
	}

	tasks := task.NewRegistry(c.Logger("protocol/tasks"), cl, time.Duration(c.TaskTimeoutMs)*time.Millisecond)
	s := &Store{
		config:         c,
		log:            log,
		clock:          cl,
		db:             d,
		engine:         engine,
		tasks:          tasks,
		sessionRunner:  serial.NewRunner(c.Logger("protocol/session-queue"), tasks),
		identityRunner: serial.NewRunner(c.Logger("protocol/identity-queue"), tasks),
		accounts:       make(map[address.ServiceID]*Account),
		sessions:       make(map[string]*sessionEntry),
		identityKeys:   make(map[string]*IdentityKeyRecord),
		preKeys:        make(map[string]*PreKeyRecord),
		signedPreKeys:  make(map[string]*SignedPreKeyRecord),
		conversations:  make(map[string]*Conversation),
		updates:        make(chan interface{}, 100),
	}
	return s, nil
}

// Updates produces *KeyChangeUpdate, *RemovePreKeyUpdate and
// *RemoveAllDataUpdate values.
func (s *Store) Updates() chan interface{} {
	return s.updates
}

// Tasks exposes the deadline registry so the host can suspend and resume
// in-flight work when the process is backgrounded.
func (s *Store) Tasks() *task.Registry {
	return s.tasks
}

// Engine returns the cipher engine this store was built with.
func (s *Store) Engine() Engine {
	return s.engine
}

// RunOnSessionQueue serializes fn against every other ratchet-mutating
// operation for one qualified address.
func (s *Store) RunOnSessionQueue(qa address.QualifiedAddress, name string, fn func() error) error {
	return s.sessionRunner.Do(qa.String(), name, fn)
}

// HydrateCaches bulk-loads every row into the in-memory maps. It must
// complete before any accessor is valid; accessors called earlier return
// ErrNotHydrated.
func (s *Store) HydrateCaches() error {
	var (
		accounts      []*Account
		sessions      []*SessionRecord
		identityKeys  []*IdentityKeyRecord
		preKeys       []*PreKeyRecord
		signedPreKeys []*SignedPreKeyRecord
	)
	if err := s.db.Run("hydrating protocol caches", func() error {
		var err error
		if accounts, err = s.db.getAllAccounts(); err != nil {
			return err
		}
		if sessions, err = s.db.getAllSessions(); err != nil {
			return err
		}
		if identityKeys, err = s.db.getAllIdentityKeys(); err != nil {
			return err
		}
		if preKeys, err = s.db.getAllPreKeys(); err != nil {
			return err
		}
		signedPreKeys, err = s.db.getAllSignedPreKeys()
		return err
	}); err != nil {
		return fmt.Errorf("protocol: error hydrating caches: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Clear(s.accounts)
	maps.Clear(s.sessions)
	maps.Clear(s.identityKeys)
	maps.Clear(s.preKeys)
	maps.Clear(s.signedPreKeys)
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	for _, r := range sessions {
		s.sessions[r.ID] = newSessionEntry(r)
	}
	for _, k := range identityKeys {
		s.identityKeys[k.ID] = k
	}
	for _, k := range preKeys {
		s.preKeys[k.ID] = k
	}
	for _, k := range signedPreKeys {
		s.signedPreKeys[k.ID] = k
	}
	s.hydrated = true
	s.log.Debugf("hydrated %d accounts, %d sessions, %d identity keys, %d prekeys, %d signed prekeys",
		len(accounts), len(sessions), len(identityKeys), len(preKeys), len(signedPreKeys))
	return nil
}

func (s *Store) checkHydrated() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hydrated {
		return ErrNotHydrated
	}
	return nil
}

// Accounts

func (s *Store) GetAccount(our address.ServiceID) (*Account, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[our], nil
}

func (s *Store) SaveAccount(a *Account) error {
	if err := s.db.Run("saving account", func() error {
		return s.db.upsertAccount(a)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.accounts[a.ID] = a
	s.mu.Unlock()
	return nil
}

// Conversations

// GetOrCreateConversation resolves the conversation record for a peer,
// creating it if needed. It exists so session rows can be stamped with a
// conversation id.
func (s *Store) GetOrCreateConversation(our, identifier address.ServiceID, typ string) (*Conversation, error) {
	key := address.IdentityKey(our, identifier)
	s.mu.Lock()
	if c, ok := s.conversations[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	var conv *Conversation
	if err := s.db.Run("resolving conversation", func() error {
		var err error
		conv, err = s.db.conversation(our, identifier)
		if err != nil {
			return err
		}
		if conv == nil {
			conv = &Conversation{
				ID:           uuid.NewString(),
				OurAccountID: our,
				Identifier:   identifier,
				Type:         typ,
			}
			return s.db.insertConversation(conv)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conversations[key] = conv
	s.mu.Unlock()
	return conv, nil
}

// GetConversationID returns the conversation id for a peer, or "" if none
// exists yet.
func (s *Store) GetConversationID(our, identifier address.ServiceID) (string, error) {
	key := address.IdentityKey(our, identifier)
	s.mu.Lock()
	if c, ok := s.conversations[key]; ok {
		s.mu.Unlock()
		return c.ID, nil
	}
	s.mu.Unlock()
	var conv *Conversation
	if err := s.db.Run("getting conversation", func() error {
		var err error
		conv, err = s.db.conversation(our, identifier)
		return err
	}); err != nil {
		return "", err
	}
	if conv == nil {
		return "", nil
	}
	s.mu.Lock()
	s.conversations[key] = conv
	s.mu.Unlock()
	return conv.ID, nil
}

// Sessions

// LoadSession returns the cipher session for a qualified address, or nil if
// absent. The active zone's pending map is checked before the committed map.
// The returned session is deserialized afresh from the stored record: callers
// mutate their copy freely, and nothing they do is visible anywhere until
// they store it back.
func (s *Store) LoadSession(qa address.QualifiedAddress, zone *Zone) (Session, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	if zone == nil {
		zone = GlobalZone
	}
	key := qa.String()

	s.zoneMu.Lock()
	if s.currentZone == zone && s.pendingSessions != nil {
		if e, ok := s.pendingSessions[key]; ok {
			s.zoneMu.Unlock()
			return s.copySession(e)
		}
	}
	s.zoneMu.Unlock()

	s.mu.Lock()
	e, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.copySession(e)
}

// copySession builds a private session from the entry's serialized record.
// Handing out the entry's own parse would alias the committed cache into a
// mutating caller: a failed decrypt or a reverted zone would then leave the
// in-memory cache ahead of durable storage.
func (s *Store) copySession(e *sessionEntry) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.DeserializeSession(e.row.Record)
}

// sessionOpen reports whether the ratchet for qa is established, preferring
// the active zone's pending write. The entry's memoized parse is consulted
// read-only and never escapes the store.
func (s *Store) sessionOpen(qa address.QualifiedAddress, e *sessionEntry, zone *Zone) (bool, error) {
	if zone == nil {
		zone = GlobalZone
	}
	key := qa.String()
	s.zoneMu.Lock()
	if s.currentZone == zone && s.pendingSessions != nil {
		if p, ok := s.pendingSessions[key]; ok {
			e = p
		}
	}
	s.zoneMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := e.get(s.engine.DeserializeSession)
	if err != nil {
		return false, err
	}
	return session.HaveOpenSession(), nil
}

// StoreSession writes a session for a qualified address. Resolving the
// peer's conversation record happens as a side effect. Under a zone that
// supports pending sessions the write lands in the zone's pending map;
// otherwise it commits immediately as a single-entry mini-commit.
func (s *Store) StoreSession(qa address.QualifiedAddress, session Session, zone *Zone) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	if zone == nil {
		zone = GlobalZone
	}

	conv, err := s.GetOrCreateConversation(qa.OurAccountID, qa.Identifier, "private")
	if err != nil {
		return fmt.Errorf("protocol: error resolving conversation for session: %w", err)
	}

	record, err := session.Serialize()
	if err != nil {
		return fmt.Errorf("protocol: error serializing session: %w", err)
	}
	key := qa.String()
	row := &SessionRecord{
		ID:             key,
		OurAccountID:   qa.OurAccountID,
		Identifier:     qa.Identifier,
		DeviceID:       qa.DeviceID,
		ConversationID: conv.ID,
		Record:         record,
	}
	// Entries are rebuilt from the serialized record; the caller keeps its
	// own object and nothing it does after this call reaches the cache.
	e := newSessionEntry(row)

	if zone.SupportsPendingSessions() {
		s.zoneMu.Lock()
		if s.currentZone != zone || s.pendingSessions == nil {
			s.zoneMu.Unlock()
			panic(fmt.Sprintf("protocol: storing session under %s which is not the active zone", zone))
		}
		s.pendingSessions[key] = e
		s.zoneMu.Unlock()
		return nil
	}

	if err := s.db.Run("storing session", func() error {
		return s.db.upsertSession(row)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[key] = e
	s.mu.Unlock()
	return nil
}

// GetOpenDevices partitions identifiers into those with at least one device
// holding an established, non-archived ratchet and those with none.
func (s *Store) GetOpenDevices(our address.ServiceID, identifiers []address.ServiceID, zone *Zone) (*OpenDevices, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	result := &OpenDevices{}
	for _, identifier := range identifiers {
		var devices []address.ProtocolAddress
		for _, e := range s.sessionEntriesFor(our, identifier) {
			qa := address.NewQualifiedAddress(our, address.NewProtocolAddress(identifier, e.row.DeviceID))
			open, err := s.sessionOpen(qa, e, zone)
			if err != nil {
				return nil, err
			}
			if open {
				devices = append(devices, qa.ProtocolAddress)
			}
		}
		if len(devices) == 0 {
			result.EmptyIdentifiers = append(result.EmptyIdentifiers, identifier)
		} else {
			result.Devices = append(result.Devices, devices...)
		}
	}
	return result, nil
}

func (s *Store) sessionEntriesFor(our, identifier address.ServiceID) []*sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*sessionEntry
	for _, e := range s.sessions {
		if e.row.OurAccountID == our && e.row.Identifier == identifier {
			entries = append(entries, e)
		}
	}
	return entries
}

// RemoveSession deletes the session record for a qualified address.
func (s *Store) RemoveSession(qa address.QualifiedAddress) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	key := qa.String()
	if err := s.db.Run("removing session", func() error {
		return s.db.deleteSession(key)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return nil
}

// RemoveSessionsByConversation deletes every session stamped with the given
// conversation id.
func (s *Store) RemoveSessionsByConversation(conversationID string) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	if err := s.db.Run("removing sessions by conversation", func() error {
		return s.db.deleteSessionsByConversation(conversationID)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	for key, e := range s.sessions {
		if e.row.ConversationID == conversationID {
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// RemoveSessionsByServiceID deletes every session whose peer identifier
// matches, across all local accounts.
func (s *Store) RemoveSessionsByServiceID(identifier address.ServiceID) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	if err := s.db.Run("removing sessions by service id", func() error {
		return s.db.deleteSessionsByIdentifier(identifier)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	for key, e := range s.sessions {
		if e.row.Identifier == identifier {
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// ArchiveSession archives the ratchet state for one qualified address. The
// archive is a load+mutate+store under the session's own per-peer queue, so
// it cannot interleave with a decrypt for the same device.
func (s *Store) ArchiveSession(qa address.QualifiedAddress, zone *Zone) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	return s.sessionRunner.Do(qa.String(), "archive session", func() error {
		return s.archiveSessionInQueue(qa, zone)
	})
}

func (s *Store) archiveSessionInQueue(qa address.QualifiedAddress, zone *Zone) error {
	session, err := s.LoadSession(qa, zone)
	if err != nil {
		return err
	}
	if session == nil || !session.HaveOpenSession() {
		return nil
	}
	s.log.Debugf("archiving session for %s", qa)
	session.ArchiveCurrentState()
	return s.StoreSession(qa, session, zone)
}

// ArchiveSiblingSessions archives every device session for the peer except
// the address that just authenticated.
func (s *Store) ArchiveSiblingSessions(except address.QualifiedAddress, zone *Zone) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	for _, e := range s.sessionEntriesFor(except.OurAccountID, except.Identifier) {
		if e.row.DeviceID == except.DeviceID {
			continue
		}
		qa := address.NewQualifiedAddress(except.OurAccountID, address.NewProtocolAddress(except.Identifier, e.row.DeviceID))
		if err := s.ArchiveSession(qa, zone); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveAllSessions archives every device session for the peer.
func (s *Store) ArchiveAllSessions(our, identifier address.ServiceID, zone *Zone) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	for _, e := range s.sessionEntriesFor(our, identifier) {
		qa := address.NewQualifiedAddress(our, address.NewProtocolAddress(identifier, e.row.DeviceID))
		if err := s.ArchiveSession(qa, zone); err != nil {
			return err
		}
	}
	return nil
}

// ClearSessionStore wipes every session, in memory and durably.
func (s *Store) ClearSessionStore() error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	if err := s.db.Run("clearing session store", func() error {
		return s.db.deleteAllSessions()
	}); err != nil {
		return err
	}
	s.mu.Lock()
	maps.Clear(s.sessions)
	s.mu.Unlock()
	return nil
}

// Identity keys

// IsTrustedIdentity decides whether to use publicKey for the peer. On the
// receiving direction the answer is always yes: decryption must use whatever
// key produced the ciphertext, and rejection happens logically elsewhere.
func (s *Store) IsTrustedIdentity(qa address.QualifiedAddress, publicKey []byte, direction Direction) (bool, error) {
	if err := s.checkHydrated(); err != nil {
		return false, err
	}
	if direction == Receiving {
		return true, nil
	}

	key := address.IdentityKey(qa.OurAccountID, qa.Identifier)
	s.mu.Lock()
	record, ok := s.identityKeys[key]
	s.mu.Unlock()
	if !ok {
		// trust on first use
		return true, nil
	}
	if subtle.ConstantTimeCompare(record.PublicKey, publicKey) != 1 {
		return false, nil
	}
	if record.Verified == VerificationUnverified {
		return false, nil
	}
	if s.nonblockingApprovalRequired(record) {
		return false, nil
	}
	return true, nil
}

// A key is fresh when it was recorded inside the approval window, is not the
// peer's first key and was never approved.
func (s *Store) nonblockingApprovalRequired(record *IdentityKeyRecord) bool {
	if record.FirstUse || record.NonblockingApproval {
		return false
	}
	age := s.clock.CurrentTimeMs() - record.TimestampMs
	return age < uint64(s.config.IdentityApprovalTimeMs)
}

// SaveIdentity records publicKey for the peer, serialized per peer so two
// near-simultaneous updates cannot race each other's verified-status
// transition. On a key change a keychange update is emitted and every
// sibling session of the address is archived in the background. Returns
// whether the identity actually changed.
func (s *Store) SaveIdentity(qa address.QualifiedAddress, publicKey []byte, nonblockingApproval bool) (bool, error) {
	if err := s.checkHydrated(); err != nil {
		return false, err
	}
	if len(publicKey) == 0 {
		return false, fmt.Errorf("protocol: refusing to save empty identity key for %s", qa)
	}

	changed := false
	err := s.identityRunner.Do(string(qa.Identifier), "save identity", func() error {
		key := address.IdentityKey(qa.OurAccountID, qa.Identifier)
		s.mu.Lock()
		record, ok := s.identityKeys[key]
		s.mu.Unlock()

		if !ok {
			s.log.Debugf("first-use identity key for %s", qa.Identifier)
			return s.putIdentityKey(&IdentityKeyRecord{
				ID:                  key,
				OurAccountID:        qa.OurAccountID,
				Identifier:          qa.Identifier,
				PublicKey:           publicKey,
				FirstUse:            true,
				TimestampMs:         s.clock.CurrentTimeMs(),
				Verified:            VerificationDefault,
				NonblockingApproval: nonblockingApproval,
			})
		}

		if subtle.ConstantTimeCompare(record.PublicKey, publicKey) != 1 {
			s.log.Infof("identity key changed for %s", qa.Identifier)
			verified := VerificationDefault
			if record.Verified != VerificationDefault {
				verified = VerificationUnverified
			}
			if err := s.putIdentityKey(&IdentityKeyRecord{
				ID:                  key,
				OurAccountID:        qa.OurAccountID,
				Identifier:          qa.Identifier,
				PublicKey:           publicKey,
				FirstUse:            false,
				TimestampMs:         s.clock.CurrentTimeMs(),
				Verified:            verified,
				NonblockingApproval: nonblockingApproval,
			}); err != nil {
				return err
			}
			changed = true
			s.updates <- &KeyChangeUpdate{OurAccountID: qa.OurAccountID, Identifier: qa.Identifier}
			return nil
		}

		if s.nonblockingApprovalRequired(record) {
			s.log.Debugf("updating approval for %s", qa.Identifier)
			updated := *record
			updated.NonblockingApproval = true
			return s.putIdentityKey(&updated)
		}
		return nil
	})
	if err != nil {
		return changed, err
	}
	// Sibling archival runs detached. The caller may still hold its own
	// session-queue slot, and two devices of one peer presenting conflicting
	// keys at once would otherwise cross-wait on each other's queues. The
	// caller's zone can be gone by the time the sibling queues drain, so the
	// archival commits on the global scope.
	if changed {
		go func() {
			if err := s.ArchiveSiblingSessions(qa, GlobalZone); err != nil {
				s.log.Warnf("error archiving sibling sessions for %s: %v", qa.Identifier, err)
			}
		}()
	}
	return changed, nil
}

func (s *Store) putIdentityKey(record *IdentityKeyRecord) error {
	if err := s.db.Run("saving identity key", func() error {
		return s.db.upsertIdentityKey(record)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.identityKeys[record.ID] = record
	s.mu.Unlock()
	return nil
}

// GetIdentityRecord returns the stored identity record for a peer, or nil.
func (s *Store) GetIdentityRecord(our, identifier address.ServiceID) (*IdentityKeyRecord, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityKeys[address.IdentityKey(our, identifier)], nil
}

// SetVerified updates the verified state of a peer's identity record.
func (s *Store) SetVerified(our, identifier address.ServiceID, verified int) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	return s.identityRunner.Do(string(identifier), "set verified", func() error {
		s.mu.Lock()
		record, ok := s.identityKeys[address.IdentityKey(our, identifier)]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("protocol: no identity record for %s", identifier)
		}
		updated := *record
		updated.Verified = verified
		return s.putIdentityKey(&updated)
	})
}

// SetApproval updates the non-blocking approval flag of a peer's identity
// record.
func (s *Store) SetApproval(our, identifier address.ServiceID, approval bool) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	return s.identityRunner.Do(string(identifier), "set approval", func() error {
		s.mu.Lock()
		record, ok := s.identityKeys[address.IdentityKey(our, identifier)]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("protocol: no identity record for %s", identifier)
		}
		updated := *record
		updated.NonblockingApproval = approval
		return s.putIdentityKey(&updated)
	})
}

// RemoveIdentityKey deletes a peer's identity record and every session for
// that peer.
func (s *Store) RemoveIdentityKey(our, identifier address.ServiceID) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	key := address.IdentityKey(our, identifier)
	if err := s.db.Run("removing identity key", func() error {
		return s.db.deleteIdentityKey(key)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.identityKeys, key)
	s.mu.Unlock()
	return s.RemoveSessionsByServiceID(identifier)
}

// One-time prekeys

func (s *Store) LoadPreKey(our address.ServiceID, keyID uint32) (*KeyPair, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.preKeys[address.PreKeyKey(our, keyID)]
	if !ok {
		return nil, nil
	}
	return &KeyPair{PublicKey: record.PublicKey, PrivateKey: record.PrivateKey}, nil
}

// StorePreKey stores a one-time prekey. Storing a key id that already exists
// is a hard error: one-time prekeys are never silently overwritten.
func (s *Store) StorePreKey(our address.ServiceID, keyID uint32, kp *KeyPair) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	key := address.PreKeyKey(our, keyID)
	s.mu.Lock()
	_, exists := s.preKeys[key]
	s.mu.Unlock()
	if exists {
		return &PreKeyInUseError{Key: key}
	}
	record := &PreKeyRecord{
		ID:           key,
		OurAccountID: our,
		KeyID:        keyID,
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
	}
	if err := s.db.Run("storing prekey", func() error {
		return s.db.insertPreKey(record)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.preKeys[key] = record
	s.mu.Unlock()
	return nil
}

// RemovePreKey consumes a one-time prekey and announces the removal so the
// application layer can replenish its published supply.
func (s *Store) RemovePreKey(our address.ServiceID, keyID uint32) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	key := address.PreKeyKey(our, keyID)
	if err := s.db.Run("removing prekey", func() error {
		return s.db.deletePreKey(key)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.preKeys, key)
	s.mu.Unlock()
	s.updates <- &RemovePreKeyUpdate{OurAccountID: our, KeyID: keyID}
	return nil
}

// Signed prekeys

func (s *Store) LoadSignedPreKey(our address.ServiceID, keyID uint32) (*SignedPreKeyRecord, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signedPreKeys[address.PreKeyKey(our, keyID)], nil
}

func (s *Store) StoreSignedPreKey(our address.ServiceID, keyID uint32, kp *KeyPair, confirmed bool) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	record := &SignedPreKeyRecord{
		ID:           address.PreKeyKey(our, keyID),
		OurAccountID: our,
		KeyID:        keyID,
		PublicKey:    kp.PublicKey,
		PrivateKey:   kp.PrivateKey,
		Confirmed:    confirmed,
		CreatedAtMs:  s.clock.CurrentTimeMs(),
	}
	if err := s.db.Run("storing signed prekey", func() error {
		return s.db.upsertSignedPreKey(record)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.signedPreKeys[record.ID] = record
	s.mu.Unlock()
	return nil
}

// ConfirmSignedPreKey marks a signed prekey as accepted by the server.
func (s *Store) ConfirmSignedPreKey(our address.ServiceID, keyID uint32) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	key := address.PreKeyKey(our, keyID)
	s.mu.Lock()
	record, ok := s.signedPreKeys[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("protocol: no signed prekey %s", key)
	}
	updated := *record
	updated.Confirmed = true
	if err := s.db.Run("confirming signed prekey", func() error {
		return s.db.upsertSignedPreKey(&updated)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.signedPreKeys[key] = &updated
	s.mu.Unlock()
	return nil
}

func (s *Store) RemoveSignedPreKey(our address.ServiceID, keyID uint32) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	key := address.PreKeyKey(our, keyID)
	if err := s.db.Run("removing signed prekey", func() error {
		return s.db.deleteSignedPreKey(key)
	}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.signedPreKeys, key)
	s.mu.Unlock()
	return nil
}

// PruneSignedPreKeys deletes signed prekeys older than the configured age,
// always retaining at least the configured minimum count, newest first.
func (s *Store) PruneSignedPreKeys(our address.ServiceID) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	s.mu.Lock()
	var records []*SignedPreKeyRecord
	for _, r := range s.signedPreKeys {
		if r.OurAccountID == our {
			records = append(records, r)
		}
	}
	s.mu.Unlock()
	if len(records) <= s.config.SignedPreKeyMinCount {
		return nil
	}

	// newest first
	for i := 0; i < len(records); i++ {
		for j := i + 1; j < len(records); j++ {
			if records[j].CreatedAtMs > records[i].CreatedAtMs {
				records[i], records[j] = records[j], records[i]
			}
		}
	}
	now := s.clock.CurrentTimeMs()
	for _, r := range records[s.config.SignedPreKeyMinCount:] {
		if now-r.CreatedAtMs < uint64(s.config.SignedPreKeyMaxAgeMs) {
			continue
		}
		s.log.Debugf("pruning signed prekey %d for %s", r.KeyID, our)
		if err := s.RemoveSignedPreKey(our, r.KeyID); err != nil {
			return err
		}
	}
	return nil
}

// Unprocessed envelopes

// AddMultipleUnprocessed persists a batch of unprocessed records. Under a
// zone that supports pending unprocessed the records join the zone's pending
// buffer and land durably at commit; otherwise they are written immediately.
func (s *Store) AddMultipleUnprocessed(envs []*UnprocessedEnvelope, zone *Zone) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	if zone == nil {
		zone = GlobalZone
	}
	if len(envs) == 0 {
		return nil
	}

	if zone.SupportsPendingUnprocessed() {
		s.zoneMu.Lock()
		if s.currentZone != zone {
			s.zoneMu.Unlock()
			panic(fmt.Sprintf("protocol: adding unprocessed under %s which is not the active zone", zone))
		}
		s.pendingUnprocessed = append(s.pendingUnprocessed, envs...)
		s.zoneMu.Unlock()
		return nil
	}

	return s.db.Run("adding unprocessed", func() error {
		for _, u := range envs {
			if err := s.db.upsertUnprocessed(u); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetAllUnprocessedIDs() ([]string, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.Run("getting unprocessed ids", func() error {
		var err error
		ids, err = s.db.allUnprocessedIDs()
		return err
	})
	return ids, err
}

func (s *Store) GetUnprocessedByIDsAndIncrementAttempts(ids []string) ([]*UnprocessedEnvelope, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	var envs []*UnprocessedEnvelope
	err := s.db.Run("getting unprocessed by ids", func() error {
		var err error
		envs, err = s.db.unprocessedByIDsAndIncrementAttempts(ids)
		return err
	})
	return envs, err
}

func (s *Store) GetUnprocessedByID(id string) (*UnprocessedEnvelope, error) {
	if err := s.checkHydrated(); err != nil {
		return nil, err
	}
	var env *UnprocessedEnvelope
	err := s.db.Run("getting unprocessed", func() error {
		var err error
		env, err = s.db.unprocessedByID(id)
		return err
	})
	return env, err
}

func (s *Store) UpdateUnprocessedWithData(id string, decrypted string, source address.ServiceID, sourceDevice uint32) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	return s.db.Run("updating unprocessed", func() error {
		return s.db.updateUnprocessedWithData(id, decrypted, source, sourceDevice)
	})
}

func (s *Store) RemoveUnprocessed(ids ...string) error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	return s.db.Run("removing unprocessed", func() error {
		return s.db.deleteUnprocessed(ids)
	})
}

func (s *Store) RemoveAllUnprocessed() error {
	if err := s.checkHydrated(); err != nil {
		return err
	}
	return s.db.Run("removing all unprocessed", func() error {
		return s.db.deleteAllUnprocessed()
	})
}

func (s *Store) CountUnprocessed() (int, error) {
	if err := s.checkHydrated(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.Run("counting unprocessed", func() error {
		var err error
		count, err = s.db.countUnprocessed()
		return err
	})
	return count, err
}

// RemoveAllData wipes every cache and every durable row this store owns.
func (s *Store) RemoveAllData() error {
	if err := s.db.Run("removing all data", func() error {
		if err := s.db.deleteAllSessions(); err != nil {
			return err
		}
		if err := s.db.deleteAllUnprocessed(); err != nil {
			return err
		}
		for _, table := range []string{"_identity_keys", "_prekeys", "_signed_prekeys", "_conversations", "_accounts"} {
			if _, err := s.db.Tx.Exec("DELETE FROM " + table); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	s.mu.Lock()
	maps.Clear(s.accounts)
	maps.Clear(s.sessions)
	maps.Clear(s.identityKeys)
	maps.Clear(s.preKeys)
	maps.Clear(s.signedPreKeys)
	maps.Clear(s.conversations)
	s.mu.Unlock()
	s.updates <- &RemoveAllDataUpdate{}
	return nil
}
