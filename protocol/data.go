package protocol

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-ready/address"
	"github.com/meow-io/go-ready/internal/db"
	"github.com/meow-io/go-ready/migration"
)

// Verified states of a peer identity key.
const (
	VerificationDefault    = 0
	VerificationVerified   = 1
	VerificationUnverified = 2
)

// Account is a local account able to receive messages.
type Account struct {
	ID                 address.ServiceID `db:"id"`
	DeviceID           uint32            `db:"device_id"`
	RegistrationID     uint32            `db:"registration_id"`
	IdentityKeyPublic  []byte            `db:"identity_key_pub"`
	IdentityKeyPrivate []byte            `db:"identity_key_priv"`
}

// Conversation is the minimal conversation row this subsystem owns: enough to
// stamp a conversation id onto session records.
type Conversation struct {
	ID           string            `db:"id"`
	OurAccountID address.ServiceID `db:"our_account_id"`
	Identifier   address.ServiceID `db:"identifier"`
	Type         string            `db:"type"`
}

// SessionRecord holds the serialized ratchet state for one qualified address.
// Exactly one record exists per key; archiving mutates Record in place.
type SessionRecord struct {
	ID             string            `db:"id"`
	OurAccountID   address.ServiceID `db:"our_account_id"`
	Identifier     address.ServiceID `db:"identifier"`
	DeviceID       uint32            `db:"device_id"`
	ConversationID string            `db:"conversation_id"`
	Record         []byte            `db:"record"`
}

// IdentityKeyRecord holds a peer's long-term public key and its trust state.
type IdentityKeyRecord struct {
	ID                  string            `db:"id"`
	OurAccountID        address.ServiceID `db:"our_account_id"`
	Identifier          address.ServiceID `db:"identifier"`
	PublicKey           []byte            `db:"public_key"`
	FirstUse            bool              `db:"first_use"`
	TimestampMs         uint64            `db:"timestamp_ms"`
	Verified            int               `db:"verified"`
	NonblockingApproval bool              `db:"nonblocking_approval"`
}

// PreKeyRecord is a one-time prekey, consumed on use.
type PreKeyRecord struct {
	ID           string            `db:"id"`
	OurAccountID address.ServiceID `db:"our_account_id"`
	KeyID        uint32            `db:"key_id"`
	PublicKey    []byte            `db:"public_key"`
	PrivateKey   []byte            `db:"private_key"`
}

// SignedPreKeyRecord is a signed prekey, retained for a minimum count before
// age-based pruning.
type SignedPreKeyRecord struct {
	ID           string            `db:"id"`
	OurAccountID address.ServiceID `db:"our_account_id"`
	KeyID        uint32            `db:"key_id"`
	PublicKey    []byte            `db:"public_key"`
	PrivateKey   []byte            `db:"private_key"`
	Confirmed    bool              `db:"confirmed"`
	CreatedAtMs  uint64            `db:"created_at_ms"`
}

// UnprocessedEnvelope is the durable record of a received envelope, kept until
// the application layer acknowledges full handling.
type UnprocessedEnvelope struct {
	ID               string            `db:"id"`
	OurAccountID     address.ServiceID `db:"our_account_id"`
	Envelope         []byte            `db:"envelope"`
	TimestampMs      uint64            `db:"timestamp_ms"`
	ReceivedAtMs     uint64            `db:"received_at_ms"`
	Attempts         int               `db:"attempts"`
	Decrypted        string            `db:"decrypted"`
	Background       bool              `db:"background"`
	SourceIdentifier address.ServiceID `db:"source_identifier"`
	SourceDevice     uint32            `db:"source_device"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_protocol", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _accounts (
						id TEXT PRIMARY KEY,
						device_id INTEGER NOT NULL,
						registration_id INTEGER NOT NULL,
						identity_key_pub BLOB NOT NULL,
						identity_key_priv BLOB NOT NULL
					);

					CREATE TABLE _conversations (
						id TEXT PRIMARY KEY,
						our_account_id TEXT NOT NULL,
						identifier TEXT NOT NULL,
						type TEXT NOT NULL
					);
					CREATE UNIQUE INDEX conversations_scope_idx on _conversations (our_account_id, identifier);

					CREATE TABLE _sessions (
						id TEXT PRIMARY KEY,
						our_account_id TEXT NOT NULL,
						identifier TEXT NOT NULL,
						device_id INTEGER NOT NULL,
						conversation_id TEXT NOT NULL,
						record BLOB NOT NULL
					);
					CREATE INDEX sessions_conversation_idx on _sessions (conversation_id);
					CREATE INDEX sessions_identifier_idx on _sessions (identifier);

					CREATE TABLE _identity_keys (
						id TEXT PRIMARY KEY,
						our_account_id TEXT NOT NULL,
						identifier TEXT NOT NULL,
						public_key BLOB NOT NULL,
						first_use INTEGER NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						verified INTEGER NOT NULL,
						nonblocking_approval INTEGER NOT NULL
					);

					CREATE TABLE _prekeys (
						id TEXT PRIMARY KEY,
						our_account_id TEXT NOT NULL,
						key_id INTEGER NOT NULL,
						public_key BLOB NOT NULL,
						private_key BLOB NOT NULL
					);

					CREATE TABLE _signed_prekeys (
						id TEXT PRIMARY KEY,
						our_account_id TEXT NOT NULL,
						key_id INTEGER NOT NULL,
						public_key BLOB NOT NULL,
						private_key BLOB NOT NULL,
						confirmed INTEGER NOT NULL,
						created_at_ms INTEGER NOT NULL
					);

					CREATE TABLE _unprocessed (
						id TEXT PRIMARY KEY,
						our_account_id TEXT NOT NULL,
						envelope BLOB NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						received_at_ms INTEGER NOT NULL,
						attempts INTEGER NOT NULL,
						decrypted TEXT NOT NULL,
						background INTEGER NOT NULL,
						source_identifier TEXT NOT NULL,
						source_device INTEGER NOT NULL
					);
					CREATE INDEX unprocessed_received_idx on _unprocessed (received_at_ms);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("protocol: error migrating %w", err)
	}
	return d, nil
}

func (d *database) getAllAccounts() ([]*Account, error) {
	var accounts []*Account
	if err := d.Tx.Select(&accounts, "SELECT * FROM _accounts"); err != nil {
		return nil, fmt.Errorf("protocol: error getting accounts: %w", err)
	}
	return accounts, nil
}

func (d *database) upsertAccount(a *Account) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _accounts (id, device_id, registration_id, identity_key_pub, identity_key_priv) VALUES (:id, :device_id, :registration_id, :identity_key_pub, :identity_key_priv) ON CONFLICT(id) DO UPDATE SET device_id = :device_id, registration_id = :registration_id, identity_key_pub = :identity_key_pub, identity_key_priv = :identity_key_priv", a); err != nil {
		return fmt.Errorf("protocol: error upserting account: %w", err)
	}
	return nil
}

func (d *database) getAllSessions() ([]*SessionRecord, error) {
	var sessions []*SessionRecord
	if err := d.Tx.Select(&sessions, "SELECT * FROM _sessions"); err != nil {
		return nil, fmt.Errorf("protocol: error getting sessions: %w", err)
	}
	return sessions, nil
}

func (d *database) upsertSession(s *SessionRecord) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _sessions (id, our_account_id, identifier, device_id, conversation_id, record) VALUES (:id, :our_account_id, :identifier, :device_id, :conversation_id, :record) ON CONFLICT(id) DO UPDATE SET conversation_id = :conversation_id, record = :record", s); err != nil {
		return fmt.Errorf("protocol: error upserting session: %w", err)
	}
	return nil
}

func (d *database) deleteSession(id string) error {
	if _, err := d.Tx.Exec("DELETE FROM _sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("protocol: error deleting session: %w", err)
	}
	return nil
}

func (d *database) deleteSessionsByConversation(conversationID string) error {
	if _, err := d.Tx.Exec("DELETE FROM _sessions WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("protocol: error deleting sessions by conversation: %w", err)
	}
	return nil
}

func (d *database) deleteSessionsByIdentifier(identifier address.ServiceID) error {
	if _, err := d.Tx.Exec("DELETE FROM _sessions WHERE identifier = ?", identifier); err != nil {
		return fmt.Errorf("protocol: error deleting sessions by identifier: %w", err)
	}
	return nil
}

func (d *database) deleteAllSessions() error {
	if _, err := d.Tx.Exec("DELETE FROM _sessions"); err != nil {
		return fmt.Errorf("protocol: error deleting all sessions: %w", err)
	}
	return nil
}

func (d *database) getAllIdentityKeys() ([]*IdentityKeyRecord, error) {
	var keys []*IdentityKeyRecord
	if err := d.Tx.Select(&keys, "SELECT * FROM _identity_keys"); err != nil {
		return nil, fmt.Errorf("protocol: error getting identity keys: %w", err)
	}
	return keys, nil
}

func (d *database) upsertIdentityKey(k *IdentityKeyRecord) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _identity_keys (id, our_account_id, identifier, public_key, first_use, timestamp_ms, verified, nonblocking_approval) VALUES (:id, :our_account_id, :identifier, :public_key, :first_use, :timestamp_ms, :verified, :nonblocking_approval) ON CONFLICT(id) DO UPDATE SET public_key = :public_key, first_use = :first_use, timestamp_ms = :timestamp_ms, verified = :verified, nonblocking_approval = :nonblocking_approval", k); err != nil {
		return fmt.Errorf("protocol: error upserting identity key: %w", err)
	}
	return nil
}

func (d *database) deleteIdentityKey(id string) error {
	if _, err := d.Tx.Exec("DELETE FROM _identity_keys WHERE id = ?", id); err != nil {
		return fmt.Errorf("protocol: error deleting identity key: %w", err)
	}
	return nil
}

func (d *database) getAllPreKeys() ([]*PreKeyRecord, error) {
	var keys []*PreKeyRecord
	if err := d.Tx.Select(&keys, "SELECT * FROM _prekeys"); err != nil {
		return nil, fmt.Errorf("protocol: error getting prekeys: %w", err)
	}
	return keys, nil
}

func (d *database) insertPreKey(k *PreKeyRecord) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _prekeys (id, our_account_id, key_id, public_key, private_key) VALUES (:id, :our_account_id, :key_id, :public_key, :private_key)", k); err != nil {
		return fmt.Errorf("protocol: error inserting prekey: %w", err)
	}
	return nil
}

func (d *database) deletePreKey(id string) error {
	if _, err := d.Tx.Exec("DELETE FROM _prekeys WHERE id = ?", id); err != nil {
		return fmt.Errorf("protocol: error deleting prekey: %w", err)
	}
	return nil
}

func (d *database) getAllSignedPreKeys() ([]*SignedPreKeyRecord, error) {
	var keys []*SignedPreKeyRecord
	if err := d.Tx.Select(&keys, "SELECT * FROM _signed_prekeys"); err != nil {
		return nil, fmt.Errorf("protocol: error getting signed prekeys: %w", err)
	}
	return keys, nil
}

func (d *database) upsertSignedPreKey(k *SignedPreKeyRecord) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _signed_prekeys (id, our_account_id, key_id, public_key, private_key, confirmed, created_at_ms) VALUES (:id, :our_account_id, :key_id, :public_key, :private_key, :confirmed, :created_at_ms) ON CONFLICT(id) DO UPDATE SET confirmed = :confirmed", k); err != nil {
		return fmt.Errorf("protocol: error upserting signed prekey: %w", err)
	}
	return nil
}

func (d *database) deleteSignedPreKey(id string) error {
	if _, err := d.Tx.Exec("DELETE FROM _signed_prekeys WHERE id = ?", id); err != nil {
		return fmt.Errorf("protocol: error deleting signed prekey: %w", err)
	}
	return nil
}

func (d *database) conversation(our, identifier address.ServiceID) (*Conversation, error) {
	c := &Conversation{}
	if err := d.Tx.Get(c, "SELECT * FROM _conversations WHERE our_account_id = ? AND identifier = ?", our, identifier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("protocol: error getting conversation: %w", err)
	}
	return c, nil
}

func (d *database) insertConversation(c *Conversation) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _conversations (id, our_account_id, identifier, type) VALUES (:id, :our_account_id, :identifier, :type)", c); err != nil {
		return fmt.Errorf("protocol: error inserting conversation: %w", err)
	}
	return nil
}

func (d *database) allUnprocessedIDs() ([]string, error) {
	var ids []string
	if err := d.Tx.Select(&ids, "SELECT id FROM _unprocessed ORDER BY received_at_ms ASC"); err != nil {
		return nil, fmt.Errorf("protocol: error getting unprocessed ids: %w", err)
	}
	return ids, nil
}

func (d *database) unprocessedByIDsAndIncrementAttempts(ids []string) ([]*UnprocessedEnvelope, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("UPDATE _unprocessed SET attempts = attempts + 1 WHERE id IN (?)", ids)
	if err != nil {
		return nil, fmt.Errorf("protocol: error building unprocessed update: %w", err)
	}
	if _, err := d.Tx.Exec(d.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("protocol: error incrementing attempts: %w", err)
	}
	query, args, err = sqlx.In("SELECT * FROM _unprocessed WHERE id IN (?) ORDER BY received_at_ms ASC", ids)
	if err != nil {
		return nil, fmt.Errorf("protocol: error building unprocessed select: %w", err)
	}
	var envs []*UnprocessedEnvelope
	if err := d.Tx.Select(&envs, d.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("protocol: error getting unprocessed by ids: %w", err)
	}
	return envs, nil
}

func (d *database) unprocessedByID(id string) (*UnprocessedEnvelope, error) {
	u := &UnprocessedEnvelope{}
	if err := d.Tx.Get(u, "SELECT * FROM _unprocessed WHERE id = ?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("protocol: error getting unprocessed: %w", err)
	}
	return u, nil
}

func (d *database) upsertUnprocessed(u *UnprocessedEnvelope) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _unprocessed (id, our_account_id, envelope, timestamp_ms, received_at_ms, attempts, decrypted, background, source_identifier, source_device) VALUES (:id, :our_account_id, :envelope, :timestamp_ms, :received_at_ms, :attempts, :decrypted, :background, :source_identifier, :source_device) ON CONFLICT(id) DO UPDATE SET attempts = :attempts, decrypted = :decrypted, source_identifier = :source_identifier, source_device = :source_device", u); err != nil {
		return fmt.Errorf("protocol: error upserting unprocessed: %w", err)
	}
	return nil
}

func (d *database) updateUnprocessedWithData(id string, decrypted string, source address.ServiceID, sourceDevice uint32) error {
	if _, err := d.Tx.Exec("UPDATE _unprocessed SET decrypted = ?, source_identifier = ?, source_device = ? WHERE id = ?", decrypted, source, sourceDevice, id); err != nil {
		return fmt.Errorf("protocol: error updating unprocessed: %w", err)
	}
	return nil
}

func (d *database) deleteUnprocessed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM _unprocessed WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("protocol: error building unprocessed delete: %w", err)
	}
	if _, err := d.Tx.Exec(d.Tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("protocol: error deleting unprocessed: %w", err)
	}
	return nil
}

func (d *database) deleteAllUnprocessed() error {
	if _, err := d.Tx.Exec("DELETE FROM _unprocessed"); err != nil {
		return fmt.Errorf("protocol: error deleting all unprocessed: %w", err)
	}
	return nil
}

func (d *database) countUnprocessed() (int, error) {
	counter := &struct {
		Count int `db:"unprocessed_count"`
	}{}
	if err := d.Tx.Get(counter, "SELECT count(*) as unprocessed_count FROM _unprocessed"); err != nil {
		return 0, fmt.Errorf("protocol: error counting unprocessed: %w", err)
	}
	return counter.Count, nil
}
