package protocol

// entry is the lazy-hydration wrapper around a persisted record: the raw
// stored form plus, once parsed, the live protocol object. Hydration is a
// deterministic parse of the stored bytes and happens under the store mutex,
// so an entry is never observed half-upgraded. The parsed object is reserved
// for read-only checks inside the store; anything handed to a caller is
// rebuilt from the stored bytes instead.
type entry[L any] struct {
	stored   []byte
	item     L
	hydrated bool
}

func (e *entry[L]) get(parse func([]byte) (L, error)) (L, error) {
	if e.hydrated {
		return e.item, nil
	}
	item, err := parse(e.stored)
	if err != nil {
		var zero L
		return zero, err
	}
	e.item = item
	e.hydrated = true
	return e.item, nil
}

// sessionEntry pairs the persisted session row with its lazily parsed cipher
// session. Entries are never shared across peers.
type sessionEntry struct {
	row *SessionRecord
	entry[Session]
}

func newSessionEntry(row *SessionRecord) *sessionEntry {
	return &sessionEntry{row: row, entry: entry[Session]{stored: row.Record}}
}
