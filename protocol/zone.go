package protocol

import (
	"fmt"
)

// ZoneSupports describes which kinds of writes may be deferred within a zone.
// A write made under a zone without the matching flag commits immediately as
// a single-record mini-commit.
type ZoneSupports struct {
	PendingSessions   bool
	PendingSenderKeys bool
	PendingUnprocessed bool
}

// A Zone is a named transaction scope. Identity is by pointer: two zones with
// the same name are distinct scopes. Writes buffered under a zone are
// committed in one durable call when the zone fully unwinds, or discarded if
// its top-level body returns an error.
type Zone struct {
	name     string
	supports ZoneSupports
}

func NewZone(name string, supports ZoneSupports) *Zone {
	return &Zone{name: name, supports: supports}
}

// GlobalZone supports no pending writes: everything stored under it commits
// immediately.
var GlobalZone = NewZone("GlobalZone", ZoneSupports{})

func (z *Zone) Name() string {
	return z.name
}

func (z *Zone) SupportsPendingSessions() bool {
	return z.supports.PendingSessions
}

func (z *Zone) SupportsPendingSenderKeys() bool {
	return z.supports.PendingSenderKeys
}

func (z *Zone) SupportsPendingUnprocessed() bool {
	return z.supports.PendingUnprocessed
}

func (z *Zone) String() string {
	return fmt.Sprintf("zone(%s)", z.name)
}

type zoneWaiter struct {
	zone  *Zone
	ready chan struct{}
}

// WithZone runs body inside zone. If no zone is active it enters immediately;
// if zone is already the active zone the call re-enters, incrementing the
// depth counter; otherwise the call queues FIFO until the active zone fully
// drains. When the depth returns to zero the zone's pending writes are
// committed in a single durable call, or discarded if the unwinding body
// returned an error. Re-entrant completions never commit or revert.
func (s *Store) WithZone(zone *Zone, label string, body func() error) error {
	if zone == nil {
		zone = GlobalZone
	}

	s.zoneMu.Lock()
	switch {
	case s.currentZone == nil:
		s.activateZoneLocked(zone)
		s.zoneDepth = 1
		s.zoneMu.Unlock()
	case s.currentZone == zone && !s.zoneCommitting:
		s.zoneDepth++
		s.zoneMu.Unlock()
	default:
		w := &zoneWaiter{zone: zone, ready: make(chan struct{})}
		s.zoneWaiters = append(s.zoneWaiters, w)
		s.log.Debugf("queuing %s until %s drains", label, s.currentZone)
		s.zoneMu.Unlock()
		<-w.ready
	}

	err := body()
	return s.leaveZone(zone, label, err)
}

func (s *Store) activateZoneLocked(zone *Zone) {
	s.currentZone = zone
	s.pendingSessions = make(map[string]*sessionEntry)
	s.pendingUnprocessed = nil
}

func (s *Store) leaveZone(zone *Zone, label string, err error) error {
	s.zoneMu.Lock()
	if s.currentZone != zone {
		s.zoneMu.Unlock()
		panic(fmt.Sprintf("protocol: leaving %s but %s is active", zone, s.currentZone))
	}
	if s.zoneDepth <= 0 {
		s.zoneMu.Unlock()
		panic(fmt.Sprintf("protocol: unbalanced leave of %s", zone))
	}
	s.zoneDepth--
	if s.zoneDepth > 0 {
		s.zoneMu.Unlock()
		return err
	}

	pendingSessions := s.pendingSessions
	pendingUnprocessed := s.pendingUnprocessed
	s.pendingSessions = nil
	s.pendingUnprocessed = nil
	// currentZone stays set while committing so no other zone can slip in;
	// zoneCommitting queues late same-zone arrivals rather than letting them
	// re-enter a zone that is already unwinding.
	s.zoneCommitting = true
	s.zoneMu.Unlock()

	var commitErr error
	if err == nil {
		commitErr = s.commitZone(zone, label, pendingSessions, pendingUnprocessed)
	} else {
		s.log.Debugf("reverting %d sessions, %d unprocessed in %s due to: %v", len(pendingSessions), len(pendingUnprocessed), zone, err)
	}

	s.zoneMu.Lock()
	s.currentZone = nil
	s.zoneCommitting = false
	if len(s.zoneWaiters) != 0 {
		next := s.zoneWaiters[0].zone
		s.activateZoneLocked(next)
		s.zoneDepth = 0
		kept := s.zoneWaiters[:0]
		for _, w := range s.zoneWaiters {
			if w.zone == next {
				s.zoneDepth++
				close(w.ready)
			} else {
				kept = append(kept, w)
			}
		}
		s.zoneWaiters = kept
	}
	s.zoneMu.Unlock()

	if err != nil {
		return err
	}
	return commitErr
}

// commitZone flushes a zone's pending writes in one durable transaction, then
// applies them to the committed in-memory caches. The durable write always
// happens first: a crash between the two leaves memory behind storage, never
// ahead of it.
func (s *Store) commitZone(zone *Zone, label string, sessions map[string]*sessionEntry, unprocessed []*UnprocessedEnvelope) error {
	if len(sessions) == 0 && len(unprocessed) == 0 {
		return nil
	}
	s.log.Debugf("committing %s: %d sessions, %d unprocessed", zone, len(sessions), len(unprocessed))
	if err := s.db.Run(fmt.Sprintf("commit %s (%s)", zone, label), func() error {
		for _, e := range sessions {
			if err := s.db.upsertSession(e.row); err != nil {
				return err
			}
		}
		for _, u := range unprocessed {
			if err := s.db.upsertUnprocessed(u); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("protocol: error committing %s: %w", zone, err)
	}

	s.mu.Lock()
	for key, e := range sessions {
		s.sessions[key] = e
	}
	s.mu.Unlock()
	return nil
}
