package protocol

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-ready/address"
	"github.com/stretchr/testify/require"
)

func pendingZone(name string) *Zone {
	return NewZone(name, ZoneSupports{PendingSessions: true, PendingUnprocessed: true})
}

func waiterCount(s *Store) int {
	s.zoneMu.Lock()
	defer s.zoneMu.Unlock()
	return len(s.zoneWaiters)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestZoneCommitVisibility(t *testing.T) {
	require := require.New(t)
	s, database, cl := newTestStore(t)
	qa := qaFor("alice", "bob", 1)
	zone := pendingZone("visibility")

	err := s.WithZone(zone, "test", func() error {
		require.Nil(s.StoreSession(qa, &fakeSession{Name: "pending", Open: true}, zone))
		require.Nil(s.AddMultipleUnprocessed([]*UnprocessedEnvelope{{ID: "u1", OurAccountID: "alice", Envelope: []byte("one")}}, zone))

		// pending writes are visible inside the zone
		sess, err := s.LoadSession(qa, zone)
		require.Nil(err)
		require.NotNil(sess)

		// but not to readers outside it
		sess, err = s.LoadSession(qa, nil)
		require.Nil(err)
		require.Nil(sess)
		count, err := s.CountUnprocessed()
		require.Nil(err)
		require.Equal(0, count)
		return nil
	})
	require.Nil(err)

	sess, err := s.LoadSession(qa, nil)
	require.Nil(err)
	require.NotNil(sess)
	count, err := s.CountUnprocessed()
	require.Nil(err)
	require.Equal(1, count)

	// the commit was durable, not just in memory
	s2, err := NewStore(s.config, database, &fakeEngine{}, cl)
	require.Nil(err)
	require.Nil(s2.HydrateCaches())
	sess, err = s2.LoadSession(qa, nil)
	require.Nil(err)
	require.NotNil(sess)
	require.Equal("pending", sess.(*fakeSession).Name)
}

func TestZoneRevertOnError(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStore(t)
	qa := qaFor("alice", "bob", 1)
	zone := pendingZone("revert")
	boom := errors.New("boom")

	err := s.WithZone(zone, "test", func() error {
		require.Nil(s.StoreSession(qa, &fakeSession{Open: true}, zone))
		require.Nil(s.AddMultipleUnprocessed([]*UnprocessedEnvelope{{ID: "u1", OurAccountID: "alice", Envelope: []byte("one")}}, zone))
		return boom
	})
	require.ErrorIs(err, boom)

	sess, err := s.LoadSession(qa, nil)
	require.Nil(err)
	require.Nil(sess)
	count, err := s.CountUnprocessed()
	require.Nil(err)
	require.Equal(0, count)
}

func TestZoneRevertKeepsCommittedSessionIntact(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStore(t)
	qa := qaFor("alice", "bob", 1)
	require.Nil(s.StoreSession(qa, &fakeSession{Name: "live", Open: true}, nil))

	// archive the session inside a zone that then fails
	zone := pendingZone("revert-archive")
	boom := errors.New("boom")
	err := s.WithZone(zone, "test", func() error {
		sess, err := s.LoadSession(qa, zone)
		require.Nil(err)
		sess.ArchiveCurrentState()
		require.Nil(s.StoreSession(qa, sess, zone))
		return boom
	})
	require.ErrorIs(err, boom)

	// the committed session is untouched by the reverted archive
	sess, err := s.LoadSession(qa, nil)
	require.Nil(err)
	require.True(sess.HaveOpenSession())
	devices, err := s.GetOpenDevices("alice", []address.ServiceID{"bob"}, nil)
	require.Nil(err)
	require.Len(devices.Devices, 1)
}

func TestZoneReentry(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStore(t)
	zone := pendingZone("reentry")

	err := s.WithZone(zone, "outer", func() error {
		require.Nil(s.WithZone(zone, "inner", func() error {
			return s.AddMultipleUnprocessed([]*UnprocessedEnvelope{{ID: "u1", OurAccountID: "alice", Envelope: []byte("one")}}, zone)
		}))
		// the inner completion must not have committed
		count, err := s.CountUnprocessed()
		require.Nil(err)
		require.Equal(0, count)
		return nil
	})
	require.Nil(err)

	count, err := s.CountUnprocessed()
	require.Nil(err)
	require.Equal(1, count)
}

func TestZoneInnerErrorRevertsWhole(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStore(t)
	zone := pendingZone("inner-error")
	boom := errors.New("boom")

	err := s.WithZone(zone, "outer", func() error {
		require.Nil(s.AddMultipleUnprocessed([]*UnprocessedEnvelope{{ID: "u1", OurAccountID: "alice", Envelope: []byte("one")}}, zone))
		return s.WithZone(zone, "inner", func() error {
			return boom
		})
	})
	require.ErrorIs(err, boom)

	count, err := s.CountUnprocessed()
	require.Nil(err)
	require.Equal(0, count)
}

func TestZonesQueueInOrder(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStore(t)

	zoneA := pendingZone("a")
	zoneB := pendingZone("b")
	zoneC := pendingZone("c")

	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.Nil(s.WithZone(zoneA, "a", func() error {
			close(entered)
			<-release
			record("a")
			return nil
		}))
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		require.Nil(s.WithZone(zoneB, "b", func() error {
			record("b")
			return nil
		}))
	}()
	waitFor(t, func() bool { return waiterCount(s) == 1 })

	wg.Add(1)
	go func() {
		defer wg.Done()
		require.Nil(s.WithZone(zoneC, "c", func() error {
			record("c")
			return nil
		}))
	}()
	waitFor(t, func() bool { return waiterCount(s) == 2 })

	close(release)
	wg.Wait()

	require.Equal([]string{"a", "b", "c"}, order)
}

func TestQueuedSameZoneReleasedTogether(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStore(t)

	zoneA := pendingZone("a")
	zoneB := pendingZone("b")

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.Nil(s.WithZone(zoneA, "a", func() error {
			close(entered)
			<-release
			return nil
		}))
	}()
	<-entered

	// two waiters for the same zone join one transaction when released
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Nil(s.WithZone(zoneB, "b", func() error {
				id := "b0"
				if i == 1 {
					id = "b1"
				}
				return s.AddMultipleUnprocessed([]*UnprocessedEnvelope{{ID: id, OurAccountID: "alice", Envelope: []byte("x")}}, zoneB)
			}))
		}()
	}
	waitFor(t, func() bool { return waiterCount(s) == 2 })

	close(release)
	wg.Wait()

	count, err := s.CountUnprocessed()
	require.Nil(err)
	require.Equal(2, count)
}

func TestPendingWriteOutsideActiveZonePanics(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStore(t)
	zone := pendingZone("inactive")

	require.Panics(func() {
		_ = s.StoreSession(qaFor("alice", "bob", 1), &fakeSession{Open: true}, zone)
	})
	require.Panics(func() {
		_ = s.AddMultipleUnprocessed([]*UnprocessedEnvelope{{ID: "u1", OurAccountID: "alice", Envelope: []byte("x")}}, zone)
	})
}
