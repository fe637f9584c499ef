package task

import (
	"errors"
	"testing"
	"time"

	"github.com/meow-io/go-ready/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRegistry(timeout time.Duration) *Registry {
	return NewRegistry(zap.NewNop().Sugar(), clock.NewSystemClock(), timeout)
}

func TestDoReturnsResult(t *testing.T) {
	require := require.New(t)
	r := newRegistry(time.Second)
	err := r.Do("ok", func() error { return nil })
	require.Nil(err)
	boom := errors.New("boom")
	err = r.Do("fail", func() error { return boom })
	require.ErrorIs(err, boom)
	require.Equal(0, r.Count())
}

func TestDoTimesOut(t *testing.T) {
	require := require.New(t)
	r := newRegistry(time.Hour)
	release := make(chan struct{})
	defer close(release)
	err := r.DoWithTimeout("slow", 10*time.Millisecond, func() error {
		<-release
		return nil
	})
	var te *TimeoutError
	require.ErrorAs(err, &te)
	require.Equal("slow", te.Name)
	require.Equal(0, r.Count())
}

func TestSuspendFreezesDeadline(t *testing.T) {
	require := require.New(t)
	r := newRegistry(time.Hour)
	r.Suspend()
	defer r.Resume()

	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- r.DoWithTimeout("suspended", 20*time.Millisecond, func() error {
			close(started)
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	}()
	<-started
	// Far past the deadline, but the timer never ran while suspended.
	select {
	case err := <-done:
		require.Nil(err)
	case <-time.After(time.Second):
		t.Fatal("task never finished")
	}
}

func TestResumeRestartsDeadline(t *testing.T) {
	require := require.New(t)
	r := newRegistry(time.Hour)
	r.Suspend()

	done := make(chan error, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go func() {
		done <- r.DoWithTimeout("resumed", 20*time.Millisecond, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	r.Resume()
	select {
	case err := <-done:
		var te *TimeoutError
		require.ErrorAs(err, &te)
	case <-time.After(time.Second):
		t.Fatal("deadline never fired after resume")
	}
}

func TestReportLongRunning(t *testing.T) {
	require := require.New(t)
	r := newRegistry(time.Hour)
	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Do("long", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	time.Sleep(10 * time.Millisecond)
	require.Equal(1, r.ReportLongRunning(5*time.Millisecond))
	require.Equal(0, r.ReportLongRunning(time.Hour))
	close(release)
}
