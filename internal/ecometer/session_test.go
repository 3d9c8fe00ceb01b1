package ecometer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestSession(t *testing.T, dev *testDevice, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithOpener(dev.opener()), WithClock(func() time.Time { return fixedNow })}, opts...)
	s, err := NewSession(Config{Port: "/dev/ttyTEST", TankHeight: 190, Offset: 11}, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// collector records observer calls and signals each one.
type collector struct {
	mu  sync.Mutex
	got []Measurement
	ch  chan Measurement
}

func newCollector() *collector { return &collector{ch: make(chan Measurement, 64)} }

func (c *collector) observe(s *Session, m Measurement) {
	c.mu.Lock()
	c.got = append(c.got, m)
	c.mu.Unlock()
	c.ch <- m
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) wait(t *testing.T) Measurement {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a measurement")
		return Measurement{}
	}
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(Config{})
	assert.Error(t, err)

	s, err := NewSession(Config{Port: "/dev/ttyUSB0", TankHeight: 190, Offset: 11})
	require.NoError(t, err)
	assert.Equal(t, 201, s.Height())
	assert.Equal(t, StateStopped, s.State())
	_, ok := s.Latest()
	assert.False(t, ok)
}

func TestSession_LiveFrameUpdatesLatestAndNotifies(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	c := newCollector()

	var seenLatest Measurement
	s.AddObserver(func(sess *Session, m Measurement) {
		seenLatest, _ = sess.Latest()
	})
	s.AddObserver(c.observe)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
	dev.feed(liveFrame(32, 60, 150, 256))

	m := c.wait(t)
	assert.Equal(t, 130, m.Level)
	assert.InDelta(t, 58.6, m.Percentage, 1e-9)
	assert.Equal(t, fixedNow, m.Timestamp)
	assert.Equal(t, m, seenLatest, "observers see the new reading through the session")

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, m, latest)
}

func TestSession_ObserversCalledInRegistrationOrder(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		s.AddObserver(func(*Session, Measurement) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 3 {
				close(done)
			}
		})
	}

	require.NoError(t, s.Start(context.Background()))
	dev.feed(liveFrame(32, 60, 150, 256))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observers not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSession_IgnoresNonLiveAndBadFrames(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	c := newCollector()
	s.AddObserver(c.observe)
	require.NoError(t, s.Start(context.Background()))

	dev.feed(
		liveFrame(32, 60, 150, 256),
		[]byte{0x12, 0x34}, // noise
		frameWithFlags(FlagLive|FlagSend, EncodeLivePayload(32, 10, 10, 10)),
		frameWithFlags(FlagSend, []byte{1}),
		liveFrame(32, 70, 100, 0),                  // total == 0
		frameWithFlags(FlagLive, []byte{1, 2, 3}), // short payload
		liveFrame(32, 80, 50, 100),
	)

	first := c.wait(t)
	second := c.wait(t)
	assert.Equal(t, 60, first.Distance)
	assert.Equal(t, 80, second.Distance)
	assert.InDelta(t, 50.0, second.Percentage, 1e-9)

	require.Eventually(t, func() bool { return s.Stats().Frames == 6 }, 2*time.Second, 5*time.Millisecond)
	st := s.Stats()
	assert.Equal(t, uint64(4), st.LiveFrames)
	assert.Equal(t, uint64(2), st.DecodeErrors)
	assert.NotZero(t, st.NoFrame)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, 2, c.count())
}

func TestSession_DivisionByZeroKeepsPrevious(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	c := newCollector()
	s.AddObserver(c.observe)
	require.NoError(t, s.Start(context.Background()))

	dev.feed(liveFrame(32, 60, 150, 256))
	prev := c.wait(t)

	dev.feed(liveFrame(32, 99, 99, 0))
	require.Eventually(t, func() bool { return s.Stats().DecodeErrors == 1 }, 2*time.Second, 5*time.Millisecond)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, prev, latest)
	assert.Equal(t, 1, c.count())
	assert.Equal(t, StateRunning, s.State())
}

func TestSession_HeaderMismatchDoesNotUpdate(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	require.NoError(t, s.Start(context.Background()))

	bad := liveFrame(32, 60, 150, 256)
	bad[0] = 'X'
	dev.feed(bad)

	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return dev.buf.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := s.Latest()
	assert.False(t, ok)
	assert.Zero(t, s.Stats().LiveFrames)
}

func TestSession_ObserverAddedLateAndRemoved(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	early := newCollector()
	s.AddObserver(early.observe)
	require.NoError(t, s.Start(context.Background()))

	dev.feed(liveFrame(32, 10, 1, 2))
	early.wait(t)

	late := newCollector()
	lateID := s.AddObserver(late.observe)
	dev.feed(liveFrame(32, 20, 1, 2))
	assert.Equal(t, 20, early.wait(t).Distance)
	assert.Equal(t, 20, late.wait(t).Distance)
	assert.Equal(t, 1, late.count(), "late observer misses earlier readings")

	assert.True(t, s.RemoveObserver(lateID))
	assert.False(t, s.RemoveObserver(lateID))
	dev.feed(liveFrame(32, 30, 1, 2))
	assert.Equal(t, 30, early.wait(t).Distance)
	assert.Equal(t, 1, late.count(), "removed observer gets no further calls")
}

func TestSession_StopTransitionsToStopped(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Err())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// idempotent
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestSession_RestartAfterStop(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	c := newCollector()
	s.AddObserver(c.observe)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Start(context.Background()))

	dev.feed(liveFrame(32, 42, 1, 2))
	assert.Equal(t, 42, c.wait(t).Distance)
}

func TestSession_ContextCancelStops(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on context cancel")
	}
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Err())
}

func TestSession_TransportFailureIsFatal(t *testing.T) {
	dev := newTestDevice()
	dev.setOpenErr(errors.New("permission denied"))
	s := newTestSession(t, dev)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on transport failure")
	}
	assert.Equal(t, StateStopped, s.State())
	require.Error(t, s.Err())
	assert.True(t, errors.Is(s.Err(), ErrTransport))
}

func TestSession_ObserverPanicIsContained(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev)
	s.AddObserver(func(*Session, Measurement) { panic("boom") })
	require.NoError(t, s.Start(context.Background()))

	dev.feed(liveFrame(32, 60, 150, 256))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after panic")
	}
	assert.Equal(t, StateStopped, s.State())
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "boom")

	_, ok := s.Latest()
	assert.True(t, ok, "reading was stored before observers ran")
}

func TestSession_VerifierDropsFrames(t *testing.T) {
	dev := newTestDevice()
	s := newTestSession(t, dev, WithVerifier(func(d *Datagram) error {
		if d.CRC != 0xBEEF {
			return errors.New("bad crc")
		}
		return nil
	}))
	c := newCollector()
	s.AddObserver(c.observe)
	require.NoError(t, s.Start(context.Background()))

	bad := &Datagram{Header: Header, Direction: FromDevice, Flags: FlagLive, Payload: EncodeLivePayload(32, 5, 1, 2), CRC: 0x0001}
	dev.feed(bad.Encode(), liveFrame(32, 6, 1, 2))

	assert.Equal(t, 6, c.wait(t).Distance)
	assert.Equal(t, uint64(1), s.Stats().DecodeErrors)
}

func TestSession_IndependentInstances(t *testing.T) {
	devA, devB := newTestDevice(), newTestDevice()
	a := newTestSession(t, devA)
	b := newTestSession(t, devB)
	ca, cb := newCollector(), newCollector()
	a.AddObserver(ca.observe)
	b.AddObserver(cb.observe)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))

	devA.feed(liveFrame(32, 11, 1, 2))
	assert.Equal(t, 11, ca.wait(t).Distance)

	_, ok := b.Latest()
	assert.False(t, ok)
	assert.Zero(t, cb.count())

	devB.feed(liveFrame(32, 22, 1, 2))
	assert.Equal(t, 22, cb.wait(t).Distance)

	a.Stop()
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, StateRunning, b.State())

	la, _ := a.Latest()
	assert.Equal(t, 11, la.Distance)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stop-requested", StateStopRequested.String())
}
