package ecometer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopRequested
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Observer is called from the session goroutine after every live reading,
// once the reading is visible through Session.Latest. Observers run in
// registration order and must return quickly: a slow observer delays the
// next frame.
type Observer func(s *Session, m Measurement)

// ObserverID identifies a registered observer.
type ObserverID uint64

type observerEntry struct {
	id ObserverID
	fn Observer
}

// Stats counts what the read loop has seen since the session was created.
type Stats struct {
	Frames       uint64 `json:"frames"`
	LiveFrames   uint64 `json:"liveFrames"`
	NoFrame      uint64 `json:"noFrame"`
	DecodeErrors uint64 `json:"decodeErrors"`
}

// Session monitors one device: it runs the read/decode loop on its own
// goroutine, keeps the latest Measurement and fans it out to observers.
type Session struct {
	cfg    Config
	height int
	reader *FrameReader
	now    func() time.Time
	verify func(*Datagram) error
	opener PortOpener

	stateMu sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	latestMu  sync.RWMutex
	latest    Measurement
	hasLatest bool

	obsMu     sync.Mutex
	observers []observerEntry
	nextID    ObserverID

	frames       atomic.Uint64
	liveFrames   atomic.Uint64
	noFrame      atomic.Uint64
	decodeErrors atomic.Uint64
}

// Option customises a Session.
type Option func(*Session)

// WithOpener replaces the serial port opener (simulation, tests).
func WithOpener(o PortOpener) Option {
	return func(s *Session) { s.opener = o }
}

// WithClock replaces the clock used to timestamp measurements.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithVerifier installs a check run on every decoded datagram before it is
// interpreted, e.g. CRC verification. A non-nil error drops the frame.
func WithVerifier(v func(*Datagram) error) Option {
	return func(s *Session) { s.verify = v }
}

// NewSession creates a stopped session for cfg.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		height: cfg.Height(),
		now:    time.Now,
		opener: OpenSerial,
	}
	for _, o := range opts {
		o(s)
	}

	reader, err := NewFrameReader(cfg.Port, cfg.Serial, s.opener)
	if err != nil {
		return nil, err
	}
	reader.SetDebug(cfg.Debug)
	s.reader = reader

	closed := make(chan struct{})
	close(closed)
	s.done = closed
	return s, nil
}

// Config returns the configuration the session was created with.
func (s *Session) Config() Config { return s.cfg }

// Height is offset + tank height, computed at construction. Level does not
// use it; see MaxDistance.
func (s *Session) Height() int { return s.height }

// Start launches the read loop. Cancelling ctx has the same effect as Stop
// without the wait.
func (s *Session) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateStopped {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.state = StateRunning
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil

	log.Printf("[ecometer] monitoring %s (height=%d)", s.cfg.Port, s.height)
	go s.monitor(loopCtx, s.done)
	return nil
}

// Stop asks the loop to exit and waits until it has. The loop notices the
// request between frames, so this can take up to one read timeout. It must
// not be called from an observer.
func (s *Session) Stop() {
	s.stateMu.Lock()
	done := s.done
	if s.state == StateRunning {
		log.Printf("[ecometer] stop requested for %s", s.cfg.Port)
		s.state = StateStopRequested
		s.cancel()
	}
	s.stateMu.Unlock()

	<-done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Done is closed when the current loop exits, by Stop or by a fatal error.
func (s *Session) Done() <-chan struct{} {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.done
}

// Err returns the error that ended the last loop, or nil if it was stopped
// cleanly or is still running.
func (s *Session) Err() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.err
}

// Latest returns the most recent Measurement. ok is false until the first
// live frame has been decoded.
func (s *Session) Latest() (m Measurement, ok bool) {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest, s.hasLatest
}

// Stats returns the loop counters.
func (s *Session) Stats() Stats {
	return Stats{
		Frames:       s.frames.Load(),
		LiveFrames:   s.liveFrames.Load(),
		NoFrame:      s.noFrame.Load(),
		DecodeErrors: s.decodeErrors.Load(),
	}
}

// AddObserver registers fn for subsequent live readings.
func (s *Session) AddObserver(fn Observer) ObserverID {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextID++
	s.observers = append(s.observers, observerEntry{id: s.nextID, fn: fn})
	return s.nextID
}

// RemoveObserver unregisters an observer. It reports whether id was registered.
func (s *Session) RemoveObserver(id ObserverID) bool {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for i, e := range s.observers {
		if e.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) monitor(ctx context.Context, done chan struct{}) {
	err := s.loop(ctx)
	if err != nil {
		log.Printf("[ecometer] monitoring %s stopped: %v", s.cfg.Port, err)
	} else {
		log.Printf("[ecometer] monitoring %s stopped", s.cfg.Port)
	}

	s.stateMu.Lock()
	s.state = StateStopped
	s.err = err
	s.cancel()
	s.stateMu.Unlock()
	close(done)
}

// loop is the single recovery point: anything that escapes a step,
// including a panic, ends monitoring.
func (s *Session) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ecometer: panic in read loop: %v", r)
		}
	}()

	for {
		if s.State() != StateRunning || ctx.Err() != nil {
			return nil
		}
		if err := s.step(ctx); err != nil {
			return err
		}
	}
}

// step runs one read/decode cycle. Only errors that should end the loop are
// returned; per-frame problems are logged and counted.
func (s *Session) step(ctx context.Context) error {
	raw, err := s.reader.ReadFrame(ctx)
	switch {
	case err == nil:
	case IsNoFrame(err):
		s.noFrame.Add(1)
		return nil
	case errors.Is(err, ErrMalformed):
		s.decodeErrors.Add(1)
		log.Printf("[ecometer] dropped frame: %v", err)
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return err
	}
	s.frames.Add(1)

	d, err := Decode(raw)
	if err != nil {
		s.decodeErrors.Add(1)
		log.Printf("[ecometer] dropped frame: %v", err)
		return nil
	}
	if s.verify != nil {
		if err := s.verify(d); err != nil {
			s.decodeErrors.Add(1)
			log.Printf("[ecometer] dropped frame: verify: %v", err)
			return nil
		}
	}
	s.debugf("parsed %s", d)

	if !d.IsLive() {
		return nil
	}
	s.liveFrames.Add(1)

	m, err := InterpretLive(d, s.now())
	if err != nil {
		s.decodeErrors.Add(1)
		log.Printf("[ecometer] dropped live reading: %v", err)
		return nil
	}

	s.latestMu.Lock()
	s.latest = m
	s.hasLatest = true
	s.latestMu.Unlock()
	s.debugf("live: level=%d volume=%d/%d (%.1f%%) temp=%.1fC", m.Level, m.Volume, m.Total, m.Percentage, m.Temperature)

	s.notify(m)
	return nil
}

func (s *Session) notify(m Measurement) {
	s.obsMu.Lock()
	snapshot := make([]observerEntry, len(s.observers))
	copy(snapshot, s.observers)
	s.obsMu.Unlock()

	for _, e := range snapshot {
		e.fn(s, m)
	}
}

func (s *Session) debugf(format string, args ...any) {
	if s.cfg.Debug {
		log.Printf("[ecometer] "+format, args...)
	}
}
