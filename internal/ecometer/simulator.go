package ecometer

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Simulator generates Eco Meter S traffic for development without hardware.
// It emits a live frame every Interval with a slowly draining and refilling
// tank, and now and then a non-live frame or a stray byte pair so the
// resynchronisation path gets exercised.
type Simulator struct {
	Interval time.Duration
	Capacity uint16 // total capacity reported in every frame

	mu    sync.Mutex
	rng   *rand.Rand
	t     float64 // virtual time accumulator
	seq   int
	buf   []byte
	sleep func(time.Duration)
}

// NewSimulator creates a simulator emitting one frame per interval.
func NewSimulator(interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Simulator{
		Interval: interval,
		Capacity: 1500,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    time.Sleep,
	}
}

// Opener returns a PortOpener whose ports all read from this simulator.
func (sim *Simulator) Opener() PortOpener {
	return func(path string, mode *serial.Mode) (Port, error) {
		return &simulatedPort{sim: sim, timeout: DefaultReadTimeout}, nil
	}
}

// next appends the bytes of the next emission to the buffer.
func (sim *Simulator) next() {
	sim.seq++
	sim.t += sim.Interval.Seconds()

	switch {
	case sim.seq%17 == 0:
		sim.buf = append(sim.buf, 0x00, 0xFF)
		return
	case sim.seq%10 == 0:
		d := &Datagram{
			Header:    Header,
			Direction: FromDevice,
			Flags:     FlagSend,
			Payload:   []byte{0x00, 0x01},
		}
		sim.buf = append(sim.buf, d.Encode()...)
		return
	}

	// level swings between 15% and 95% over ~10 minutes of virtual time
	fill := 0.55 + 0.4*math.Sin(sim.t*2*math.Pi/600)
	usable := uint16(fill * float64(sim.Capacity))
	distance := uint16(float64(MaxDistance) * (1 - fill))
	tempF := 50 + sim.rng.Intn(6)

	now := time.Now()
	d := &Datagram{
		Header:    Header,
		Direction: FromDevice,
		Flags:     FlagLive,
		Hour:      uint8(now.Hour()),
		Minutes:   uint8(now.Minute()),
		Seconds:   uint8(now.Second()),
		Payload:   EncodeLivePayload(tempF, distance, usable, sim.Capacity),
		CRC:       uint16(sim.rng.Intn(math.MaxUint16)),
	}
	sim.buf = append(sim.buf, d.Encode()...)
}

func (sim *Simulator) read(p []byte, timeout time.Duration) int {
	sim.mu.Lock()
	empty := len(sim.buf) == 0
	sim.mu.Unlock()

	if empty {
		wait := sim.Interval
		if wait > timeout {
			sim.sleep(timeout)
			return 0
		}
		sim.sleep(wait)
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()
	if len(sim.buf) == 0 {
		sim.next()
	}
	n := copy(p, sim.buf)
	sim.buf = sim.buf[n:]
	return n
}

type simulatedPort struct {
	sim     *Simulator
	timeout time.Duration
	closed  bool
}

func (p *simulatedPort) Read(b []byte) (int, error) {
	if p.closed {
		return 0, errors.New("simulated port closed")
	}
	return p.sim.read(b, p.timeout), nil
}

func (p *simulatedPort) Write(b []byte) (int, error) {
	if p.closed {
		return 0, errors.New("simulated port closed")
	}
	return len(b), nil
}

func (p *simulatedPort) Close() error {
	p.closed = true
	return nil
}

func (p *simulatedPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}
