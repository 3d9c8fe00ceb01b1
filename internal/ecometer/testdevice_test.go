package ecometer

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// testDevice is an in-memory serial line shared by every port the reader
// opens, like the OS buffer behind a real tty.
type testDevice struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	openErr  error
	readErr  error
	opens    int
	closes   int
	lastMode *serial.Mode
	lastPath string
	timeout  time.Duration
}

func newTestDevice() *testDevice { return &testDevice{} }

func (d *testDevice) feed(chunks ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range chunks {
		d.buf.Write(c)
	}
}

func (d *testDevice) setOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *testDevice) counts() (opens, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

func (d *testDevice) opener() PortOpener {
	return func(path string, mode *serial.Mode) (Port, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.lastPath = path
		d.lastMode = mode
		if d.openErr != nil {
			return nil, d.openErr
		}
		d.opens++
		return &testPort{dev: d}, nil
	}
}

type testPort struct {
	dev    *testDevice
	closed bool
}

// Read returns buffered bytes, or nothing after a short pause when the
// buffer is empty, as a serial read timeout would.
func (p *testPort) Read(b []byte) (int, error) {
	if p.closed {
		return 0, errors.New("port closed")
	}
	p.dev.mu.Lock()
	if p.dev.readErr != nil {
		err := p.dev.readErr
		p.dev.mu.Unlock()
		return 0, err
	}
	if p.dev.buf.Len() == 0 {
		p.dev.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer p.dev.mu.Unlock()
	return p.dev.buf.Read(b)
}

func (p *testPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *testPort) Close() error {
	p.closed = true
	p.dev.mu.Lock()
	p.dev.closes++
	p.dev.mu.Unlock()
	return nil
}

func (p *testPort) SetReadTimeout(t time.Duration) error {
	p.dev.mu.Lock()
	p.dev.timeout = t
	p.dev.mu.Unlock()
	return nil
}

func liveFrame(tempF int, distance, usable, total uint16) []byte {
	d := &Datagram{
		Header:    Header,
		Direction: FromDevice,
		Flags:     FlagLive,
		Payload:   EncodeLivePayload(tempF, distance, usable, total),
		CRC:       0xBEEF,
	}
	return d.Encode()
}

func frameWithFlags(flags Flags, payload []byte) []byte {
	d := &Datagram{Header: Header, Direction: FromDevice, Flags: flags, Payload: payload}
	return d.Encode()
}
