package ecometer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
)

// FrameReader pulls one frame at a time off the serial line.
//
// Each ReadFrame opens the port, reads a single frame attempt and closes it
// again. Reopening costs a little per frame but recovers from stalled
// transports without extra bookkeeping.
type FrameReader struct {
	path   string
	opts   PortOptions
	opener PortOpener
	debug  bool
}

// NewFrameReader creates a reader for the port at path. A nil opener uses OpenSerial.
func NewFrameReader(path string, opts PortOptions, opener PortOpener) (*FrameReader, error) {
	norm, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if opener == nil {
		opener = OpenSerial
	}
	return &FrameReader{path: path, opts: norm, opener: opener}, nil
}

// SetDebug toggles per-read trace logging.
func (r *FrameReader) SetDebug(on bool) { r.debug = on }

// ReadFrame reads one frame. A timeout or a wrong header returns an error
// matched by IsNoFrame; the caller should simply read again.
func (r *FrameReader) ReadFrame(ctx context.Context) (RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode, err := r.opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := r.opener(r.path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrTransport, r.path, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(r.opts.ReadTimeout); err != nil {
		return nil, fmt.Errorf("%w: set timeout on %s: %v", ErrTransport, r.path, err)
	}
	r.debugf("connected to %s", r.path)

	return r.readFrom(port)
}

func (r *FrameReader) readFrom(port io.Reader) (RawFrame, error) {
	header := make([]byte, HeaderSize)
	n, err := readFull(port, header)
	if err != nil {
		return nil, err
	}
	if n < HeaderSize {
		r.debugf("header timeout after %d bytes", n)
		return nil, ErrTimeout
	}
	if header[0] != Header[0] || header[1] != Header[1] {
		r.debugf("discarding bytes % X, not a header", header)
		return nil, fmt.Errorf("%w: got % X", ErrHeaderMismatch, header)
	}

	lengthBytes := make([]byte, LengthSize)
	n, err = readFull(port, lengthBytes)
	if err != nil {
		return nil, err
	}
	if n < LengthSize {
		return nil, fmt.Errorf("%w: length field", ErrTimeout)
	}
	length := int(binary.BigEndian.Uint16(lengthBytes))
	if length < MinFrameLength {
		return nil, fmt.Errorf("%w: declared length %d < %d", ErrMalformed, length, MinFrameLength)
	}
	r.debugf("receiving %d bytes", length)

	frame := make([]byte, length)
	copy(frame[0:2], header)
	copy(frame[2:4], lengthBytes)
	n, err = readFull(port, frame[HeaderSize+LengthSize:])
	if err != nil {
		return nil, err
	}
	if want := length - HeaderSize - LengthSize; n < want {
		return nil, fmt.Errorf("%w: got %d of %d body bytes", ErrMalformed, n, want)
	}
	return frame, nil
}

// readFull reads until buf is full or a read returns no data (the port's
// read timeout elapsed, or end of stream). It returns the byte count; only
// real transport failures are errors.
func readFull(port io.Reader, buf []byte) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := port.Read(buf[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return got, nil
			}
			return got, fmt.Errorf("%w: read after %d/%d bytes: %v", ErrTransport, got, len(buf), err)
		}
		if n == 0 {
			return got, nil
		}
	}
	return got, nil
}

func (r *FrameReader) debugf(format string, args ...any) {
	if r.debug {
		log.Printf("[ecometer] "+format, args...)
	}
}
