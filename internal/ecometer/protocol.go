package ecometer

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Wire format of an Eco Meter S frame (big-endian):
//
//	0   2  header "SI"
//	2   2  length (total frame length, header and CRC included)
//	4   1  direction (1: to device, 2: from device)
//	5   1  flags
//	6   1  hour     (upload only)
//	7   1  minutes  (upload only)
//	8   1  seconds  (upload only)
//	9   2  eeprom start
//	11  2  eeprom end
//	13  n  payload
//	-2  2  CRC16 (not validated)
const (
	HeaderSize     = 2
	LengthSize     = 2
	PrefixSize     = 13
	CRCSize        = 2
	MinFrameLength = PrefixSize + CRCSize
)

// Header is the marker that starts every frame.
var Header = [HeaderSize]byte{'S', 'I'}

// RawFrame is one complete frame as read off the wire.
type RawFrame []byte

// Direction tells which side sent a datagram.
type Direction uint8

const (
	ToDevice   Direction = 1
	FromDevice Direction = 2
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Flags is the command bitmask at offset 5. Bits 5-7 are unused.
type Flags uint8

const (
	FlagSetClock    Flags = 1 << 0 // set hour/minutes/seconds on upload
	FlagReset       Flags = 1 << 1 // force reset before an update
	FlagSend        Flags = 1 << 2 // non-empty payload sent to the device
	FlagRecalculate Flags = 1 << 3 // recalculate after offset/table changes
	FlagLive        Flags = 1 << 4 // live data from the device
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagSetClock, "SETCLOCK"},
	{FlagReset, "RESET"},
	{FlagSend, "SEND"},
	{FlagRecalculate, "RECALCULATE"},
	{FlagLive, "LIVE"},
}

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

func (fl Flags) String() string {
	if fl == 0 {
		return "0"
	}
	var parts []string
	rest := fl
	for _, n := range flagNames {
		if fl.Has(n.f) {
			parts = append(parts, n.name)
			rest &^= n.f
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02X", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Datagram is the decoded structural view of a frame.
type Datagram struct {
	Header      [HeaderSize]byte
	Length      uint16
	Direction   Direction
	Flags       Flags
	Hour        uint8
	Minutes     uint8
	Seconds     uint8
	EEPROMStart uint16
	EEPROMEnd   uint16
	Payload     []byte
	CRC         uint16
}

// Decode slices a raw frame into its fixed fields. It does not check the
// header, the declared length or the CRC; a frame too short to hold the
// fixed fields yields a malformed DecodeError.
func Decode(raw RawFrame) (*Datagram, error) {
	if len(raw) < MinFrameLength {
		return nil, newDecodeError(KindMalformed, fmt.Errorf("frame is %d bytes, need at least %d", len(raw), MinFrameLength))
	}

	d := &Datagram{
		Length:      binary.BigEndian.Uint16(raw[2:4]),
		Direction:   Direction(raw[4]),
		Flags:       Flags(raw[5]),
		Hour:        raw[6],
		Minutes:     raw[7],
		Seconds:     raw[8],
		EEPROMStart: binary.BigEndian.Uint16(raw[9:11]),
		EEPROMEnd:   binary.BigEndian.Uint16(raw[11:13]),
		CRC:         binary.BigEndian.Uint16(raw[len(raw)-CRCSize:]),
	}
	copy(d.Header[:], raw[0:2])

	payload := raw[PrefixSize : len(raw)-CRCSize]
	d.Payload = make([]byte, len(payload))
	copy(d.Payload, payload)
	return d, nil
}

// IsLive reports whether the datagram carries a live reading. The whole flags
// byte must equal FlagLive; LIVE combined with any other bit does not count.
func (d *Datagram) IsLive() bool { return d.Flags == FlagLive }

// Encode is the inverse of Decode. Length is recomputed from the payload,
// the CRC field is written as stored.
func (d *Datagram) Encode() RawFrame {
	n := MinFrameLength + len(d.Payload)
	buf := make([]byte, n)
	copy(buf[0:2], d.Header[:])
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	buf[4] = byte(d.Direction)
	buf[5] = byte(d.Flags)
	buf[6] = d.Hour
	buf[7] = d.Minutes
	buf[8] = d.Seconds
	binary.BigEndian.PutUint16(buf[9:11], d.EEPROMStart)
	binary.BigEndian.PutUint16(buf[11:13], d.EEPROMEnd)
	copy(buf[PrefixSize:], d.Payload)
	binary.BigEndian.PutUint16(buf[n-CRCSize:], d.CRC)
	return buf
}

func (d *Datagram) String() string {
	return fmt.Sprintf("datagram{len=%d dir=%s flags=%s time=%02d:%02d:%02d eeprom=%d..%d payload=%d crc=0x%04X}",
		d.Length, d.Direction, d.Flags, d.Hour, d.Minutes, d.Seconds,
		d.EEPROMStart, d.EEPROMEnd, len(d.Payload), d.CRC)
}
