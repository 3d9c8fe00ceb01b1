package ecometer

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// MaxDistance is the distance reading that corresponds to an empty tank.
// Level is derived from it, not from the configured tank height.
const MaxDistance = 190

// LivePayloadSize is the number of payload bytes a live reading needs.
const LivePayloadSize = 7

// Measurement holds the physical values derived from a live datagram.
type Measurement struct {
	Temperature float64   `json:"temperature"` // °C
	Distance    int       `json:"distance"`    // sensor to surface
	Level       int       `json:"level"`       // MaxDistance - Distance
	Usable      int       `json:"usable"`      // usable volume
	Total       int       `json:"total"`       // total capacity
	Volume      int       `json:"volume"`      // same as Usable
	Percentage  float64   `json:"percentage"`  // 0-100
	Timestamp   time.Time `json:"timestamp"`   // decode time, not device time
}

// InterpretLive converts the payload of a live datagram into a Measurement.
//
// Payload layout:
//
//	0    temperature, Fahrenheit + 40
//	1-2  distance
//	3-4  usable volume
//	5-6  total capacity
func InterpretLive(d *Datagram, now time.Time) (Measurement, error) {
	p := d.Payload
	if len(p) < LivePayloadSize {
		return Measurement{}, newDecodeError(KindMalformed,
			fmt.Errorf("live payload is %d bytes, need %d", len(p), LivePayloadSize))
	}

	tempF := float64(int(p[0]) - 40)
	m := Measurement{
		Temperature: round1((tempF - 32) / 1.8),
		Distance:    int(binary.BigEndian.Uint16(p[1:3])),
		Usable:      int(binary.BigEndian.Uint16(p[3:5])),
		Total:       int(binary.BigEndian.Uint16(p[5:7])),
		Timestamp:   now,
	}
	m.Level = MaxDistance - m.Distance
	m.Volume = m.Usable

	if m.Total == 0 {
		return Measurement{}, newDecodeError(KindDivisionByZero,
			fmt.Errorf("total capacity is 0 (usable=%d)", m.Usable))
	}
	m.Percentage = round1(100.0 * float64(m.Volume) / float64(m.Total))
	return m, nil
}

// EncodeLivePayload builds the payload InterpretLive reads. tempF is the
// Fahrenheit temperature before the +40 offset.
func EncodeLivePayload(tempF int, distance, usable, total uint16) []byte {
	p := make([]byte, LivePayloadSize)
	p[0] = byte(tempF + 40)
	binary.BigEndian.PutUint16(p[1:3], distance)
	binary.BigEndian.PutUint16(p[3:5], usable)
	binary.BigEndian.PutUint16(p[5:7], total)
	return p
}

// round1 rounds the exact binary value to one decimal place, with ties to
// even. Scaling by 10 first would turn 0.15 (stored as 0.1499...) into 1.5.
func round1(v float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 1, 64), 64)
	return r
}
