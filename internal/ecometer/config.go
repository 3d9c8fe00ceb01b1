package ecometer

import (
	"errors"
	"fmt"
)

// Config describes one Eco Meter S attached to one serial port. It is fixed
// for the lifetime of a Session.
type Config struct {
	Port       string      `yaml:"port" json:"port"`              // e.g. /dev/ttyUSB0
	TankHeight int         `yaml:"tank_height" json:"tankHeight"` // cm
	Offset     int         `yaml:"offset" json:"offset"`          // sensor offset above the tank, cm
	Serial     PortOptions `yaml:"serial" json:"serial"`
	Debug      bool        `yaml:"debug" json:"debug"` // per-frame trace logging
}

// Validate checks the fields a session cannot run without.
func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("ecometer: port is required")
	}
	if _, err := c.Serial.Normalize(); err != nil {
		return fmt.Errorf("ecometer: serial options: %w", err)
	}
	return nil
}

// Height is the sensor offset plus the tank height.
func (c Config) Height() int { return c.Offset + c.TankHeight }
