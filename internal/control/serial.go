package control

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/pose.report/internal/serialmux"
)

// ErrBadControlLine is returned by ParseControlLine.
var ErrBadControlLine = errors.New("malformed control line")

// FormatControlLine renders v as CTL,<throttle>,<steer>,<brake>,<reverse>.
func FormatControlLine(v VehicleControl) string {
	return fmt.Sprintf("CTL,%.3f,%.3f,%d,%d", v.Throttle, v.Steer, b2i(v.Brake), b2i(v.Reverse))
}

// ParseControlLine is the inverse of FormatControlLine.
func ParseControlLine(line string) (VehicleControl, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 5 || parts[0] != "CTL" {
		return VehicleControl{}, fmt.Errorf("%w: %q", ErrBadControlLine, line)
	}
	throttle, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return VehicleControl{}, fmt.Errorf("%w: throttle: %v", ErrBadControlLine, err)
	}
	steer, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return VehicleControl{}, fmt.Errorf("%w: steer: %v", ErrBadControlLine, err)
	}
	brake, err := parseFlag(parts[3])
	if err != nil {
		return VehicleControl{}, err
	}
	reverse, err := parseFlag(parts[4])
	if err != nil {
		return VehicleControl{}, err
	}
	return VehicleControl{Throttle: throttle, Steer: steer, Brake: brake, Reverse: reverse}, nil
}

func parseFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("%w: flag %q", ErrBadControlLine, s)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SerialSink sends actuation state to a vehicle controller over a serial
// link.
type SerialSink struct {
	mux serialmux.SerialMuxInterface
}

// NewSerialSink wraps mux.
func NewSerialSink(mux serialmux.SerialMuxInterface) *SerialSink {
	return &SerialSink{mux: mux}
}

// Initialize puts the controller into neutral.
func (s *SerialSink) Initialize() error {
	return s.ApplyControl(VehicleControl{})
}

// ApplyControl writes one control line.
func (s *SerialSink) ApplyControl(v VehicleControl) error {
	if err := s.mux.SendCommand(FormatControlLine(v)); err != nil {
		return fmt.Errorf("failed to send vehicle control: %w", err)
	}
	return nil
}
