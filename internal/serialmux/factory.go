package serialmux

import (
	"fmt"
	"log"

	"go.bug.st/serial"
)

// NewRealSerialMux opens the controller port at path.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	log.Printf("opened vehicle controller on %s at %d baud", path, mode.BaudRate)
	return NewSerialMux[serial.Port](port), nil
}
