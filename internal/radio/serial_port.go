package radio

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens the named serial device at baud 8-N-1 and returns it
// as the io.ReadWriteCloser NewSerialAdapter expects.
func OpenSerial(devicePath string, baud int) (serial.Port, error) {
	port, err := serial.Open(devicePath, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", devicePath, err)
	}
	return port, nil
}
