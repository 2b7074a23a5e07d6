package sensors

import (
	"context"
	"fmt"
	"io"
	"log"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/motion_fusion/internal/imu"
)

// SerialSource reads sample sentences from a serial port.
type SerialSource struct {
	PortName string
	BaudRate uint
	Caps     imu.Capabilities

	// open is replaced in tests.
	open func(serial.OpenOptions) (io.ReadWriteCloser, error)
}

func NewSerialSource(port string, baud int, caps imu.Capabilities) *SerialSource {
	return &SerialSource{PortName: port, BaudRate: uint(baud), Caps: caps, open: serial.Open}
}

func (s *SerialSource) Capabilities() imu.Capabilities { return s.Caps }

// Run opens the port and reads until ctx is cancelled or the port fails.
func (s *SerialSource) Run(ctx context.Context, push PushFunc) error {
	serialOpts := serial.OpenOptions{
		PortName:              s.PortName,
		BaudRate:              s.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}

	port, err := s.open(serialOpts)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", s.PortName, err)
	}
	log.Printf("sensors: serial port opened on %s at %d baud", serialOpts.PortName, serialOpts.BaudRate)

	// Closing the port unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()

	return ReadSentences(ctx, port, push)
}
