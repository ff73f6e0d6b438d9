package platform

import "errors"

// SerialPort is the early-boot console: the one output device available
// before the page cache, VFS, or even klog's zap backend exist. Grounded
// on the teacher's _comready/_kready polling style (cmd/mellokernel's
// original main.go) -- a real driver polls the UART line-status register
// before every byte; TransmitReady here plays that role for a fake in
// tests.
type SerialPort interface {
	TransmitReady() bool
	TransmitByte(b byte)
}

// Writer adapts a SerialPort to io.Writer so it can be handed to zap's
// core as a boot-time sink before klog.New's real backend is available.
type Writer struct {
	port SerialPort
}

func NewWriter(port SerialPort) *Writer {
	return &Writer{port: port}
}

var errPortNotReady = errors.New("platform: serial port did not become ready")

const maxSpinIterations = 1 << 20

func (w *Writer) Write(p []byte) (int, error) {
	for i, b := range p {
		spins := 0
		for !w.port.TransmitReady() {
			spins++
			if spins > maxSpinIterations {
				return i, errPortNotReady
			}
		}
		w.port.TransmitByte(b)
	}
	return len(p), nil
}
