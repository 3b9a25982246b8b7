// Package serial implements a polled-mode driver for the 16550-compatible
// UART at COM1. The kernel uses it as the sink for all diagnostic output.
package serial

import "osprey/kernel/cpu"

const (
	// comPort is the I/O base of COM1.
	comPort = uint16(0x3f8)

	// regData is the transmit holding register (base + 0).
	regData = uint16(0)

	// regLineStatus is the line status register (base + 5).
	regLineStatus = uint16(5)

	// statusTxEmpty is set in the line status register when the transmit
	// holding register can accept another byte.
	statusTxEmpty = uint8(0x20)
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// Writer sends bytes to the COM1 UART, polling the line status register
// before each byte. It implements io.Writer so it can be registered as the
// kfmt output sink.
type Writer struct{}

// Write sends the contents of p to the UART one byte at a time. It always
// succeeds; the UART has no error reporting in polled transmit mode.
func (*Writer) Write(p []byte) (int, error) {
	for _, b := range p {
		for portReadByteFn(comPort+regLineStatus)&statusTxEmpty == 0 {
		}
		portWriteByteFn(comPort+regData, b)
	}

	return len(p), nil
}
