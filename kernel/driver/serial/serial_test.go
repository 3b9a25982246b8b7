package serial

import (
	"testing"

	"osprey/kernel/cpu"
)

func TestWriterPollsBeforeEachByte(t *testing.T) {
	defer func() {
		portReadByteFn = cpu.PortReadByte
		portWriteByteFn = cpu.PortWriteByte
	}()

	var (
		sent      []byte
		statusSeq = []uint8{0, 0, statusTxEmpty, statusTxEmpty, statusTxEmpty}
	)

	portReadByteFn = func(port uint16) uint8 {
		if port != comPort+regLineStatus {
			t.Fatalf("expected status read from port 0x%x; got 0x%x", comPort+regLineStatus, port)
		}

		status := statusSeq[0]
		if len(statusSeq) > 1 {
			statusSeq = statusSeq[1:]
		}
		return status
	}

	portWriteByteFn = func(port uint16, val uint8) {
		if port != comPort+regData {
			t.Fatalf("expected data write to port 0x%x; got 0x%x", comPort+regData, port)
		}
		sent = append(sent, val)
	}

	var w Writer
	n, err := w.Write([]byte("ok\n"))
	if n != 3 || err != nil {
		t.Fatalf("expected (3, nil); got (%d, %v)", n, err)
	}

	if got := string(sent); got != "ok\n" {
		t.Fatalf("expected the UART to receive %q; got %q", "ok\n", got)
	}
}
