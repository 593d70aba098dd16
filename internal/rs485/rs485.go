// Package rs485 is the RS-485 line driver collaborator described in
// spec.md §6: open the tty, set the baud rate, pump received octets
// into an mstp.Port one at a time, and hold the line for transmit-enable
// around each outbound frame on a half-duplex bus.
package rs485

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/librescoot/mstp-gateway/internal/mstp"
)

// Driver is the concrete RS-485 line interface: it owns the tty and a
// background read pump. It implements mstp.LineDriver.
type Driver struct {
	device string
	port   serial.Port
	rx     chan byte
	closed chan struct{}
}

// Open opens device at baud 8N1 and starts the background read pump.
// baud must be one of the rates mstp.ValidBaudRates allows; callers are
// expected to check that before calling Open (mirrors
// dlmstp_set_baud_rate's validation at the datalink layer).
func Open(device string, baud int) (*Driver, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("rs485: open %s: %v", device, err)
	}

	// Assert DTR so USB-RS485 adapters that gate power off it come up;
	// per spec.md Design Notes §9(b) the assert-then-clear dance the
	// BSD port does is not portable and the intermediate state doesn't
	// matter, so a single assert is enough.
	if err := port.SetDTR(true); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("rs485: set DTR on %s: %v", device, err)
	}
	if err := port.SetRTS(false); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("rs485: set RTS on %s: %v", device, err)
	}

	d := &Driver{
		device: device,
		port:   port,
		rx:     make(chan byte, 4096),
		closed: make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *Driver) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := d.port.Read(buf)
		if err != nil {
			if err == io.EOF {
				close(d.closed)
				return
			}
			// A read error on an otherwise-open port (e.g. a
			// transient USB hiccup) is not fatal; back off briefly
			// and keep pumping.
			time.Sleep(5 * time.Millisecond)
			continue
		}
		for i := 0; i < n; i++ {
			d.rx <- buf[i]
		}
	}
}

// CheckUARTData implements check_uart_data (§6): a non-blocking pump
// that, if the port's one-octet DataRegister has been consumed, fills
// it from the RX FIFO. The receive task calls this once per loop
// iteration ahead of Port.ReceiveFrameFSM.
func (d *Driver) CheckUARTData(p *mstp.Port) {
	if p.DataAvailable {
		return
	}
	select {
	case b := <-d.rx:
		p.DataRegister = b
		p.DataAvailable = true
	default:
	}
}

// SendFrame implements mstp.LineDriver and the driver contract's
// send_frame: enable the TX driver, write the frame, block until the
// last stop bit is clocked out, then disable TX. RTS is wired to the
// adapter's half-duplex transmit-enable line.
func (d *Driver) SendFrame(buf []byte) error {
	if err := d.port.SetRTS(true); err != nil {
		return fmt.Errorf("rs485: enable TX: %v", err)
	}
	_, werr := d.port.Write(buf)
	derr := d.port.Drain()
	if err := d.port.SetRTS(false); err != nil && werr == nil {
		werr = fmt.Errorf("rs485: disable TX: %v", err)
	}
	if werr != nil {
		return werr
	}
	return derr
}

// SetBaud changes the open port's baud rate in place (via SetMode),
// implementing the driver contract's set_baud.
func (d *Driver) SetBaud(rate int) error {
	return d.port.SetMode(&serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// Close releases the tty; the read pump observes EOF and exits.
func (d *Driver) Close() error {
	return d.port.Close()
}

// Device returns the path the driver was opened on.
func (d *Driver) Device() string {
	return d.device
}
