// Command mstpsnap is the diagnostic SNAP capture tool of spec.md §6:
// it reads raw octets off an MS/TP serial line, decodes them with the
// same receive frame FSM the gateway uses, and re-emits every captured
// frame as a Cimetrics-style Ethernet SNAP packet onto a live network
// interface so a packet analyzer (e.g. the bacnet-stack Wireshark
// dissector) can display it.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"go.bug.st/serial"

	"github.com/librescoot/mstp-gateway/internal/mstp"
	"github.com/librescoot/mstp-gateway/internal/mstpframe"
)

// Cimetrics' registered OUI and the MS/TP SNAP PID, per original_source
// ports/linux/mstpsnap.c and spec.md §6.
var cimetricsOUI = [3]byte{0x00, 0x10, 0x90}

const mstpSnapPID = uint16(0x0001)

const (
	defaultDevice = "/dev/ttyUSB0"
	defaultBaud   = 38400
	defaultIface  = "eth0"
)

func main() {
	flag.Parse()
	args := flag.Args()

	device := defaultDevice
	baud := defaultBaud
	iface := defaultIface
	if len(args) > 0 {
		device = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("invalid baud rate %q: %v", args[1], err)
		}
		baud = n
	}
	if len(args) > 2 {
		iface = args[2]
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("mstpsnap: %s @ %d baud -> %s", device, baud, iface)

	port, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		log.Printf("open %s: %v", device, err)
		os.Exit(1)
	}
	defer port.Close()

	handle, err := pcap.OpenLive(iface, 65536, false, pcap.BlockForever)
	if err != nil {
		log.Printf("open %s for injection: %v", iface, err)
		os.Exit(1)
	}
	defer handle.Close()

	srcMAC := localMAC(iface)

	p := mstp.NewPort(0, mstpframe.MaxDataLen, mstpframe.MaxFrameLen)
	buf := make([]byte, 1)
	for {
		n, err := port.Read(buf)
		if err != nil {
			log.Fatalf("read %s: %v", device, err)
		}
		if n == 0 {
			continue
		}
		p.DataRegister = buf[0]
		p.DataAvailable = true
		p.ReceiveFrameFSM()
		if !p.FrameEventPending() {
			continue
		}

		frame := buildSNAPFrame(srcMAC, p)
		if err := handle.WritePacketData(frame); err != nil {
			log.Printf("inject frame: %v", err)
		}
		p.ClearFrameFlags()
	}
}

// localMAC looks up iface's hardware address; a capture host with no
// such interface (a loopback-only container, say) still injects with a
// zero source MAC rather than failing the whole tool.
func localMAC(iface string) net.HardwareAddr {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		log.Printf("looking up %s hardware address: %v", iface, err)
		return make(net.HardwareAddr, 6)
	}
	return ifi.HardwareAddr
}

// buildSNAPFrame wraps one captured frame's header fields and data in
// the 9-byte Cimetrics MS/TP header (delta-time=0, marker=0x80,
// frame_type, dest, src, length_hi, length_lo, header_crc) spec.md §6
// describes, inside an 802.3 Ethernet/LLC/SNAP envelope.
func buildSNAPFrame(srcMAC net.HardwareAddr, p *mstp.Port) []byte {
	mstpHeader := make([]byte, 9)
	binary.BigEndian.PutUint16(mstpHeader[0:2], 0) // delta-time
	mstpHeader[2] = 0x80                            // marker
	mstpHeader[3] = p.FrameType
	mstpHeader[4] = p.DestinationAddress
	mstpHeader[5] = p.SourceAddress
	mstpHeader[6] = byte(p.DataLength >> 8)
	mstpHeader[7] = byte(p.DataLength)
	mstpHeader[8] = p.HeaderCRCWire

	// A header CRC failure surfaces before any data octet is copied
	// into InputBuffer, so DataLength (read off the wire) can exceed
	// what was actually captured; clamp rather than slice past it.
	captured := p.DataLength
	if captured > len(p.InputBuffer) {
		captured = len(p.InputBuffer)
	}
	payload := append(mstpHeader, p.InputBuffer[:captured]...)
	if p.DataLength > 0 {
		// snap_received_packet appends the two data CRC octets,
		// most-significant byte first, after the payload.
		payload = append(payload, p.DataCRCActualMSB, p.DataCRCActualLSB)
	}

	snapHeader := []byte{
		0xAA, 0xAA, 0x03, // DSAP, SSAP, UI control
		cimetricsOUI[0], cimetricsOUI[1], cimetricsOUI[2],
		byte(mstpSnapPID >> 8), byte(mstpSnapPID),
	}
	llcLen := len(snapHeader) + len(payload)

	eth := make([]byte, 14)
	copy(eth[0:6], layers.EthernetBroadcast)
	copy(eth[6:12], srcMAC)
	binary.BigEndian.PutUint16(eth[12:14], uint16(llcLen))

	frame := make([]byte, 0, len(eth)+llcLen)
	frame = append(frame, eth...)
	frame = append(frame, snapHeader...)
	frame = append(frame, payload...)
	return frame
}
