// Package mstp implements the MS/TP data-link layer: the byte-paced
// receive frame FSM, the master/slave node FSMs, the outbound PDU queue
// and inbound receive slot, and the reply-match predicate that lets a
// master answer confirmed requests. It has no knowledge of any
// particular transport; internal/rs485 supplies that.
package mstp

import "time"

// RecvState is one of the seven states of the receive frame FSM (§4.2).
type RecvState int

const (
	StateIdle RecvState = iota
	StatePreamble
	StateHeader
	StateHeaderCRC
	StateData
	StateDataCRC
	StateSkipData
)

// MasterState is one of the nine states of the master node FSM (§4.3).
type MasterState int

const (
	StateInitialize MasterState = iota
	StateIdleMaster
	StateUseToken
	StateWaitForReply
	StateDoneWithToken
	StatePassToken
	StateNoToken
	StatePollForMaster
	StateAnswerDataRequest
)

// Counters receives notification of link events an operator may want to
// watch. Port calls it without a nil check, so it must not be nil;
// NewPort installs NopCounters, which implements every method as a no-op.
type Counters interface {
	FrameValid()
	FrameInvalid()
	FrameDropped()
	TokenPass()
	ReplyTimeout()
	PollForMaster()
}

// NopCounters discards every event.
type NopCounters struct{}

func (NopCounters) FrameValid()     {}
func (NopCounters) FrameInvalid()   {}
func (NopCounters) FrameDropped()   {}
func (NopCounters) TokenPass()      {}
func (NopCounters) ReplyTimeout()   {}
func (NopCounters) PollForMaster()  {}

// LineDriver is the subset of the RS-485 driver contract (§6) the FSMs
// need: send a fully framed buffer. Received octets reach the port
// through DataRegister/DataAvailable, not through this interface.
type LineDriver interface {
	SendFrame(buf []byte) error
}

// ConfigUpdate is posted on Port.Config to change a live port's
// identity/timing parameters from outside the master task. Per Design
// Notes §9, setters never mutate Port fields directly; they queue an
// update the master loop applies between FSM steps, when the port is
// quiescent.
type ConfigUpdate func(p *Port)

// Port is the single-writer-owned state of one MS/TP bus attachment. It
// is a value owned by the task running the master/slave FSM. The receive
// loop writes the receive-FSM decode fields, InputBuffer and the
// frame-event flags directly; the upper layer reaches the port through
// the PDU queue, the receive slot, Port.Config, and the read-only
// accessors.
type Port struct {
	// Identity (§3).
	ThisStation    uint8
	NmaxMaster     uint8
	NmaxInfoFrames uint8

	// Token-passing state.
	NextStation uint8
	PollStation uint8
	TokenCount  uint8
	EventCount  uint16
	SoleMaster  bool
	FrameCount  uint8

	// Frame-event flags, set by the receive FSM and cleared by the
	// master/slave FSM once consumed.
	ReceivedValidFrame         bool
	ReceivedValidFrameNotForUs bool
	ReceivedInvalidFrame       bool

	// Receive-FSM decode scratch (§3).
	RecvState           RecvState
	Index               int
	HeaderCRC           uint8
	DataCRC             uint16
	DataLength          int
	DestinationAddress  uint8
	SourceAddress       uint8
	FrameType           uint8
	HeaderCRCActual     uint8
	HeaderCRCWire       byte
	DataCRCActualLSB    byte
	DataCRCActualMSB    byte

	InputBuffer  []byte
	OutputBuffer []byte

	// Filled by the line driver's Check_UART_Data pump (§6): one
	// octet at a time, consumed by the receive FSM.
	DataAvailable bool
	DataRegister  byte

	Silence *SilenceTimer

	TreplyTimeout DurationMS
	TusageTimeout DurationMS

	MasterState MasterState

	Queue       *PDUQueue
	ReceiveSlot *ReceiveSlot

	Driver    LineDriver
	Counters  Counters

	// Config carries reconfiguration requests into the master loop.
	Config chan ConfigUpdate
}

// DurationMS is a millisecond duration kept as a plain int so the FSM
// code reads like the spec ("Treply_timeout") rather than importing
// time.Duration everywhere arithmetic on milliseconds is needed.
type DurationMS = int

// NewPort builds a port ready for INITIALIZE. InputBuffer holds only a
// frame's data octets, so inputBufferSize should be at least 501
// (mstpframe.MaxDataLen); OutputBuffer holds a whole frame, so
// outputBufferSize should be at least 501+8+2 (mstpframe.MaxFrameLen).
func NewPort(thisStation uint8, inputBufferSize, outputBufferSize int) *Port {
	p := &Port{
		ThisStation:    thisStation,
		NmaxMaster:     DefaultMaxMaster,
		NmaxInfoFrames: DefaultMaxInfoFrames,
		NextStation:    thisStation,
		PollStation:    thisStation,
		SoleMaster:     false,
		InputBuffer:    make([]byte, inputBufferSize),
		OutputBuffer:   make([]byte, outputBufferSize),
		Silence:        NewSilenceTimer(),
		TreplyTimeout:  int(DefaultTreplyTimeout.Milliseconds()),
		TusageTimeout:  int(DefaultTusageTimeout.Milliseconds()),
		MasterState:    StateInitialize,
		Queue:          NewPDUQueue(DefaultQueueCapacity),
		ReceiveSlot:    NewReceiveSlot(),
		Counters:       NopCounters{},
		Config:         make(chan ConfigUpdate, 4),
	}
	return p
}

// ApplyConfig drains any pending reconfiguration requests. Call it only
// from the master loop, between FSM invocations.
func (p *Port) ApplyConfig() {
	for {
		select {
		case fn := <-p.Config:
			fn(p)
		default:
			return
		}
	}
}

// SetMacAddress mirrors dlmstp_set_mac_address, widened to the full
// MS/TP address space (0-254; 255 is the reserved Broadcast address and
// is silently ignored). A master address that would otherwise exclude
// itself from the token ring also raises Nmax_master, as the original
// does; a slave address (128-254) leaves Nmax_master untouched.
func SetMacAddress(mac uint8) ConfigUpdate {
	return func(p *Port) {
		if mac == Broadcast {
			return
		}
		p.ThisStation = mac
		if mac <= 127 && mac > p.NmaxMaster {
			p.NmaxMaster = mac
		}
	}
}

// SetMaxMaster mirrors dlmstp_set_max_master.
func SetMaxMaster(maxMaster uint8) ConfigUpdate {
	return func(p *Port) {
		if maxMaster > 127 {
			return
		}
		if p.ThisStation <= maxMaster {
			p.NmaxMaster = maxMaster
		}
	}
}

// SetMaxInfoFrames mirrors dlmstp_set_max_info_frames.
func SetMaxInfoFrames(n uint8) ConfigUpdate {
	return func(p *Port) {
		if n >= 1 {
			p.NmaxInfoFrames = n
		}
	}
}

// SetReplyTimeout mirrors dlmstp_set_reply_timeout, clamped to the
// 255-300ms range the standard allows.
func SetReplyTimeout(d time.Duration) ConfigUpdate {
	return func(p *Port) {
		p.TreplyTimeout = int(ClampTreplyTimeout(d).Milliseconds())
	}
}

// SetUsageTimeout mirrors dlmstp_set_usage_timeout, clamped to the
// 20-100ms range the standard allows.
func SetUsageTimeout(d time.Duration) ConfigUpdate {
	return func(p *Port) {
		p.TusageTimeout = int(ClampTusageTimeout(d).Milliseconds())
	}
}

// BaudSetter is implemented by a line driver that can change its baud
// rate without being reopened. internal/rs485.Driver satisfies it.
type BaudSetter interface {
	SetBaud(rate int) error
}

// SetBaudRate mirrors dlmstp_set_baud_rate: it reaches past Port into
// the attached line driver, since the baud rate is a property of the
// transport, not the token-passing state. Invalid rates and drivers
// that don't support a live change are silently ignored, consistent
// with the other setters here.
func SetBaudRate(rate int) ConfigUpdate {
	return func(p *Port) {
		if !ValidBaudRates[rate] {
			return
		}
		if bs, ok := p.Driver.(BaudSetter); ok {
			_ = bs.SetBaud(rate)
		}
	}
}

// ValidBaudRates are the only baud rates the datalink contract allows.
var ValidBaudRates = map[int]bool{
	9600: true, 19200: true, 38400: true, 57600: true, 76800: true, 115200: true,
}

// MyAddress returns this port's own BACnet address.
func (p *Port) MyAddress() Address {
	return MyAddress(p.ThisStation)
}
