package mstp

import "github.com/librescoot/mstp-gateway/internal/crc"

// ReceiveFrameFSM advances the receive frame FSM by at most one octet
// (§4.2). It is meant to be called in a tight loop by the receive task
// while the line driver still has bytes queued; when Port.DataAvailable
// is false, it instead checks the inter-octet abort timeout.
//
// On completion of a frame it sets exactly one of ReceivedValidFrame,
// ReceivedValidFrameNotForUs or ReceivedInvalidFrame and returns to
// IDLE; the caller (the master/slave FSM) is responsible for clearing
// that flag once consumed.
func (p *Port) ReceiveFrameFSM() {
	if !p.DataAvailable {
		if p.RecvState != StateIdle && p.Silence.Elapsed() >= TframeAbort {
			p.abortFrame()
		}
		return
	}

	b := p.DataRegister
	p.DataAvailable = false
	p.Silence.Reset()

	switch p.RecvState {
	case StateIdle:
		if b == 0x55 {
			p.RecvState = StatePreamble
		}

	case StatePreamble:
		switch b {
		case 0xFF:
			p.RecvState = StateHeader
			p.HeaderCRC = crc.HeaderInit
			p.Index = 0
		case 0x55:
			// stay, in case of a repeated preamble byte
		default:
			p.RecvState = StateIdle
		}

	case StateHeader:
		p.HeaderCRC = crc.Header(b, p.HeaderCRC)
		switch p.Index {
		case 0:
			p.FrameType = b
		case 1:
			p.DestinationAddress = b
		case 2:
			p.SourceAddress = b
		case 3:
			p.DataLength = int(b) << 8
		case 4:
			p.DataLength |= int(b)
		}
		p.Index++
		if p.Index == 5 {
			p.RecvState = StateHeaderCRC
		}

	case StateHeaderCRC:
		p.HeaderCRCWire = b
		p.HeaderCRC = crc.Header(b, p.HeaderCRC)
		p.HeaderCRCActual = p.HeaderCRC
		if p.HeaderCRC != crc.HeaderGood {
			p.ReceivedInvalidFrame = true
			p.Counters.FrameInvalid()
			p.RecvState = StateIdle
			return
		}
		switch {
		case p.DataLength == 0:
			p.decideAddressing()
			p.RecvState = StateIdle
		case p.DataLength <= len(p.InputBuffer):
			p.RecvState = StateData
			p.DataCRC = crc.DataInit
			p.Index = 0
		default:
			p.RecvState = StateSkipData
			p.DataCRC = crc.DataInit
			p.Index = 0
		}

	case StateData:
		p.InputBuffer[p.Index] = b
		p.DataCRC = crc.Data(b, p.DataCRC)
		p.Index++
		if p.Index >= p.DataLength {
			p.RecvState = StateDataCRC
			p.Index = 0
		}

	case StateSkipData:
		p.DataCRC = crc.Data(b, p.DataCRC)
		p.Index++
		if p.Index >= p.DataLength {
			p.RecvState = StateDataCRC
			p.Index = 0
		}

	case StateDataCRC:
		p.DataCRC = crc.Data(b, p.DataCRC)
		if p.Index == 0 {
			p.DataCRCActualLSB = b
			p.Index = 1
			return
		}
		p.DataCRCActualMSB = b
		oversize := p.DataLength > len(p.InputBuffer)
		if oversize || p.DataCRC != crc.DataGood {
			p.ReceivedInvalidFrame = true
			p.Counters.FrameInvalid()
		} else {
			p.decideAddressing()
		}
		p.RecvState = StateIdle
		p.Index = 0
	}
}

// decideAddressing classifies a header/data-CRC-valid frame as ours,
// someone else's, or a broadcast (§4.3 "dispatch by frame type" reads
// ReceivedValidFrame either way; only the flag differs).
func (p *Port) decideAddressing() {
	if p.DestinationAddress == p.ThisStation || p.DestinationAddress == Broadcast {
		p.ReceivedValidFrame = true
	} else {
		p.ReceivedValidFrameNotForUs = true
	}
	p.Counters.FrameValid()
}

// abortFrame handles the inter-octet timeout: a frame in progress that
// goes TframeAbort without a new octet is invalid.
func (p *Port) abortFrame() {
	p.ReceivedInvalidFrame = true
	p.Counters.FrameInvalid()
	p.RecvState = StateIdle
	p.Index = 0
}

// ClearFrameFlags resets the three frame-event flags once the master or
// slave FSM has consumed them.
func (p *Port) ClearFrameFlags() {
	p.ReceivedValidFrame = false
	p.ReceivedValidFrameNotForUs = false
	p.ReceivedInvalidFrame = false
}

// FrameEventPending reports whether the receive FSM has a frame event
// the master/slave FSM hasn't consumed yet.
func (p *Port) FrameEventPending() bool {
	return p.ReceivedValidFrame || p.ReceivedValidFrameNotForUs || p.ReceivedInvalidFrame
}
