package mstp

import (
	"time"

	"github.com/librescoot/mstp-gateway/internal/mstpframe"
)

// MasterFSM advances the master node FSM (§4.3) by one step and reports
// whether the caller should invoke it again immediately, without
// waiting for a new octet or timer tick. The master task loops on this
// return value, draining state changes until the FSM goes quiet.
func (p *Port) MasterFSM() bool {
	switch p.MasterState {
	case StateInitialize:
		return p.masterInitialize()
	case StateIdleMaster:
		return p.masterIdle()
	case StateUseToken:
		return p.masterUseToken()
	case StateWaitForReply:
		return p.masterWaitForReply()
	case StateDoneWithToken:
		return p.masterDoneWithToken()
	case StatePassToken:
		return p.masterPassToken()
	case StateNoToken:
		return p.masterNoToken()
	case StatePollForMaster:
		return p.masterPollForMaster()
	case StateAnswerDataRequest:
		return p.masterAnswerDataRequest()
	default:
		p.MasterState = StateInitialize
		return true
	}
}

func (p *Port) masterInitialize() bool {
	p.Silence.Reset()
	p.MasterState = StateIdleMaster
	return true
}

func (p *Port) masterIdle() bool {
	if p.ReceivedInvalidFrame {
		p.ClearFrameFlags()
		return false
	}
	if p.ReceivedValidFrameNotForUs {
		p.ClearFrameFlags()
		return false
	}
	if p.ReceivedValidFrame {
		defer p.ClearFrameFlags()
		data := p.InputBuffer[:p.DataLength]
		switch mstpframe.FrameType(p.FrameType) {
		case mstpframe.Token:
			if p.DestinationAddress != p.ThisStation {
				return false
			}
			p.FrameCount = 0
			if !p.Queue.Empty() {
				p.MasterState = StateUseToken
			} else {
				p.MasterState = StateDoneWithToken
			}
			return true

		case mstpframe.PollForMaster:
			if p.DestinationAddress == p.ThisStation {
				p.sendReplyToPollForMaster(p.SourceAddress)
			}
			return false

		case mstpframe.ReplyToPollForMaster:
			p.SoleMaster = false
			return false

		case mstpframe.BACnetDataExpectingReply:
			if p.DestinationAddress != p.ThisStation {
				return false
			}
			p.MasterState = StateAnswerDataRequest
			return true

		case mstpframe.BACnetDataNotExpectingReply, mstpframe.TestRequest, mstpframe.TestResponse:
			p.deliverToUpperLayer(data)
			return false

		default:
			return false
		}
	}

	if p.Silence.Elapsed() >= TnoToken(p.ThisStation) {
		p.MasterState = StateNoToken
		return true
	}
	return false
}

func (p *Port) masterUseToken() bool {
	n := p.Queue.GetSend(p.OutputBuffer, p.ThisStation)
	if n == 0 {
		p.MasterState = StateDoneWithToken
		return true
	}
	frameType := mstpframe.FrameType(p.OutputBuffer[2])
	dest := p.OutputBuffer[3]
	p.transmitFrame(n)
	p.FrameCount++

	if frameType == mstpframe.BACnetDataExpectingReply && dest != Broadcast {
		p.MasterState = StateWaitForReply
	} else {
		p.MasterState = StateDoneWithToken
	}
	return true
}

func (p *Port) masterWaitForReply() bool {
	if p.ReceivedInvalidFrame {
		p.ClearFrameFlags()
		p.MasterState = StateDoneWithToken
		return true
	}
	if p.ReceivedValidFrameNotForUs {
		p.ClearFrameFlags()
		return false
	}
	if p.ReceivedValidFrame {
		defer p.ClearFrameFlags()
		switch mstpframe.FrameType(p.FrameType) {
		case mstpframe.ReplyPostponed:
			p.MasterState = StateDoneWithToken
			return true
		case mstpframe.BACnetDataNotExpectingReply, mstpframe.BACnetDataExpectingReply:
			if p.DestinationAddress == p.ThisStation {
				p.deliverToUpperLayer(p.InputBuffer[:p.DataLength])
				p.MasterState = StateDoneWithToken
				return true
			}
			return false
		default:
			return false
		}
	}

	if p.Silence.Elapsed() >= time.Duration(p.TreplyTimeout)*time.Millisecond {
		p.Counters.ReplyTimeout()
		p.MasterState = StateDoneWithToken
		return true
	}
	return false
}

func (p *Port) masterDoneWithToken() bool {
	if p.FrameCount < p.NmaxInfoFrames && !p.Queue.Empty() {
		p.MasterState = StateUseToken
		return true
	}

	p.TokenCount++
	if p.TokenCount >= Npoll {
		p.TokenCount = 0
		p.PollStation = p.ThisStation
		p.MasterState = StatePollForMaster
		return true
	}

	// PASS_TOKEN transmits Token(Next_Station); when SoleMaster that is
	// This_Station itself, so the frame loops straight back through the
	// receive FSM on the shared bus and IDLE sees a Token addressed to us.
	p.MasterState = StatePassToken
	return true
}

func (p *Port) masterPassToken() bool {
	n := mstpframe.CreateFrame(p.OutputBuffer, mstpframe.Token, p.NextStation, p.ThisStation, nil)
	p.transmitFrame(n)
	p.Counters.TokenPass()
	p.MasterState = StateIdleMaster
	return false
}

func (p *Port) masterNoToken() bool {
	if p.ReceivedValidFrame || p.ReceivedValidFrameNotForUs || p.ReceivedInvalidFrame {
		p.ClearFrameFlags()
		p.MasterState = StateIdleMaster
		return true
	}

	timeout := TnoToken(p.ThisStation) + time.Duration(10*int(p.NmaxMaster)*int(p.ThisStation))*time.Millisecond
	if p.Silence.Elapsed() >= timeout {
		p.PollStation = p.ThisStation
		p.MasterState = StatePollForMaster
		return true
	}
	return false
}

func (p *Port) masterPollForMaster() bool {
	if p.ReceivedInvalidFrame {
		p.ClearFrameFlags()
		return false
	}
	if p.ReceivedValidFrameNotForUs {
		p.ClearFrameFlags()
		return false
	}
	if p.ReceivedValidFrame {
		defer p.ClearFrameFlags()
		switch mstpframe.FrameType(p.FrameType) {
		case mstpframe.ReplyToPollForMaster:
			p.SoleMaster = false
			p.NextStation = p.SourceAddress
			p.PollStation = p.ThisStation
			p.MasterState = StatePassToken
			return true

		case mstpframe.PollForMaster:
			if p.DestinationAddress == p.ThisStation {
				p.sendReplyToPollForMaster(p.SourceAddress)
			}
			return false

		case mstpframe.Token:
			if p.DestinationAddress != p.ThisStation {
				return false
			}
			p.FrameCount = 0
			p.SoleMaster = false
			if !p.Queue.Empty() {
				p.MasterState = StateUseToken
			} else {
				p.MasterState = StateDoneWithToken
			}
			return true

		default:
			return false
		}
	}

	if p.Silence.Elapsed() < time.Duration(p.TusageTimeout)*time.Millisecond {
		return false
	}

	candidate := (p.PollStation + 1) % (p.NmaxMaster + 1)
	if candidate == p.ThisStation {
		p.SoleMaster = true
		p.NextStation = p.ThisStation
		p.MasterState = StateIdleMaster
		return true
	}

	p.PollStation = candidate
	p.Counters.PollForMaster()
	n := mstpframe.CreateFrame(p.OutputBuffer, mstpframe.PollForMaster, candidate, p.ThisStation, nil)
	p.transmitFrame(n)
	return false
}

func (p *Port) masterAnswerDataRequest() bool {
	n := p.Queue.GetReply(p.OutputBuffer, p.ThisStation, p.InputBuffer[:p.DataLength], p.SourceAddress)
	if n > 0 {
		p.transmitFrame(n)
		p.MasterState = StateIdleMaster
		return true
	}

	if p.Silence.Elapsed() >= TreplyDelay {
		n = mstpframe.CreateFrame(p.OutputBuffer, mstpframe.ReplyPostponed, p.SourceAddress, p.ThisStation, nil)
		p.transmitFrame(n)
		p.MasterState = StateIdleMaster
		return true
	}

	// No matching reply queued yet; retry until Treply_delay expires. The
	// sleep keeps this from spinning the host CPU while the upper layer
	// has a chance to call Queue.Send with the matching reply.
	time.Sleep(time.Millisecond)
	return true
}

func (p *Port) sendReplyToPollForMaster(dest uint8) {
	n := mstpframe.CreateFrame(p.OutputBuffer, mstpframe.ReplyToPollForMaster, dest, p.ThisStation, nil)
	p.transmitFrame(n)
}

func (p *Port) deliverToUpperLayer(data []byte) {
	if !p.ReceiveSlot.Put(p.SourceAddress, data) {
		p.Counters.FrameDropped()
	}
}

func (p *Port) transmitFrame(n int) {
	if n <= 0 || p.Driver == nil {
		return
	}
	_ = p.Driver.SendFrame(p.OutputBuffer[:n])
	p.Silence.Reset()
}
