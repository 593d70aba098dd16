package mstp

import "github.com/librescoot/mstp-gateway/internal/mstpframe"

// SlaveFSM implements the slave node FSM (§4.4): no token handling, no
// polling, just IDLE waiting for a DER addressed to us and answering it.
// It is the whole of the FSM for a station in [128,254].
func (p *Port) SlaveFSM() bool {
	switch p.MasterState {
	case StateAnswerDataRequest:
		return p.masterAnswerDataRequest()
	default:
		return p.slaveIdle()
	}
}

func (p *Port) slaveIdle() bool {
	if p.ReceivedInvalidFrame {
		p.ClearFrameFlags()
		return false
	}
	if p.ReceivedValidFrameNotForUs {
		p.ClearFrameFlags()
		return false
	}
	if !p.ReceivedValidFrame {
		return false
	}
	defer p.ClearFrameFlags()

	if p.DestinationAddress != p.ThisStation {
		return false
	}

	switch mstpframe.FrameType(p.FrameType) {
	case mstpframe.BACnetDataExpectingReply:
		p.MasterState = StateAnswerDataRequest
		return true
	case mstpframe.BACnetDataNotExpectingReply, mstpframe.TestRequest, mstpframe.TestResponse:
		p.deliverToUpperLayer(p.InputBuffer[:p.DataLength])
		return false
	case mstpframe.PollForMaster:
		// Slaves never contend for the token; the ring simply skips
		// MAC addresses that never answer a Poll-For-Master.
		return false
	default:
		return false
	}
}
