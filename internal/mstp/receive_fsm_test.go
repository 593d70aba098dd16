package mstp

import (
	"testing"
	"time"

	"github.com/librescoot/mstp-gateway/internal/crc"
	"github.com/librescoot/mstp-gateway/internal/mstpframe"
)

func newTestPort() *Port {
	return NewPort(1, mstpframe.MaxDataLen, mstpframe.MaxFrameLen)
}

func feed(p *Port, frame []byte) {
	for _, b := range frame {
		p.DataRegister = b
		p.DataAvailable = true
		p.ReceiveFrameFSM()
	}
}

func TestReceiveFrameRoundTripForUs(t *testing.T) {
	p := newTestPort()
	data := []byte{0x01, 0x20, 0xFF, 0xFF, 0x00, 0xFF, 0x10, 0x08}
	frame := make([]byte, mstpframe.MaxFrameLen)
	n := mstpframe.CreateFrame(frame, mstpframe.BACnetDataNotExpectingReply, 1, 7, data)

	feed(p, frame[:n])

	if !p.ReceivedValidFrame {
		t.Fatal("expected ReceivedValidFrame for a frame addressed to us")
	}
	if p.ReceivedInvalidFrame || p.ReceivedValidFrameNotForUs {
		t.Fatal("only one frame-event flag should be set")
	}
	if p.DataLength != len(data) {
		t.Fatalf("DataLength = %d, want %d", p.DataLength, len(data))
	}
	for i, b := range data {
		if p.InputBuffer[i] != b {
			t.Fatalf("InputBuffer[%d] = %#x, want %#x", i, p.InputBuffer[i], b)
		}
	}
}

func TestReceiveFrameRoundTripNotForUs(t *testing.T) {
	p := newTestPort()
	frame := make([]byte, mstpframe.MaxFrameLen)
	n := mstpframe.CreateFrame(frame, mstpframe.Token, 9, 3, nil)

	feed(p, frame[:n])

	if !p.ReceivedValidFrameNotForUs {
		t.Fatal("expected ReceivedValidFrameNotForUs for a frame addressed to someone else")
	}
}

func TestReceiveFrameBroadcastIsForUs(t *testing.T) {
	p := newTestPort()
	frame := make([]byte, mstpframe.MaxFrameLen)
	n := mstpframe.CreateFrame(frame, mstpframe.Token, Broadcast, 3, nil)

	feed(p, frame[:n])

	if !p.ReceivedValidFrame {
		t.Fatal("a broadcast-addressed frame should be ReceivedValidFrame")
	}
}

func TestReceiveFrameZeroLengthNeverEntersData(t *testing.T) {
	p := newTestPort()
	frame := make([]byte, mstpframe.MaxFrameLen)
	n := mstpframe.CreateFrame(frame, mstpframe.Token, 1, 3, nil)

	for i, b := range frame[:n] {
		p.DataRegister = b
		p.DataAvailable = true
		p.ReceiveFrameFSM()
		if i < n-1 && p.RecvState == StateData {
			t.Fatal("a zero-length frame must never enter StateData")
		}
	}
}

func TestReceiveFrameSingleBitFlipNeverFalsePositive(t *testing.T) {
	data := []byte{0x01, 0x20, 0xFF, 0xFF, 0x00, 0xFF, 0x10, 0x08}
	frame := make([]byte, mstpframe.MaxFrameLen)
	n := mstpframe.CreateFrame(frame, mstpframe.BACnetDataExpectingReply, 1, 7, data)

	for i := 2; i < n; i++ { // skip preamble; a flipped preamble byte just misses framing entirely
		for bit := 0; bit < 8; bit++ {
			corrupt := make([]byte, n)
			copy(corrupt, frame[:n])
			corrupt[i] ^= 1 << uint(bit)

			p := newTestPort()
			feed(p, corrupt)

			if p.ReceivedValidFrame {
				t.Fatalf("byte %d bit %d: flip produced a false ReceivedValidFrame", i, bit)
			}
		}
	}
}

func TestReceiveFrameOversizeGoesToSkipData(t *testing.T) {
	p := newTestPort()
	headerFields := []byte{byte(mstpframe.BACnetDataExpectingReply), 1, 3, 0x07, 0xD0} // length 2000
	headerCRC := crc.FoldHeader(headerFields)
	header := append([]byte{mstpframe.Preamble1, mstpframe.Preamble2}, headerFields...)
	header = append(header, ^headerCRC)

	for _, b := range header {
		p.DataRegister = b
		p.DataAvailable = true
		p.ReceiveFrameFSM()
	}
	if p.RecvState != StateSkipData {
		t.Fatalf("expected StateSkipData after an oversize header, got %v", p.RecvState)
	}

	for i := 0; i < 2000+2; i++ {
		p.DataRegister = 0xAA
		p.DataAvailable = true
		p.ReceiveFrameFSM()
	}

	if !p.ReceivedInvalidFrame {
		t.Fatal("an oversize frame must surface ReceivedInvalidFrame")
	}
	if p.RecvState != StateIdle {
		t.Fatal("FSM should return to IDLE after skipping an oversize frame")
	}
}

func TestReceiveFrameCorruptedHeaderRecovers(t *testing.T) {
	p := newTestPort()
	frame := make([]byte, mstpframe.MaxFrameLen)
	n := mstpframe.CreateFrame(frame, mstpframe.Token, 1, 3, nil)
	frame[3] ^= 0xFF // corrupt destination octet, which feeds the header CRC

	feed(p, frame[:n])
	if !p.ReceivedInvalidFrame {
		t.Fatal("a corrupted header should yield ReceivedInvalidFrame")
	}
	if p.RecvState != StateIdle {
		t.Fatal("FSM should be back in IDLE after an invalid frame")
	}

	p.ReceivedInvalidFrame = false
	good := make([]byte, mstpframe.MaxFrameLen)
	gn := mstpframe.CreateFrame(good, mstpframe.Token, 1, 3, nil)
	feed(p, good[:gn])
	if !p.ReceivedValidFrame {
		t.Fatal("the next valid frame should decode normally")
	}
}

func TestReceiveFrameInterOctetAbort(t *testing.T) {
	p := newTestPort()
	frame := make([]byte, mstpframe.MaxFrameLen)
	n := mstpframe.CreateFrame(frame, mstpframe.BACnetDataExpectingReply, 1, 3, []byte{1, 2, 3})

	// Feed the preamble and part of the header, then go silent past
	// Tframe_abort without supplying the rest.
	half := n / 2
	feed(p, frame[:half])
	if p.RecvState == StateIdle {
		t.Fatal("expected to be mid-frame after a partial feed")
	}

	p.Silence.start = time.Now().Add(-TframeAbort - time.Millisecond)
	p.DataAvailable = false
	p.ReceiveFrameFSM()

	if !p.ReceivedInvalidFrame {
		t.Fatal("an inter-octet gap past Tframe_abort should abort the frame")
	}
	if p.RecvState != StateIdle {
		t.Fatal("FSM should return to IDLE after an abort")
	}
}
