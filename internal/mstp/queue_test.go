package mstp

import (
	"testing"
	"time"

	"github.com/librescoot/mstp-gateway/internal/mstpframe"
)

func TestPDUQueueSendAndGetSend(t *testing.T) {
	q := NewPDUQueue(2)
	pdu := []byte{0x01, 0x00, 0x10, 0x08}
	if n := q.Send(5, pdu); n != len(pdu) {
		t.Fatalf("Send returned %d, want %d", n, len(pdu))
	}
	if q.Empty() {
		t.Fatal("queue should not be empty after Send")
	}

	out := make([]byte, mstpframe.MaxFrameLen)
	n := q.GetSend(out, 1)
	if n == 0 {
		t.Fatal("GetSend returned 0 for a non-empty queue")
	}
	if out[3] != 5 || out[4] != 1 {
		t.Fatalf("frame addressed wrong: dest=%d src=%d", out[3], out[4])
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after draining its only element")
	}
}

func TestPDUQueueFull(t *testing.T) {
	q := NewPDUQueue(1)
	pdu := []byte{0x01, 0x00}
	if n := q.Send(1, pdu); n == 0 {
		t.Fatal("first send into an empty queue should succeed")
	}
	if n := q.Send(1, pdu); n != 0 {
		t.Fatal("second send into a full queue should be rejected")
	}
}

func TestPDUQueueGetReplyMidQueue(t *testing.T) {
	q := NewPDUQueue(4)
	request := confirmedRequest(3, 12)
	q.Send(9, []byte{0x01, 0x00, 0xAA}) // unrelated, ahead in the queue
	q.Send(9, simpleAck(3, 12))         // the actual reply, second in line
	q.Send(9, []byte{0x01, 0x00, 0xBB}) // unrelated, behind it

	out := make([]byte, mstpframe.MaxFrameLen)
	n := q.GetReply(out, 1, request, 9)
	if n == 0 {
		t.Fatal("expected GetReply to find the matching reply")
	}

	// The two unrelated PDUs should still be present, in original order.
	out2 := make([]byte, mstpframe.MaxFrameLen)
	n2 := q.GetSend(out2, 1)
	if n2 == 0 || out2[mstpframe.HeaderLen+2] != 0xAA {
		t.Fatalf("expected first unrelated PDU to remain head of queue, got %v", out2[:n2])
	}
}

func TestPDUQueueGetReplyNoMatch(t *testing.T) {
	q := NewPDUQueue(4)
	q.Send(9, []byte{0x01, 0x00, 0xAA})
	out := make([]byte, mstpframe.MaxFrameLen)
	if n := q.GetReply(out, 1, confirmedRequest(3, 12), 9); n != 0 {
		t.Fatal("GetReply should return 0 when nothing matches")
	}
}

func TestReceiveSlotPutAndReceive(t *testing.T) {
	slot := NewReceiveSlot()
	if !slot.Put(4, []byte{1, 2, 3}) {
		t.Fatal("Put into an empty slot should succeed")
	}
	src, pdu, ok := slot.Receive(10 * time.Millisecond)
	if !ok {
		t.Fatal("Receive should find the just-put frame")
	}
	if src.Mac[0] != 4 || src.MacLen != 1 {
		t.Fatalf("unexpected source address: %+v", src)
	}
	if len(pdu) != 3 || pdu[0] != 1 || pdu[2] != 3 {
		t.Fatalf("unexpected pdu contents: %v", pdu)
	}
}

func TestReceiveSlotDropsWhenFull(t *testing.T) {
	slot := NewReceiveSlot()
	slot.Put(1, []byte{1})
	if slot.Put(2, []byte{2}) {
		t.Fatal("Put into an already-full slot should be rejected")
	}
}

func TestReceiveSlotTimesOut(t *testing.T) {
	slot := NewReceiveSlot()
	_, _, ok := slot.Receive(5 * time.Millisecond)
	if ok {
		t.Fatal("Receive on an empty slot should time out")
	}
}
