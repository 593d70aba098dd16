package mstp

import (
	"sync"
	"time"

	"github.com/librescoot/mstp-gateway/internal/mstpframe"
)

// DefaultQueueCapacity matches MSTP_PDU_PACKET_COUNT in the reference
// implementation.
const DefaultQueueCapacity = 8

// MaxPDULen is the largest application PDU the queue will hold.
const MaxPDULen = mstpframe.MaxDataLen

// pduPacket is one outbound queue element (§3 "PDU packet").
type pduPacket struct {
	destinationMAC     byte
	dataExpectingReply bool
	length             int
	buffer             [MaxPDULen]byte
	removed            bool
}

// PDUQueue is the outbound ring buffer: multi-producer (upper layer
// calling Send), single-consumer (the master/slave FSM task). Get_Reply
// may remove an arbitrary element out of order; the reference
// implementation allows this by compacting on removal, which is what
// GetReply below does.
type PDUQueue struct {
	mu    sync.Mutex
	items []*pduPacket
	cap   int
}

// NewPDUQueue creates a queue with the given fixed capacity.
func NewPDUQueue(capacity int) *PDUQueue {
	return &PDUQueue{cap: capacity}
}

// controlByteOffset and dataExpectingReplyBit locate the NPDU control
// octet's "data expecting reply" flag inside a raw PDU.
const (
	controlByteOffset     = 1
	dataExpectingReplyBit = 1 << 2
)

// Send enqueues pdu for transmission to dest. It is non-blocking: it
// returns 0 immediately if the queue is full, the number of bytes
// accepted otherwise. This implements send_pdu (§4.5, §6).
func (q *PDUQueue) Send(dest byte, pdu []byte) int {
	if len(pdu) > MaxPDULen || len(pdu) < controlByteOffset+1 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return 0
	}
	pkt := &pduPacket{
		destinationMAC:     dest,
		dataExpectingReply: pdu[controlByteOffset]&dataExpectingReplyBit != 0,
		length:             len(pdu),
	}
	copy(pkt.buffer[:], pdu)
	q.items = append(q.items, pkt)
	return len(pdu)
}

// Empty reports whether the queue currently has nothing to send.
func (q *PDUQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// GetSend implements MSTP_Get_Send: pop the head element, frame-encode
// it into out, and return the frame length, or 0 if the queue is empty.
func (q *PDUQueue) GetSend(out []byte, thisStation uint8) int {
	q.mu.Lock()
	pkt := q.popHead()
	q.mu.Unlock()
	if pkt == nil {
		return 0
	}
	frameType := mstpframe.BACnetDataNotExpectingReply
	if pkt.dataExpectingReply {
		frameType = mstpframe.BACnetDataExpectingReply
	}
	return mstpframe.CreateFrame(out, frameType, pkt.destinationMAC, thisStation, pkt.buffer[:pkt.length])
}

func (q *PDUQueue) popHead() *pduPacket {
	if len(q.items) == 0 {
		return nil
	}
	pkt := q.items[0]
	q.items = q.items[1:]
	return pkt
}

// GetReply implements MSTP_Get_Reply: walk the queue looking for a
// queued PDU that answers the DER currently decoded into requestPDU,
// remove it wherever it sits (preserving FIFO order for the rest), and
// frame-encode it. Returns 0 if nothing matches.
func (q *PDUQueue) GetReply(out []byte, thisStation uint8, requestPDU []byte, requestSrc uint8) int {
	q.mu.Lock()
	var match *pduPacket
	matchIdx := -1
	for i, pkt := range q.items {
		if ReplyMatches(requestPDU, macAddress(requestSrc), pkt.buffer[:pkt.length], macAddress(pkt.destinationMAC)) {
			match = pkt
			matchIdx = i
			break
		}
	}
	if match != nil {
		q.items = append(q.items[:matchIdx], q.items[matchIdx+1:]...)
	}
	q.mu.Unlock()

	if match == nil {
		return 0
	}
	frameType := mstpframe.BACnetDataNotExpectingReply
	if match.dataExpectingReply {
		frameType = mstpframe.BACnetDataExpectingReply
	}
	return mstpframe.CreateFrame(out, frameType, match.destinationMAC, thisStation, match.buffer[:match.length])
}

// ReceiveSlot is the single-slot inbound mailbox described in §3/§4.5 and
// Design Notes ("semaphore-guarded mailbox, not a queue"). It is
// produced by Put_Receive (the receive FSM's consumer) and drained by
// the upper layer's Receive call. The "semaphore" in the name is literal:
// signal is a capacity-1 channel standing in for the reference
// implementation's dispatch_semaphore / pthread_cond pair.
type ReceiveSlot struct {
	mu     sync.Mutex
	ready  bool
	source Address
	pdu    [MaxPDULen]byte
	pduLen int
	signal chan struct{}
}

// NewReceiveSlot builds an empty receive slot.
func NewReceiveSlot() *ReceiveSlot {
	return &ReceiveSlot{signal: make(chan struct{}, 1)}
}

// Put implements MSTP_Put_Receive: if the slot is free, fill it from buf
// and wake any waiter; otherwise the frame is dropped on the floor and
// the caller should count it (§3 invariant, §7 "receive overflow").
func (s *ReceiveSlot) Put(source uint8, buf []byte) (accepted bool) {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return false
	}
	n := len(buf)
	if n > MaxPDULen {
		n = MaxPDULen
	}
	copy(s.pdu[:], buf[:n])
	s.pduLen = n
	s.source = FillAddress(source)
	s.ready = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// Receive implements dlmstp_receive: block up to timeout for a filled
// slot, then drain it. Per §6, callers must not request more than
// 1000ms; longer requests are silently capped.
func (s *ReceiveSlot) Receive(timeout time.Duration) (src Address, pdu []byte, ok bool) {
	if timeout > time.Second {
		timeout = time.Second
	}

	if src, pdu, ok = s.drain(); ok {
		return src, pdu, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.signal:
		return s.drain()
	case <-timer.C:
		return Address{}, nil, false
	}
}

func (s *ReceiveSlot) drain() (src Address, pdu []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return Address{}, nil, false
	}
	out := make([]byte, s.pduLen)
	copy(out, s.pdu[:s.pduLen])
	src = s.source
	s.ready = false
	return src, out, true
}
