// Package mstpframe builds and describes the on-wire MS/TP frame format:
// a two-octet preamble, a six-octet header with its own CRC-8, and an
// optional data section with a trailing CRC-16.
package mstpframe

import "github.com/librescoot/mstp-gateway/internal/crc"

// Preamble bytes that open every frame.
const (
	Preamble1 = 0x55
	Preamble2 = 0xFF
)

// FrameType identifies the purpose of an MS/TP frame.
type FrameType uint8

// Frame types relevant to a master/slave node. Values 128-255 are
// vendor-defined and pass through the codec unmodified.
const (
	Token                     FrameType = 0
	PollForMaster             FrameType = 1
	ReplyToPollForMaster      FrameType = 2
	TestRequest               FrameType = 3
	TestResponse              FrameType = 4
	BACnetDataExpectingReply  FrameType = 5
	BACnetDataNotExpectingReply FrameType = 6
	ReplyPostponed            FrameType = 7
)

// MaxDataLen is the largest data payload a frame can carry (5-octet
// header field budget aside): 480 octets of NPDU plus padding rounds to
// 501 in the reference implementation's buffer sizing.
const MaxDataLen = 501

// HeaderLen is the length of preamble+header+header-CRC.
const HeaderLen = 8

// MaxFrameLen is the largest complete frame the codec will ever produce.
const MaxFrameLen = HeaderLen + MaxDataLen + 2

// CreateFrame encodes one MS/TP frame into out and returns the number of
// bytes written, or 0 if data is oversize or out is too small to hold
// the result.
func CreateFrame(out []byte, frameType FrameType, destination, source byte, data []byte) int {
	if len(data) > MaxDataLen {
		return 0
	}
	n := HeaderLen + len(data)
	if len(data) > 0 {
		n += 2
	}
	if len(out) < n {
		return 0
	}

	out[0] = Preamble1
	out[1] = Preamble2
	out[2] = byte(frameType)
	out[3] = destination
	out[4] = source
	out[5] = byte(len(data) >> 8)
	out[6] = byte(len(data))
	headerCRC := crc.FoldHeader(out[2:7])
	out[7] = ^headerCRC

	if len(data) == 0 {
		return HeaderLen
	}

	copy(out[HeaderLen:], data)
	dataCRC := crc.FoldData(data)
	dataCRC = ^dataCRC
	out[HeaderLen+len(data)] = byte(dataCRC)
	out[HeaderLen+len(data)+1] = byte(dataCRC >> 8)
	return n
}
