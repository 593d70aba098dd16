package mstp

// npduData is the sliver of an NPDU header the reply-match predicate in
// match.go needs: enough to decide whether a PDU is a network-layer
// message, and to compare protocol version and priority. Full NPDU
// semantics (routing, segmentation) are a spec Non-goal.
type npduData struct {
	protocolVersion     byte
	networkLayerMessage bool
	priority            byte
}

// npduControl bit positions (BACnet NPDU control octet).
const (
	npduControlNetworkMessage = 1 << 7
	npduControlDestPresent    = 1 << 5
	npduControlSrcPresent     = 1 << 3
	npduControlPriorityMask   = 0x03
)

// decodeNPDU parses just enough of an NPDU to locate the start of its
// APDU and to report network-layer-message/protocol-version/priority.
// If npdu carries a source address (control bit 3), it is written into
// src when src is non-nil, mirroring bacnet_npdu_decode's src out-param.
func decodeNPDU(pdu []byte, src *Address) (offset int, data npduData, ok bool) {
	if len(pdu) < 2 {
		return 0, npduData{}, false
	}
	data.protocolVersion = pdu[0]
	control := pdu[1]
	data.networkLayerMessage = control&npduControlNetworkMessage != 0
	data.priority = control & npduControlPriorityMask
	offset = 2

	if control&npduControlDestPresent != 0 {
		if len(pdu) < offset+3 {
			return 0, npduData{}, false
		}
		offset += 2 // DNET
		dlen := int(pdu[offset])
		offset++
		offset += dlen // DADR
		if len(pdu) < offset {
			return 0, npduData{}, false
		}
	}

	if control&npduControlSrcPresent != 0 {
		if len(pdu) < offset+3 {
			return 0, npduData{}, false
		}
		snet := uint16(pdu[offset])<<8 | uint16(pdu[offset+1])
		offset += 2
		slen := int(pdu[offset])
		offset++
		if len(pdu) < offset+slen {
			return 0, npduData{}, false
		}
		if src != nil {
			src.Net = snet
			src.Len = uint8(slen)
			n := copy(src.Adr[:], pdu[offset:offset+slen])
			_ = n
		}
		offset += slen
	}

	if control&npduControlDestPresent != 0 {
		if len(pdu) < offset+1 {
			return 0, npduData{}, false
		}
		offset++ // hop count
	}

	if data.networkLayerMessage {
		if len(pdu) < offset+1 {
			return 0, npduData{}, false
		}
		messageType := pdu[offset]
		offset++
		if messageType >= 0x80 {
			offset += 2 // vendor id
		}
	}

	return offset, data, true
}
