package mstp

// APDU PDU-type nibble values (top nibble of the first APDU octet).
const (
	pduTypeConfirmedRequest byte = 0x00
	pduTypeSimpleAck        byte = 0x20
	pduTypeComplexAck       byte = 0x30
	pduTypeSegmentAck       byte = 0x40
	pduTypeError            byte = 0x50
	pduTypeReject           byte = 0x60
	pduTypeAbort            byte = 0x70

	pduTypeMask        byte = 0xF0
	segmentedBit       byte = 1 << 3
)

// ReplyMatches implements the §4.6 DER-compare predicate: does the
// queued PDU (reply, addressed from thisStation to replyDest) answer the
// inbound confirmed request (request, from requestSrc)?
//
// Per spec.md's Open Question (a), the NPDU priority comparison that the
// original C leaves disabled is enabled here.
func ReplyMatches(request []byte, requestSrc Address, reply []byte, replyDest Address) bool {
	reqOffset, reqNPDU, ok := decodeNPDU(request, nil)
	if !ok || reqNPDU.networkLayerMessage {
		return false
	}
	if reqOffset >= len(request) {
		return false
	}
	if request[reqOffset]&pduTypeMask != pduTypeConfirmedRequest {
		return false
	}
	if reqOffset+3 > len(request) {
		return false
	}
	reqInvokeID := request[reqOffset+2]
	var reqServiceChoice byte
	if request[reqOffset]&segmentedBit != 0 {
		if reqOffset+6 > len(request) {
			return false
		}
		reqServiceChoice = request[reqOffset+5]
	} else {
		if reqOffset+4 > len(request) {
			return false
		}
		reqServiceChoice = request[reqOffset+3]
	}

	replyOffset, replyNPDU, ok := decodeNPDU(reply, nil)
	if !ok || replyNPDU.networkLayerMessage {
		return false
	}
	if replyOffset >= len(reply) {
		return false
	}

	replyType := reply[replyOffset] & pduTypeMask
	var replyInvokeID, replyServiceChoice byte
	hasServiceChoice := true
	switch replyType {
	case pduTypeSimpleAck, pduTypeConfirmedRequest:
		if replyOffset+3 > len(reply) {
			return false
		}
		replyInvokeID = reply[replyOffset+1]
		replyServiceChoice = reply[replyOffset+2]
	case pduTypeComplexAck:
		if reply[replyOffset]&segmentedBit != 0 {
			if replyOffset+5 > len(reply) {
				return false
			}
			replyInvokeID = reply[replyOffset+1]
			replyServiceChoice = reply[replyOffset+4]
		} else {
			if replyOffset+3 > len(reply) {
				return false
			}
			replyInvokeID = reply[replyOffset+1]
			replyServiceChoice = reply[replyOffset+2]
		}
	case pduTypeError:
		if replyOffset+3 > len(reply) {
			return false
		}
		replyInvokeID = reply[replyOffset+1]
		replyServiceChoice = reply[replyOffset+2]
	case pduTypeReject, pduTypeAbort, pduTypeSegmentAck:
		if replyOffset+2 > len(reply) {
			return false
		}
		replyInvokeID = reply[replyOffset+1]
		hasServiceChoice = false
	default:
		return false
	}

	if reqInvokeID != replyInvokeID {
		return false
	}
	if hasServiceChoice && reqServiceChoice != replyServiceChoice {
		return false
	}
	if reqNPDU.protocolVersion != replyNPDU.protocolVersion {
		return false
	}
	if reqNPDU.priority != replyNPDU.priority {
		return false
	}
	if !requestSrc.Same(replyDest) {
		return false
	}

	return true
}
