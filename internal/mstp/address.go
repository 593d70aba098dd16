package mstp

// MaxMacLen is the size of a BACnet address's data-link MAC field, large
// enough for an MS/TP single-octet MAC or a BACnet/IP six-octet one.
const MaxMacLen = 7

// Broadcast is the reserved MS/TP MAC address meaning "all stations".
const Broadcast uint8 = 255

// BroadcastNetwork is the reserved BACnet network number for broadcasts.
const BroadcastNetwork uint16 = 0xFFFF

// Address is a trimmed BACNET_ADDRESS: enough to identify a datalink
// peer and to drive the reply-match predicate in match.go. Routing
// (Net/Adr beyond the local segment) is out of scope; the fields exist
// only because §4.6 compares them for equality.
type Address struct {
	MacLen uint8
	Mac    [MaxMacLen]byte
	Net    uint16
	Len    uint8
	Adr    [MaxMacLen]byte
}

// Same reports whether two addresses identify the same station, per
// bacnet_address_same: network and MAC must match (Adr is compared only
// when a route is present, which this datalink never produces).
func (a Address) Same(b Address) bool {
	if a.Net != b.Net {
		return false
	}
	if a.MacLen != b.MacLen {
		return false
	}
	for i := uint8(0); i < a.MacLen; i++ {
		if a.Mac[i] != b.Mac[i] {
			return false
		}
	}
	return true
}

// FillAddress converts a raw MS/TP MAC octet into a BACnet address the
// way dlmstp_fill_bacnet_address does: broadcast collapses to mac_len=0.
func FillAddress(mstpAddress uint8) Address {
	var a Address
	if mstpAddress == Broadcast {
		a.MacLen = 0
	} else {
		a.MacLen = 1
		a.Mac[0] = mstpAddress
	}
	return a
}

// macAddress builds a plain unicast BACnet address for a raw MS/TP MAC
// octet, always with MacLen=1 — used where an address is known to be a
// specific station (e.g. the reply-match predicate), as opposed to
// FillAddress's broadcast-collapsing behaviour for received frames.
func macAddress(mac uint8) Address {
	return Address{MacLen: 1, Mac: [MaxMacLen]byte{0: mac}}
}

// MyAddress returns the datalink's own BACnet address.
func MyAddress(thisStation uint8) Address {
	return Address{MacLen: 1, Mac: [MaxMacLen]byte{0: thisStation}}
}

// BroadcastAddress returns the destination address used to send a
// broadcast PDU.
func BroadcastAddress() Address {
	return Address{MacLen: 1, Mac: [MaxMacLen]byte{0: Broadcast}, Net: BroadcastNetwork}
}
