package rtcpext

import "encoding/binary"

const pubportsName = "PUBP"

const (
	pubportsSSRC uint8 = 1
	pubportsRTP  uint8 = 2
	pubportsRTCP uint8 = 3
)

// PubPorts is the PUBPORTS attribute (spec §4.1, §6): the client's
// externally-visible RTP/RTCP ports as discovered via NAT, attached to
// every RTCP report while a port mapping exists.
//
// Known wire quirk (spec §9, preserved deliberately, not a bug to fix):
// RtpPort and RtcpPort are encoded here in host byte order, unlike every
// other address/port field in this protocol which converts to network
// order. A from-scratch implementation would get this wrong; matching it
// is required for interop with the existing server fleet.
type PubPorts struct {
	SSRCMediaSender uint32
	RtpPort         uint16
	RtcpPort        uint16
}

func (p PubPorts) encode() []byte {
	rtp := make([]byte, 2)
	rtcp := make([]byte, 2)
	// Deliberately host order, see doc comment above.
	binary.LittleEndian.PutUint16(rtp, p.RtpPort)
	binary.LittleEndian.PutUint16(rtcp, p.RtcpPort)
	return EncodeTLVs([]TLV{
		{Type: pubportsSSRC, Value: encodeU32(p.SSRCMediaSender)},
		{Type: pubportsRTP, Value: rtp},
		{Type: pubportsRTCP, Value: rtcp},
	})
}

func decodePubPorts(data []byte) (PubPorts, error) {
	tlvs, err := DecodeTLVs(data)
	if err != nil {
		return PubPorts{}, err
	}
	var out PubPorts
	for _, t := range tlvs {
		switch t.Type {
		case pubportsSSRC:
			out.SSRCMediaSender, err = decodeU32(t.Value)
		case pubportsRTP:
			if len(t.Value) == 2 {
				out.RtpPort = binary.LittleEndian.Uint16(t.Value)
			} else {
				_, err = decodeU16(t.Value)
			}
		case pubportsRTCP:
			if len(t.Value) == 2 {
				out.RtcpPort = binary.LittleEndian.Uint16(t.Value)
			} else {
				_, err = decodeU16(t.Value)
			}
		}
		if err != nil {
			return PubPorts{}, err
		}
	}
	return out, nil
}

// NewPubPortsApp builds the APP sub-packet carrying a PUBPORTS attribute.
func NewPubPortsApp(ssrc uint32, p PubPorts) (*App, error) {
	return NewApp(ssrc, pubportsName, p.encode())
}

// DecodePubPortsApp decodes an App previously produced by NewPubPortsApp.
func DecodePubPortsApp(a *App) (PubPorts, error) {
	return decodePubPorts(a.Data)
}
