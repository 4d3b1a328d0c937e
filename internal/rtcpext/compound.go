package rtcpext

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

// MarshalCompound serialises a compound RTCP packet (SR/RR + SDES + any
// feedback/APP/BYE packets) using pion/rtcp's compound marshaller.
func MarshalCompound(packets []rtcp.Packet) ([]byte, error) {
	return rtcp.Marshal(packets)
}

// ParseCompound decodes a compound RTCP packet. Sub-packets are split out
// by header length; App (PT 204) sub-packets are decoded locally as *App
// so the non-standard extensions survive parsing alongside standard
// SR/RR/SDES/BYE/feedback packets, which go through pion/rtcp's
// rtcp.Unmarshal.
func ParseCompound(raw []byte) ([]rtcp.Packet, error) {
	chunks, err := splitCompound(raw)
	if err != nil {
		return nil, err
	}
	out := make([]rtcp.Packet, 0, len(chunks))
	for _, chunk := range chunks {
		// rtcp.Unmarshal accepts unknown types as a generic packet, so APP
		// chunks are routed to App before it sees them.
		if chunk[1] != ptAPP {
			if pkts, err := rtcp.Unmarshal(chunk); err == nil && len(pkts) == 1 {
				out = append(out, pkts[0])
				continue
			}
		}
		app := &App{}
		if err := app.Unmarshal(chunk); err != nil {
			return nil, fmt.Errorf("rtcpext: ParseCompound: unrecognised sub-packet: %w", err)
		}
		out = append(out, app)
	}
	return out, nil
}

// splitCompound walks a compound buffer using the uniform RTCP header
// (every packet type, standard or APP, carries the same V/P/count +
// type + 16-bit length-in-words-minus-one header) and returns the raw
// byte range of each sub-packet.
func splitCompound(raw []byte) ([][]byte, error) {
	var chunks [][]byte
	off := 0
	for off < len(raw) {
		if off+4 > len(raw) {
			return nil, fmt.Errorf("rtcpext: splitCompound: truncated header at offset %d", off)
		}
		lengthWords := binary.BigEndian.Uint16(raw[off+2 : off+4])
		size := (int(lengthWords) + 1) * 4
		if off+size > len(raw) {
			return nil, fmt.Errorf("rtcpext: splitCompound: sub-packet at offset %d declares length %d past end of buffer", off, size)
		}
		chunks = append(chunks, raw[off:off+size])
		off += size
	}
	return chunks, nil
}

// NewPLIForRCC builds the PSFB-PLI feedback message spec §4.4 sends
// alongside a PLII APP packet to request an RCC burst. ssrc_media_sender
// is 0 because the primary stream has not started yet.
func NewPLIForRCC(senderSSRC uint32) *rtcp.PictureLossIndication {
	return &rtcp.PictureLossIndication{
		SenderSSRC: senderSSRC,
		MediaSSRC:  0,
	}
}

// NewGenericNack builds an RTPFB Generic NACK feedback message (RFC 4585
// §6.2.1) from FCI pairs already built by the gap reporter (spec §4.5).
func NewGenericNack(senderSSRC, mediaSSRC uint32, pairs []rtcp.NackPair) *rtcp.TransportLayerNack {
	return &rtcp.TransportLayerNack{
		SenderSSRC: senderSSRC,
		MediaSSRC:  mediaSSRC,
		Nacks:      pairs,
	}
}
