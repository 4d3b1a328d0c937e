// Package rtcpext implements RFC-3550 RTCP packet construction on top of
// github.com/pion/rtcp, plus the non-standard extensions this control
// plane needs: the PUBPORTS attribute, and the PPDD/PLII/NCSI
// application-defined (APP) sub-packets carrying RCC metadata (spec §6).
//
// Standard SR/RR/SDES/BYE/PSFB-PLI/RTPFB-generic-NACK packets are built
// directly with pion/rtcp types; this package only adds what pion/rtcp has
// no notion of.
package rtcpext

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtcp"
)

const (
	versionRTP = 2
	ptAPP      = 204
)

// App is a generic RTCP Application-Defined (APP, RFC 3550 §6.6)
// sub-packet. PPDD, PLII, and NCSI are all carried as an App whose Name
// distinguishes the payload.
type App struct {
	Subtype uint8 // 5-bit subtype field; unused by this protocol, always 0
	SSRC    uint32
	Name    [4]byte
	Data    []byte // opaque application-dependent payload (a TLV list for PLII/NCSI/PPDD)
}

var _ rtcp.Packet = (*App)(nil)

// DestinationSSRC implements rtcp.Packet.
func (a *App) DestinationSSRC() []uint32 { return []uint32{a.SSRC} }

// MarshalSize implements rtcp.Packet.
func (a *App) MarshalSize() int {
	// header(4) + ssrc(4) + name(4) + data, padded to a 32-bit boundary
	size := 4 + 4 + 4 + len(a.Data)
	if rem := size % 4; rem != 0 {
		size += 4 - rem
	}
	return size
}

// Marshal implements rtcp.Packet.
func (a *App) Marshal() ([]byte, error) {
	buf := make([]byte, a.MarshalSize())
	if _, err := a.MarshalTo(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MarshalTo implements rtcp.Packet.
func (a *App) MarshalTo(buf []byte) (int, error) {
	size := a.MarshalSize()
	if len(buf) < size {
		return 0, fmt.Errorf("rtcpext: App.MarshalTo: buffer too small (%d < %d)", len(buf), size)
	}
	lengthWords := size/4 - 1
	buf[0] = versionRTP<<6 | (a.Subtype & 0x1f)
	buf[1] = ptAPP
	binary.BigEndian.PutUint16(buf[2:4], uint16(lengthWords))
	binary.BigEndian.PutUint32(buf[4:8], a.SSRC)
	copy(buf[8:12], a.Name[:])
	copy(buf[12:], a.Data)
	return size, nil
}

// Unmarshal implements rtcp.Packet.
func (a *App) Unmarshal(raw []byte) error {
	if len(raw) < 12 {
		return fmt.Errorf("rtcpext: App.Unmarshal: %w: short packet (%d bytes)", rtcp.ErrPacketTooShort, len(raw))
	}
	version := raw[0] >> 6
	if version != versionRTP {
		return fmt.Errorf("rtcpext: App.Unmarshal: bad RTCP version %d", version)
	}
	if raw[1] != ptAPP {
		return fmt.Errorf("rtcpext: App.Unmarshal: unexpected packet type %d, want APP(204)", raw[1])
	}
	a.Subtype = raw[0] & 0x1f
	lengthWords := binary.BigEndian.Uint16(raw[2:4])
	want := (int(lengthWords) + 1) * 4
	if want > len(raw) {
		return fmt.Errorf("rtcpext: App.Unmarshal: %w: declared length %d exceeds buffer %d", rtcp.ErrPacketTooShort, want, len(raw))
	}
	a.SSRC = binary.BigEndian.Uint32(raw[4:8])
	copy(a.Name[:], raw[8:12])
	a.Data = append([]byte(nil), raw[12:want]...)
	return nil
}

// Is reports whether a decoded App carries the given 4-byte name.
func (a *App) Is(name string) bool {
	return string(a.Name[:]) == name
}

// NewApp builds an App packet with the given 4-character name.
func NewApp(ssrc uint32, name string, data []byte) (*App, error) {
	if len(name) != 4 {
		return nil, fmt.Errorf("rtcpext: APP name must be exactly 4 bytes, got %q", name)
	}
	a := &App{SSRC: ssrc, Data: data}
	copy(a.Name[:], name)
	return a, nil
}
