package rtcpext

import (
	"encoding/binary"
	"fmt"
)

// TLV is one type-length-value entry of the PPDD/PLII/NCSI payload
// encoding. Multi-byte Value fields are big-endian on the wire; the
// encoder/decoder here converts at serialisation, per spec §6.
type TLV struct {
	Type  uint8
	Value []byte
}

// EncodeTLVs serialises a TLV list as consecutive {type(1) len(2) value}
// entries.
func EncodeTLVs(tlvs []TLV) []byte {
	size := 0
	for _, t := range tlvs {
		size += 3 + len(t.Value)
	}
	buf := make([]byte, size)
	off := 0
	for _, t := range tlvs {
		buf[off] = t.Type
		binary.BigEndian.PutUint16(buf[off+1:off+3], uint16(len(t.Value)))
		copy(buf[off+3:], t.Value)
		off += 3 + len(t.Value)
	}
	return buf
}

// DecodeTLVs parses a TLV list produced by EncodeTLVs. A malformed buffer
// (truncated header or value) is a protocol violation per spec §7.
func DecodeTLVs(buf []byte) ([]TLV, error) {
	var out []TLV
	off := 0
	for off < len(buf) {
		if off+3 > len(buf) {
			return nil, fmt.Errorf("rtcpext: DecodeTLVs: truncated TLV header at offset %d", off)
		}
		typ := buf[off]
		length := int(binary.BigEndian.Uint16(buf[off+1 : off+3]))
		off += 3
		if off+length > len(buf) {
			return nil, fmt.Errorf("rtcpext: DecodeTLVs: truncated TLV value at offset %d (len %d)", off, length)
		}
		out = append(out, TLV{Type: typ, Value: append([]byte(nil), buf[off:off+length]...)})
		off += length
	}
	return out, nil
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func decodeU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("rtcpext: expected 4-byte TLV value, got %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func decodeU16(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("rtcpext: expected 2-byte TLV value, got %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

func decodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fmt.Errorf("rtcpext: expected 1-byte TLV value, got %d", len(b))
	}
	return b[0] != 0, nil
}
