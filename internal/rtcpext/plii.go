package rtcpext

// TLV type tags for the PLII (RCC request parameters, sent on the primary
// session alongside a PSFB-PLI) and NCSI (end-of-RCC sync info, sent on
// the primary session after burst-done) APP payloads.
const (
	plioMinRccFill          uint8 = 1
	plioMaxRccFill          uint8 = 2
	plioDoFastfill          uint8 = 3
	plioMaximumRecvBw       uint8 = 4
	plioMaximumFastfillTime uint8 = 5

	ncsiFirstMcastSeqNumber uint8 = 1
	ncsiFirstMcastRecvTime  uint8 = 2
)

// PLIIPayload is the TLV set named in spec §4.4: {min_rcc_fill_msec,
// max_rcc_fill_msec, do_fastfill, maximum_recv_bw_bps,
// maximum_fastfill_time_msec}.
type PLIIPayload struct {
	MinRccFillMsec        uint32
	MaxRccFillMsec        uint32
	DoFastfill            bool
	MaximumRecvBwBps      uint32
	MaximumFastfillTimeMs uint32
}

// Encode serialises the payload as a TLV list.
func (p PLIIPayload) Encode() []byte {
	doFastfill := byte(0)
	if p.DoFastfill {
		doFastfill = 1
	}
	return EncodeTLVs([]TLV{
		{Type: plioMinRccFill, Value: encodeU32(p.MinRccFillMsec)},
		{Type: plioMaxRccFill, Value: encodeU32(p.MaxRccFillMsec)},
		{Type: plioDoFastfill, Value: []byte{doFastfill}},
		{Type: plioMaximumRecvBw, Value: encodeU32(p.MaximumRecvBwBps)},
		{Type: plioMaximumFastfillTime, Value: encodeU32(p.MaximumFastfillTimeMs)},
	})
}

// DecodePLII decodes a PLII payload previously produced by Encode.
func DecodePLII(data []byte) (PLIIPayload, error) {
	tlvs, err := DecodeTLVs(data)
	if err != nil {
		return PLIIPayload{}, err
	}
	var out PLIIPayload
	for _, t := range tlvs {
		switch t.Type {
		case plioMinRccFill:
			out.MinRccFillMsec, err = decodeU32(t.Value)
		case plioMaxRccFill:
			out.MaxRccFillMsec, err = decodeU32(t.Value)
		case plioDoFastfill:
			out.DoFastfill, err = decodeBool(t.Value)
		case plioMaximumRecvBw:
			out.MaximumRecvBwBps, err = decodeU32(t.Value)
		case plioMaximumFastfillTime:
			out.MaximumFastfillTimeMs, err = decodeU32(t.Value)
		}
		if err != nil {
			return PLIIPayload{}, err
		}
	}
	return out, nil
}

// NCSIPayload is the TLV set named in spec §4.4: {first_mcast_seq_number,
// first_mcast_recv_time_msec}. The sequence number is transported as a
// uint16 carried in a uint32 TLV value, matching the original wire shape.
type NCSIPayload struct {
	FirstMcastSeqNumber uint16
	FirstMcastRecvMsec  uint32
}

func (p NCSIPayload) Encode() []byte {
	return EncodeTLVs([]TLV{
		{Type: ncsiFirstMcastSeqNumber, Value: encodeU32(uint32(p.FirstMcastSeqNumber))},
		{Type: ncsiFirstMcastRecvTime, Value: encodeU32(p.FirstMcastRecvMsec)},
	})
}

func DecodeNCSI(data []byte) (NCSIPayload, error) {
	tlvs, err := DecodeTLVs(data)
	if err != nil {
		return NCSIPayload{}, err
	}
	var out NCSIPayload
	for _, t := range tlvs {
		switch t.Type {
		case ncsiFirstMcastSeqNumber:
			var v uint32
			v, err = decodeU32(t.Value)
			out.FirstMcastSeqNumber = uint16(v)
		case ncsiFirstMcastRecvTime:
			out.FirstMcastRecvMsec, err = decodeU32(t.Value)
		}
		if err != nil {
			return NCSIPayload{}, err
		}
	}
	return out, nil
}

// NewPLII builds the APP packet carrying a PLII payload (spec §4.4).
func NewPLII(ssrc uint32, p PLIIPayload) (*App, error) {
	return NewApp(ssrc, "PLII", p.Encode())
}

// NewNCSI builds the APP packet sent on burst-done (spec §4.4).
func NewNCSI(ssrc uint32, p NCSIPayload) (*App, error) {
	return NewApp(ssrc, "NCSI", p.Encode())
}
