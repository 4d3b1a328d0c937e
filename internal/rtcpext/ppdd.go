package rtcpext

import "fmt"

// AppParseError classifies why APP-sub-packet processing failed (spec
// §4.3 step 1-3, §7 "Protocol-violation").
type AppParseError struct {
	Cause string // "BadLen" or "Unexp"
	Err   error
}

func (e *AppParseError) Error() string { return fmt.Sprintf("rtcpext: APP parse failure (%s): %v", e.Cause, e.Err) }
func (e *AppParseError) Unwrap() error { return e.Err }

// DecodePPDD TLV-decodes a PPDD APP payload. PPDD carries server-assigned
// RCC burst parameters (backfill offsets, codec hints) opaque to this
// control plane beyond their TLV shape; the decoded list is handed
// verbatim to the RCC channel handler (spec §4.3 step 4).
func DecodePPDD(data []byte) ([]TLV, error) {
	tlvs, err := DecodeTLVs(data)
	if err != nil {
		return nil, &AppParseError{Cause: "BadLen", Err: err}
	}
	return tlvs, nil
}

// PPDDName is the literal 4-byte APP name the repair session compares
// against (spec §4.3 step 2).
const PPDDName = "PPDD"
