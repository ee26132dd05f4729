package smartcard

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

const (
	swOK                 = 0x9000
	swEndOfFile          = 0x6282
	swAuthMethodBlocked  = 0x6983
	swRefDataNotUsable   = 0x6984
	swFileNotFound       = 0x6A82
	swWrongP1P2          = 0x6B00
	swVerificationFailed = 0x63C0

	claChaining = 0x10
	maxShortLc  = 0xFF
)

type response struct {
	data []byte
	sw   uint16
}

func (r response) ok() bool {
	return r.sw == swOK
}

func (r response) String() string {
	return fmt.Sprintf("SW=%04X", r.sw)
}

// command builds a short APDU. Le=0x00 is appended when withLe is set.
func command(cla, ins, p1, p2 byte, data []byte, withLe bool) []byte {
	cmd := []byte{cla, ins, p1, p2}
	if len(data) > 0 {
		cmd = append(cmd, byte(len(data)))
		cmd = append(cmd, data...)
	}
	if withLe {
		cmd = append(cmd, 0x00)
	}
	return cmd
}

// transmit sends cmd and collects the response, following
// GET RESPONSE (61xx) and wrong Le (6Cxx) hints.
func transmit(card Card, cmd []byte) (response, error) {
	rsp, err := card.Transmit(cmd)
	if err != nil {
		return response{}, err
	}
	if len(rsp) < 2 {
		return response{}, errors.Errorf("invalid response length: %d", len(rsp))
	}

	sw1, sw2 := rsp[len(rsp)-2], rsp[len(rsp)-1]
	data := append([]byte(nil), rsp[:len(rsp)-2]...)

	if sw1 == 0x6C {
		resend := append([]byte(nil), cmd...)
		resend[len(resend)-1] = sw2
		return transmit(card, resend)
	}

	for sw1 == 0x61 {
		getResponseCmd := []byte{0x00, 0xC0, 0x00, 0x00, sw2}
		rsp, err = card.Transmit(getResponseCmd)
		if err != nil {
			return response{}, errors.WithMessage(err, "GET RESPONSE failed")
		}
		if len(rsp) < 2 {
			return response{}, errors.New("invalid GET RESPONSE")
		}
		sw1, sw2 = rsp[len(rsp)-2], rsp[len(rsp)-1]
		data = append(data, rsp[:len(rsp)-2]...)
	}

	return response{data: data, sw: uint16(sw1)<<8 | uint16(sw2)}, nil
}

// transmitChained splits data over command chaining when it does not fit
// into a short APDU.
func transmitChained(card Card, ins, p1, p2 byte, data []byte) (response, error) {
	for len(data) > maxShortLc {
		rsp, err := transmit(card, command(claChaining, ins, p1, p2, data[:maxShortLc], false))
		if err != nil {
			return response{}, err
		}
		if !rsp.ok() {
			return rsp, nil
		}
		data = data[maxShortLc:]
	}
	return transmit(card, command(0x00, ins, p1, p2, data, true))
}

// berLength encodes ASN.1 BER definite length
func berLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

func tlv(tag []byte, value []byte) []byte {
	out := append([]byte(nil), tag...)
	out = append(out, berLength(len(value))...)
	return append(out, value...)
}

// findTag scans simple TLV data for a one byte tag and returns its value.
func findTag(data []byte, tag byte) ([]byte, bool) {
	for i := 0; i+1 < len(data); i++ {
		if data[i] != tag {
			continue
		}
		l := int(data[i+1])
		if i+2+l <= len(data) {
			return data[i+2 : i+2+l], true
		}
	}
	return nil, false
}

// derLength returns total length of the DER object at the start of data,
// or 0 when the header is incomplete.
func derLength(data []byte) int {
	if len(data) < 2 {
		return 0
	}
	l := int(data[1])
	if l < 0x80 {
		return 2 + l
	}
	n := l & 0x7F
	if n == 0 || n > 3 || len(data) < 2+n {
		return 0
	}
	total := 0
	for _, b := range data[2 : 2+n] {
		total = total<<8 | int(b)
	}
	return 2 + n + total
}
