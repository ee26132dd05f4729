package smartcard

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"math/big"
	"sync"
	"testing"

	"github.com/cortex-x/go-eid-card-service/internal/testutil"
	"github.com/ebfe/scard"
	"golang.org/x/text/encoding/charmap"
)

const (
	testPIN1 = "1234"
	testPIN2 = "12345"
	testPUK  = "12345678"
)

// mockApplet simulates the eID applet answering APDUs
type mockApplet struct {
	mu sync.Mutex

	auth testutil.Identity
	sign testutil.Identity

	records  map[byte][]byte
	codes    map[byte][]byte
	counters map[byte]int
	verified map[byte]bool

	df      string
	ef      []byte
	alg     byte
	chain   []byte
	removed bool

	commands [][]byte
}

func newMockApplet(t *testing.T, authKey, signKey testutil.KeyType) *mockApplet {
	enc := func(s string) []byte {
		b, err := charmap.Windows1252.NewEncoder().Bytes([]byte(s))
		if err != nil {
			t.Fatalf("encode %q: %v", s, err)
		}
		return b
	}

	return &mockApplet{
		auth: testutil.NewIdentity(t, authKey, "ESTEID", "JÕEORG,JAAK-KRISTJAN,38001085718"),
		sign: testutil.NewIdentity(t, signKey, "ESTEID", "JÕEORG,JAAK-KRISTJAN,38001085718"),
		records: map[byte][]byte{
			1:  enc("JÕEORG"),
			2:  enc("JAAK-KRISTJAN"),
			3:  enc("M"),
			4:  enc("EST"),
			5:  enc("08 01 1980 EST"),
			6:  enc("38001085718"),
			7:  enc("AS0012345"),
			8:  enc("20 08 2028"),
			9:  enc("20 08 2023 PPA"),
			10: {0x00},
		},
		codes: map[byte][]byte{
			0x01: []byte(testPIN1),
			0x85: []byte(testPIN2),
			0x02: []byte(testPUK),
		},
		counters: map[byte]int{0x01: 3, 0x85: 3, 0x02: 3},
		verified: map[byte]bool{},
	}
}

func (m *mockApplet) remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
}

func sw(code uint16, data ...byte) []byte {
	return append(append([]byte(nil), data...), byte(code>>8), byte(code))
}

func (m *mockApplet) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return nil, scard.ErrRemovedCard
	}
	m.commands = append(m.commands, append([]byte(nil), cmd...))

	if len(cmd) < 4 {
		return sw(0x6700), nil
	}
	cla, ins, p1, p2 := cmd[0], cmd[1], cmd[2], cmd[3]
	var data []byte
	le := -1
	switch {
	case len(cmd) == 5:
		le = int(cmd[4])
	case len(cmd) > 5:
		lc := int(cmd[4])
		if len(cmd) < 5+lc {
			return sw(0x6700), nil
		}
		data = cmd[5 : 5+lc]
		if len(cmd) == 6+lc {
			le = int(cmd[5+lc])
		}
	}

	if cla&claChaining != 0 {
		m.chain = append(m.chain, data...)
		return sw(swOK), nil
	}
	if len(m.chain) > 0 {
		data = append(m.chain, data...)
		m.chain = nil
	}

	switch ins {
	case 0xA4:
		return m.selectFile(p1, data), nil
	case 0xB0:
		return m.readBinary(int(p1)<<8|int(p2), le), nil
	case 0xCB:
		return m.getData(data), nil
	case 0x20:
		return sw(m.check(p2, data)), nil
	case 0x24:
		if len(data) != 2*pinMaxLength {
			return sw(0x6700), nil
		}
		code := m.check(p2, data[:pinMaxLength])
		if code == swOK {
			m.codes[p2] = unpad(data[pinMaxLength:])
		}
		return sw(code), nil
	case 0x2C:
		if p1 != 0x02 || !m.verified[0x02] {
			return sw(0x6982), nil
		}
		m.verified[0x02] = false
		m.codes[p2] = unpad(data)
		m.counters[p2] = 3
		return sw(swOK), nil
	case 0x22:
		if len(data) >= 3 {
			m.alg = data[2]
		}
		return sw(swOK), nil
	case 0x2A:
		if p1 == 0x9E && p2 == 0x9A {
			return m.computeSignature(data), nil
		}
		if p1 == 0x80 && p2 == 0x86 {
			return m.decipher(data), nil
		}
	}
	return sw(0x6D00), nil
}

func (m *mockApplet) Status() (*scard.CardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return nil, scard.ErrRemovedCard
	}
	return &scard.CardStatus{Reader: "mock"}, nil
}

func (m *mockApplet) Disconnect(scard.Disposition) error {
	return nil
}

func (m *mockApplet) selectFile(p1 byte, fid []byte) []byte {
	switch p1 {
	case 0x04:
		if !bytes.Equal(fid, appletAID) {
			return sw(swFileNotFound)
		}
		m.df, m.ef = "MF", nil
		return sw(swOK)
	case 0x01:
		name := hex.EncodeToString(fid)
		switch name {
		case "5000", "adf1", "adf2":
			m.df, m.ef = name, nil
			return sw(swOK)
		}
	case 0x02:
		name := m.df + "/" + hex.EncodeToString(fid)
		switch {
		case name == "adf1/3401":
			m.ef = m.auth.Certificate
			return sw(swOK)
		case name == "adf2/341f":
			m.ef = m.sign.Certificate
			return sw(swOK)
		case m.df == "5000" && len(fid) == 2 && fid[0] == 0x50:
			if rec, ok := m.records[fid[1]]; ok {
				m.ef = rec
				return sw(swOK)
			}
		}
	}
	return sw(swFileNotFound)
}

func (m *mockApplet) readBinary(offset, le int) []byte {
	if m.ef == nil {
		return sw(0x6986)
	}
	if offset >= len(m.ef) {
		return sw(swWrongP1P2)
	}
	if le <= 0 {
		le = 256
	}
	end := offset + le
	if end > len(m.ef) {
		end = len(m.ef)
	}
	return sw(swOK, m.ef[offset:end]...)
}

func (m *mockApplet) getData(data []byte) []byte {
	if len(data) < 7 {
		return sw(0x6A80)
	}
	refs := map[byte]byte{0x01: 0x01, 0x05: 0x85, 0x02: 0x02}
	ref, ok := refs[data[6]]
	if !ok {
		return sw(0x6A88)
	}
	return sw(swOK, 0xA0, 0x03, 0x9B, 0x01, byte(m.counters[ref]))
}

func (m *mockApplet) check(ref byte, padded []byte) uint16 {
	expected, ok := m.codes[ref]
	if !ok {
		return 0x6A88
	}
	if m.counters[ref] == 0 {
		return swAuthMethodBlocked
	}
	if !bytes.Equal(unpad(padded), expected) {
		m.counters[ref]--
		m.verified[ref] = false
		return swVerificationFailed | uint16(m.counters[ref])
	}
	m.counters[ref] = 3
	m.verified[ref] = true
	return swOK
}

func (m *mockApplet) computeSignature(data []byte) []byte {
	if !m.verified[0x85] {
		return sw(0x6982)
	}
	m.verified[0x85] = false

	if key := m.sign.ECKey(); key != nil {
		r, s, err := ecdsa.Sign(rand.Reader, key, data)
		if err != nil {
			return sw(0x6F00)
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		s.FillBytes(sig[size:])
		return sw(swOK, sig...)
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, m.sign.RSAKey(), 0, data)
	if err != nil {
		return sw(0x6F00)
	}
	return sw(swOK, sig...)
}

func (m *mockApplet) decipher(data []byte) []byte {
	if !m.verified[0x01] {
		return sw(0x6982)
	}

	if key := m.auth.ECKey(); key != nil {
		point, ok := ecPointFromTemplate(data)
		if !ok {
			return sw(0x6A80)
		}
		priv, err := key.ECDH()
		if err != nil {
			return sw(0x6F00)
		}
		pub, err := ecdh.P384().NewPublicKey(point)
		if err != nil {
			return sw(0x6A80)
		}
		secret, err := priv.ECDH(pub)
		if err != nil {
			return sw(0x6F00)
		}
		return sw(swOK, secret...)
	}

	if len(data) < 2 || data[0] != 0x00 {
		return sw(0x6A80)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, m.auth.RSAKey(), data[1:])
	if err != nil {
		return sw(0x6A80)
	}
	return sw(swOK, plain...)
}

// ecPointFromTemplate unwraps A6 { 7F49 { 86 point } }
func ecPointFromTemplate(data []byte) ([]byte, bool) {
	for _, tag := range [][]byte{{0xA6}, {0x7F, 0x49}, {0x86}} {
		if !bytes.HasPrefix(data, tag) {
			return nil, false
		}
		data = data[len(tag):]
		if len(data) == 0 {
			return nil, false
		}
		l, n := int(data[0]), 1
		if l == 0x81 && len(data) > 1 {
			l, n = int(data[1]), 2
		}
		if len(data) < n+l {
			return nil, false
		}
		data = data[n : n+l]
	}
	return data, true
}

func unpad(b []byte) []byte {
	return bytes.TrimRight(b, "\xff")
}

// mockContext simulates a PC/SC context with at most one reader
type mockContext struct {
	mu      sync.Mutex
	readers []string
	card    Card
}

func (c *mockContext) setReaders(readers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers = readers
}

func (c *mockContext) insert(card Card) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.card = card
}

func (c *mockContext) eject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if applet, ok := c.card.(*mockApplet); ok {
		applet.remove()
	}
	c.card = nil
}

func (c *mockContext) ListReaders() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readers) == 0 {
		return nil, scard.ErrNoReadersAvailable
	}
	return c.readers, nil
}

func (c *mockContext) Connect(string) (Card, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.card == nil {
		return nil, scard.ErrNoSmartcard
	}
	return c.card, nil
}

func (c *mockContext) Release() error {
	return nil
}

// splitECDSA returns r and s of a raw r||s signature
func splitECDSA(sig []byte) (*big.Int, *big.Int) {
	half := len(sig) / 2
	return new(big.Int).SetBytes(sig[:half]), new(big.Int).SetBytes(sig[half:])
}
