package smartcard

import (
	"bytes"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/ebfe/scard"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "smartcard")

var (
	appletAID = []byte{0xA0, 0x00, 0x00, 0x00, 0x77, 0x01, 0x08, 0x00, 0x07, 0x00, 0x00, 0xFE, 0x00, 0x00, 0x01, 0x00}

	dfPersonalData = []byte{0x50, 0x00}
	dfAuth         = []byte{0xAD, 0xF1}
	dfSign         = []byte{0xAD, 0xF2}
	efAuthCert     = []byte{0x34, 0x01}
	efSignCert     = []byte{0x34, 0x1F}
)

const (
	pinMaxLength = 12
	pinPadding   = 0xFF

	algECDSA   = 0x54
	algRSASign = 0x02
	algECDH    = 0x04
	algRSADec  = 0x0A

	keyRefAuth = 0x81
	keyRefSign = 0x9F

	personalDataRecords = 10
)

// verification references used by VERIFY, CHANGE and RESET RETRY COUNTER
var verifyRef = map[domain.CodeType]byte{
	domain.CodeTypePIN1: 0x01,
	domain.CodeTypePIN2: 0x85,
	domain.CodeTypePUK:  0x02,
}

// references used by GET DATA for retry counters
var counterRef = map[domain.CodeType]byte{
	domain.CodeTypePIN1: 0x01,
	domain.CodeTypePIN2: 0x05,
	domain.CodeTypePUK:  0x02,
}

// CardToken implements domain.Token over ISO 7816 APDUs
type CardToken struct {
	mu   sync.Mutex
	card Card
}

// Ensure compiles
var _ domain.Token = (*CardToken)(nil)

// NewCardToken selects the eID applet on the card
func NewCardToken(card Card) (*CardToken, error) {
	t := &CardToken{card: card}
	if err := t.selectApplet(); err != nil {
		return nil, err
	}
	return t, nil
}

// Present returns false when the card is no longer in the reader
func (t *CardToken) Present() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.card.Status()
	return err == nil
}

// Close disconnects the card
func (t *CardToken) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.card.Disconnect(scard.LeaveCard)
}

func (t *CardToken) PersonalData() (domain.PersonalData, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pd domain.PersonalData
	if err := t.selectApplet(); err != nil {
		return pd, err
	}
	if err := t.selectDF("personal data", dfPersonalData); err != nil {
		return pd, err
	}

	records := make([]string, personalDataRecords+1)
	for i := 1; i <= personalDataRecords; i++ {
		if err := t.selectEF("personal data", []byte{0x50, byte(i)}); err != nil {
			return pd, err
		}
		rsp, err := t.exchange("read personal data", command(0x00, 0xB0, 0x00, 0x00, nil, true))
		if err != nil {
			return pd, err
		}
		if !rsp.ok() {
			return pd, errors.Errorf("read personal data record %d failed: %s", i, rsp)
		}
		records[i] = decodeCardString(rsp.data)
	}

	pd.Surname = records[1]
	pd.GivenNames = records[2]
	pd.Sex = records[3]
	pd.Citizenship = records[4]
	pd.DateOfBirth, pd.PlaceOfBirth = splitDatePlace(records[5])
	pd.PersonalCode = records[6]
	pd.DocumentNumber = records[7]
	pd.ExpiryDate = formatDate(records[8])
	pd.DateOfIssuance, _ = splitDatePlace(records[9])
	pd.PermitType = records[10]
	return pd, nil
}

func (t *CardToken) Certificate(kind domain.CertificateType) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	df, ef := dfAuth, efAuthCert
	if kind == domain.CertificateTypeSigning {
		df, ef = dfSign, efSignCert
	}

	if err := t.selectApplet(); err != nil {
		return nil, err
	}
	if err := t.selectDF("certificate", df); err != nil {
		return nil, err
	}
	if err := t.selectEF("certificate", ef); err != nil {
		return nil, err
	}
	return t.readBinary("read certificate")
}

func (t *CardToken) CodeRetryCounter(code domain.CodeType) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, ok := counterRef[code]
	if !ok {
		return 0, errors.Errorf("unsupported code type: %v", code)
	}
	if err := t.selectApplet(); err != nil {
		return 0, err
	}

	data := []byte{0x4D, 0x08, 0x70, 0x06, 0xBF, 0x81, ref, 0x02, 0xA0, 0x80}
	rsp, err := t.exchange("get retry counter", command(0x00, 0xCB, 0x3F, 0xFF, data, true))
	if err != nil {
		return 0, err
	}
	if !rsp.ok() {
		return 0, errors.Errorf("get retry counter for %s failed: %s", code, rsp)
	}
	v, ok := findTag(rsp.data, 0x9B)
	if !ok || len(v) != 1 {
		return 0, errors.Errorf("retry counter not found in response")
	}
	return int(v[0]), nil
}

func (t *CardToken) CalculateSignature(pin2, digest []byte, ecc bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := digest
	alg := byte(algECDSA)
	if !ecc {
		alg = algRSASign
		var err error
		if data, err = domain.DigestInfo(digest); err != nil {
			return nil, err
		}
	}

	if err := t.selectApplet(); err != nil {
		return nil, err
	}
	if err := t.selectDF("sign", dfSign); err != nil {
		return nil, err
	}
	if err := t.setSecurityEnvironment(0xB6, alg, keyRefSign); err != nil {
		return nil, err
	}
	if err := t.verify(domain.CodeTypePIN2, pin2); err != nil {
		return nil, err
	}

	rsp, err := t.exchange("compute signature", command(0x00, 0x2A, 0x9E, 0x9A, data, true))
	if err != nil {
		return nil, err
	}
	if !rsp.ok() {
		return nil, errors.Errorf("compute signature failed: %s", rsp)
	}
	return rsp.data, nil
}

func (t *CardToken) Decrypt(pin1, data []byte, ecc bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	alg := byte(algRSADec)
	payload := append([]byte{0x00}, data...)
	if ecc {
		alg = algECDH
		payload = tlv([]byte{0xA6}, tlv([]byte{0x7F, 0x49}, tlv([]byte{0x86}, data)))
	}

	if err := t.selectApplet(); err != nil {
		return nil, err
	}
	if err := t.selectDF("decrypt", dfAuth); err != nil {
		return nil, err
	}
	if err := t.setSecurityEnvironment(0xB8, alg, keyRefAuth); err != nil {
		return nil, err
	}
	if err := t.verify(domain.CodeTypePIN1, pin1); err != nil {
		return nil, err
	}

	rsp, err := transmitChained(t.card, 0x2A, 0x80, 0x86, payload)
	if err != nil {
		return nil, &domain.TokenIOError{Op: "decipher", Err: err}
	}
	if !rsp.ok() {
		return nil, errors.Errorf("decipher failed: %s", rsp)
	}
	return rsp.data, nil
}

func (t *CardToken) ChangeCode(code domain.CodeType, currentCode, newCode []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := padPIN(currentCode)
	if err != nil {
		return err
	}
	nc, err := padPIN(newCode)
	if err != nil {
		return err
	}

	if err := t.selectApplet(); err != nil {
		return err
	}
	if code == domain.CodeTypePIN2 {
		if err := t.selectDF("change code", dfSign); err != nil {
			return err
		}
	}

	rsp, err := t.exchange("change code", command(0x00, 0x24, 0x00, verifyRef[code], append(cur, nc...), false))
	if err != nil {
		return err
	}
	return codeResult(code, "change code", rsp)
}

func (t *CardToken) UnblockAndChangeCode(puk []byte, code domain.CodeType, newCode []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if code == domain.CodeTypePUK {
		return errors.New("PUK can not be unblocked")
	}
	nc, err := padPIN(newCode)
	if err != nil {
		return err
	}

	if err := t.selectApplet(); err != nil {
		return err
	}
	if err := t.verify(domain.CodeTypePUK, puk); err != nil {
		return err
	}
	if code == domain.CodeTypePIN2 {
		if err := t.selectDF("unblock", dfSign); err != nil {
			return err
		}
	}

	rsp, err := t.exchange("reset retry counter", command(0x00, 0x2C, 0x02, verifyRef[code], nc, false))
	if err != nil {
		return err
	}
	if !rsp.ok() {
		return errors.Errorf("reset retry counter for %s failed: %s", code, rsp)
	}
	return nil
}

func (t *CardToken) verify(code domain.CodeType, pin []byte) error {
	padded, err := padPIN(pin)
	if err != nil {
		return err
	}
	rsp, err := t.exchange("verify", command(0x00, 0x20, 0x00, verifyRef[code], padded, false))
	if err != nil {
		return err
	}
	return codeResult(code, "verify", rsp)
}

func (t *CardToken) setSecurityEnvironment(template, alg, keyRef byte) error {
	data := []byte{0x80, 0x01, alg, 0x84, 0x01, keyRef}
	rsp, err := t.exchange("set security environment", command(0x00, 0x22, 0x41, template, data, false))
	if err != nil {
		return err
	}
	if !rsp.ok() {
		return errors.Errorf("set security environment failed: %s", rsp)
	}
	return nil
}

func (t *CardToken) selectApplet() error {
	rsp, err := t.exchange("select applet", command(0x00, 0xA4, 0x04, 0x0C, appletAID, false))
	if err != nil {
		return err
	}
	if rsp.sw == swFileNotFound {
		return errors.Wrapf(domain.ErrUnsupportedCard, "applet not found (%s)", rsp)
	}
	if !rsp.ok() {
		return errors.Errorf("select applet failed: %s", rsp)
	}
	return nil
}

func (t *CardToken) selectDF(op string, fid []byte) error {
	return t.selectFile(op, 0x01, fid)
}

func (t *CardToken) selectEF(op string, fid []byte) error {
	return t.selectFile(op, 0x02, fid)
}

func (t *CardToken) selectFile(op string, p1 byte, fid []byte) error {
	rsp, err := t.exchange(op, command(0x00, 0xA4, p1, 0x0C, fid, false))
	if err != nil {
		return err
	}
	if !rsp.ok() {
		return errors.Errorf("%s: select file %X failed: %s", op, fid, rsp)
	}
	return nil
}

// readBinary reads the selected EF holding a DER object
func (t *CardToken) readBinary(op string) ([]byte, error) {
	var buf []byte
	for {
		offset := len(buf)
		rsp, err := t.exchange(op, command(0x00, 0xB0, byte(offset>>8), byte(offset), nil, true))
		if err != nil {
			return nil, err
		}
		if rsp.sw == swWrongP1P2 || rsp.sw == swEndOfFile {
			break
		}
		if !rsp.ok() {
			return nil, errors.Errorf("%s failed at offset %d: %s", op, offset, rsp)
		}
		if len(rsp.data) == 0 {
			break
		}
		buf = append(buf, rsp.data...)

		if total := derLength(buf); total > 0 && len(buf) >= total {
			return buf[:total], nil
		}
	}

	if total := derLength(buf); total == 0 || len(buf) < total {
		return nil, errors.Errorf("%s: truncated object, read %d bytes", op, len(buf))
	}
	return buf, nil
}

// exchange maps transport errors to TokenIOError
func (t *CardToken) exchange(op string, cmd []byte) (response, error) {
	rsp, err := transmit(t.card, cmd)
	if err != nil {
		logger.KV(xlog.DEBUG, "reason", "transmit", "op", op, "err", err.Error())
		return response{}, &domain.TokenIOError{Op: op, Err: err}
	}
	return rsp, nil
}

func codeResult(code domain.CodeType, op string, rsp response) error {
	switch {
	case rsp.ok():
		return nil
	case rsp.sw&0xFFF0 == swVerificationFailed:
		return &domain.CodeVerificationError{Code: code, RetryCounter: int(rsp.sw & 0x000F)}
	case rsp.sw == swAuthMethodBlocked || rsp.sw == swRefDataNotUsable:
		return &domain.CodeVerificationError{Code: code, RetryCounter: 0}
	}
	return errors.Errorf("%s %s failed: %s", op, code, rsp)
}

func padPIN(pin []byte) ([]byte, error) {
	if len(pin) == 0 || len(pin) > pinMaxLength {
		return nil, errors.Errorf("invalid code length: %d", len(pin))
	}
	padded := bytes.Repeat([]byte{pinPadding}, pinMaxLength)
	copy(padded, pin)
	return padded, nil
}

