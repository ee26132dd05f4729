package pkcs11token

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/cortex-x/go-eid-card-service/internal/testutil"
	"github.com/miekg/pkcs11"
)

const (
	testPIN1 = "1234"
	testPIN2 = "12345"
	testPUK  = "12345678"

	certHandle   pkcs11.ObjectHandle = 1
	keyHandle    pkcs11.ObjectHandle = 2
	secretHandle pkcs11.ObjectHandle = 3
)

type fakeSlot struct {
	label string
	id    testutil.Identity
	pin   string
	tries int
}

type fakeSession struct {
	slot  uint
	user  int
	found []pkcs11.ObjectHandle
	mech  uint
}

// fakeModule simulates a PKCS#11 module with one slot per PIN and a
// shared PUK acting as the SO PIN.
type fakeModule struct {
	mu sync.Mutex

	slots    map[uint]*fakeSlot
	order    []uint
	puk      string
	pukTries int

	sessions map[pkcs11.SessionHandle]*fakeSession
	next     pkcs11.SessionHandle
	secret   []byte
	removed  bool
}

func newFakeModule(t *testing.T, authKey, signKey testutil.KeyType) *fakeModule {
	const cn = "JÕEORG,JAAK-KRISTJAN,38001085718"
	return &fakeModule{
		slots: map[uint]*fakeSlot{
			0: {label: "JÕEORG,JAAK-KRISTJAN (PIN1)", id: testutil.NewIdentity(t, authKey, "ESTEID", cn), pin: testPIN1, tries: 3},
			1: {label: "JÕEORG,JAAK-KRISTJAN (PIN2)", id: testutil.NewIdentity(t, signKey, "ESTEID", cn), pin: testPIN2, tries: 3},
		},
		order:    []uint{0, 1},
		puk:      testPUK,
		pukTries: 3,
		sessions: map[pkcs11.SessionHandle]*fakeSession{},
	}
}

func counterFlags(tries int, low, final, locked uint) uint {
	switch tries {
	case 3:
		return 0
	case 2:
		return low
	case 1:
		return low | final
	}
	return locked
}

func (m *fakeModule) session(sh pkcs11.SessionHandle) (*fakeSession, *fakeSlot, error) {
	if m.removed {
		return nil, nil, pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED)
	}
	s, ok := m.sessions[sh]
	if !ok {
		return nil, nil, pkcs11.Error(pkcs11.CKR_SESSION_HANDLE_INVALID)
	}
	return s, m.slots[s.slot], nil
}

func (m *fakeModule) GetSlotList(tokenPresent bool) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tokenPresent && m.removed {
		return nil, nil
	}
	return m.order, nil
}

func (m *fakeModule) GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT)
	}
	slot, ok := m.slots[slotID]
	if !ok {
		return pkcs11.TokenInfo{}, pkcs11.Error(pkcs11.CKR_SLOT_ID_INVALID)
	}
	flags := counterFlags(slot.tries, pkcs11.CKF_USER_PIN_COUNT_LOW, pkcs11.CKF_USER_PIN_FINAL_TRY, pkcs11.CKF_USER_PIN_LOCKED)
	flags |= counterFlags(m.pukTries, pkcs11.CKF_SO_PIN_COUNT_LOW, pkcs11.CKF_SO_PIN_FINAL_TRY, pkcs11.CKF_SO_PIN_LOCKED)
	return pkcs11.TokenInfo{Label: slot.label, Flags: flags}, nil
}

func (m *fakeModule) OpenSession(slotID uint, _ uint) (pkcs11.SessionHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return 0, pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED)
	}
	m.next++
	m.sessions[m.next] = &fakeSession{slot: slotID, user: -1}
	return m.next, nil
}

func (m *fakeModule) CloseSession(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sh)
	return nil
}

func (m *fakeModule) Login(sh pkcs11.SessionHandle, userType uint, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, slot, err := m.session(sh)
	if err != nil {
		return err
	}

	expected, tries := &slot.pin, &slot.tries
	if userType == pkcs11.CKU_SO {
		expected, tries = &m.puk, &m.pukTries
	}
	if *tries == 0 {
		return pkcs11.Error(pkcs11.CKR_PIN_LOCKED)
	}
	if pin != *expected {
		*tries--
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	*tries = 3
	s.user = int(userType)
	return nil
}

func (m *fakeModule) Logout(sh pkcs11.SessionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sh]; ok {
		s.user = -1
	}
	return nil
}

func (m *fakeModule) FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _, err := m.session(sh)
	if err != nil {
		return err
	}
	s.found = nil
	for _, a := range temp {
		switch {
		case a.Type != pkcs11.CKA_CLASS:
		case bytes.Equal(a.Value, pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE).Value):
			s.found = []pkcs11.ObjectHandle{certHandle}
		case bytes.Equal(a.Value, pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY).Value):
			if s.user == pkcs11.CKU_USER {
				s.found = []pkcs11.ObjectHandle{keyHandle}
			}
		}
	}
	return nil
}

func (m *fakeModule) FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _, err := m.session(sh)
	if err != nil {
		return nil, false, err
	}
	found := s.found
	if len(found) > max {
		found = found[:max]
	}
	return found, false, nil
}

func (m *fakeModule) FindObjectsFinal(pkcs11.SessionHandle) error {
	return nil
}

func (m *fakeModule) GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, _ []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, slot, err := m.session(sh)
	if err != nil {
		return nil, err
	}
	switch o {
	case certHandle:
		return []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_VALUE, slot.id.Certificate)}, nil
	case secretHandle:
		return []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_VALUE, m.secret)}, nil
	}
	return nil, pkcs11.Error(pkcs11.CKR_ATTRIBUTE_SENSITIVE)
}

func (m *fakeModule) SignInit(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	return m.opInit(sh, mech, o)
}

func (m *fakeModule) DecryptInit(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	return m.opInit(sh, mech, o)
}

func (m *fakeModule) opInit(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, _, err := m.session(sh)
	if err != nil {
		return err
	}
	if s.user != pkcs11.CKU_USER {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	if o != keyHandle || len(mech) != 1 {
		return pkcs11.Error(pkcs11.CKR_KEY_HANDLE_INVALID)
	}
	s.mech = mech[0].Mechanism
	return nil
}

func (m *fakeModule) Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, slot, err := m.session(sh)
	if err != nil {
		return nil, err
	}

	switch s.mech {
	case pkcs11.CKM_ECDSA:
		key := slot.id.ECKey()
		if key == nil {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		r, ss, err := ecdsa.Sign(rand.Reader, key, message)
		if err != nil {
			return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		ss.FillBytes(sig[size:])
		return sig, nil
	case pkcs11.CKM_RSA_PKCS:
		key := slot.id.RSAKey()
		if key == nil {
			return nil, pkcs11.Error(pkcs11.CKR_KEY_TYPE_INCONSISTENT)
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, 0, message)
		if err != nil {
			return nil, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
		}
		return sig, nil
	}
	return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
}

func (m *fakeModule) Decrypt(sh pkcs11.SessionHandle, cypher []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, slot, err := m.session(sh)
	if err != nil {
		return nil, err
	}
	key := slot.id.RSAKey()
	if s.mech != pkcs11.CKM_RSA_PKCS || key == nil {
		return nil, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, cypher)
	if err != nil {
		return nil, pkcs11.Error(pkcs11.CKR_ENCRYPTED_DATA_INVALID)
	}
	return plain, nil
}

// DeriveKey expects the peer point as raw mechanism parameter, see
// rawECDHMechanism.
func (m *fakeModule) DeriveKey(sh pkcs11.SessionHandle, mech []*pkcs11.Mechanism, basekey pkcs11.ObjectHandle, _ []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, slot, err := m.session(sh)
	if err != nil {
		return 0, err
	}
	if s.user != pkcs11.CKU_USER {
		return 0, pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	key := slot.id.ECKey()
	if basekey != keyHandle || key == nil || len(mech) != 1 || mech[0].Mechanism != pkcs11.CKM_ECDH1_DERIVE {
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_INVALID)
	}
	priv, err := key.ECDH()
	if err != nil {
		return 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	pub, err := ecdh.P384().NewPublicKey(mech[0].Parameter)
	if err != nil {
		return 0, pkcs11.Error(pkcs11.CKR_MECHANISM_PARAM_INVALID)
	}
	if m.secret, err = priv.ECDH(pub); err != nil {
		return 0, pkcs11.Error(pkcs11.CKR_FUNCTION_FAILED)
	}
	return secretHandle, nil
}

func (m *fakeModule) SetPIN(sh pkcs11.SessionHandle, oldpin string, newpin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, slot, err := m.session(sh)
	if err != nil {
		return err
	}
	switch s.user {
	case pkcs11.CKU_USER:
		if oldpin != slot.pin {
			return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
		}
		slot.pin = newpin
	case pkcs11.CKU_SO:
		if oldpin != m.puk {
			return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
		}
		m.puk = newpin
	default:
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	return nil
}

func (m *fakeModule) InitPIN(sh pkcs11.SessionHandle, pin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, slot, err := m.session(sh)
	if err != nil {
		return err
	}
	if s.user != pkcs11.CKU_SO {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	slot.pin = pin
	slot.tries = 3
	return nil
}

func (m *fakeModule) remove() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = true
}

// rawECDHMechanism passes the point as plain parameter bytes, since
// ECDH1DeriveParams are only serialized on the cgo side.
func rawECDHMechanism(point []byte) *pkcs11.Mechanism {
	return pkcs11.NewMechanism(pkcs11.CKM_ECDH1_DERIVE, point)
}
