package domain

import (
	"crypto/ecdsa"
	"crypto/x509"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// EIDType classifies a card by the organization of its authentication certificate.
type EIDType string

const (
	EIDTypeUnknown   EIDType = "UNKNOWN"
	EIDTypeIDCard    EIDType = "ID_CARD"
	EIDTypeDigiID    EIDType = "DIGI_ID"
	EIDTypeEResident EIDType = "E_RESIDENT"
	EIDTypeMobileID  EIDType = "MOBILE_ID"
)

// ParseOrganization maps certificate organization to EIDType.
func ParseOrganization(organization string) EIDType {
	switch strings.ToUpper(strings.TrimSpace(organization)) {
	case "ESTEID":
		return EIDTypeIDCard
	case "ESTEID (DIGI-ID)":
		return EIDTypeDigiID
	case "ESTEID (DIGI-ID E-RESIDENT)", "E-RESIDENT":
		return EIDTypeEResident
	case "ESTEID (MOBIIL-ID)":
		return EIDTypeMobileID
	default:
		return EIDTypeUnknown
	}
}

type PersonalData struct {
	Surname        string `json:"surname"`
	GivenNames     string `json:"givenNames"`
	Sex            string `json:"sex"`
	Citizenship    string `json:"citizenship"`
	DateOfBirth    string `json:"dateOfBirth"`
	PlaceOfBirth   string `json:"placeOfBirth"`
	PersonalCode   string `json:"personalCode"`
	DocumentNumber string `json:"documentNumber"`
	ExpiryDate     string `json:"expiryDate"`
	DateOfIssuance string `json:"dateOfIssuance"`
	PermitType     string `json:"permitType,omitempty"`
}

// Certificate is a card-reported certificate with the fields derived from it.
type Certificate struct {
	Data          []byte    `json:"data"`
	CommonName    string    `json:"commonName"`
	Organization  string    `json:"organization"`
	SerialNumber  string    `json:"serialNumber"`
	EllipticCurve bool      `json:"ellipticCurve"`
	NotAfter      time.Time `json:"notAfter"`
}

// NewCertificate parses DER encoded certificate.
func NewCertificate(der []byte) (Certificate, error) {
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return Certificate{}, errors.WithMessage(err, "failed to parse certificate")
	}

	c := Certificate{
		Data:         append([]byte(nil), der...),
		CommonName:   crt.Subject.CommonName,
		SerialNumber: crt.Subject.SerialNumber,
		NotAfter:     crt.NotAfter,
	}
	if len(crt.Subject.Organization) > 0 {
		c.Organization = crt.Subject.Organization[0]
	}
	_, c.EllipticCurve = crt.PublicKey.(*ecdsa.PublicKey)
	return c, nil
}

// X509 returns parsed certificate
func (c Certificate) X509() (*x509.Certificate, error) {
	if len(c.Data) == 0 {
		return nil, errors.New("empty certificate")
	}
	crt, err := x509.ParseCertificate(c.Data)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return crt, nil
}

// CardDataSnapshot is a read of the card state at one instant.
// Retry counters and certificates are only valid while the card session
// that produced the snapshot is alive.
type CardDataSnapshot struct {
	Type             EIDType      `json:"type"`
	PersonalData     PersonalData `json:"personalData"`
	AuthCertificate  Certificate  `json:"authCertificate"`
	SignCertificate  Certificate  `json:"signCertificate"`
	PIN1RetryCounter int          `json:"pin1RetryCounter"`
	PIN2RetryCounter int          `json:"pin2RetryCounter"`
	PUKRetryCounter  int          `json:"pukRetryCounter"`
}

// RetryCounter returns the counter for the code
func (d *CardDataSnapshot) RetryCounter(code CodeType) int {
	switch code {
	case CodeTypePIN1:
		return d.PIN1RetryCounter
	case CodeTypePIN2:
		return d.PIN2RetryCounter
	case CodeTypePUK:
		return d.PUKRetryCounter
	}
	return 0
}

// ReaderState is the state of the card reader slot.
type ReaderState int

const (
	ReaderStateNoReader ReaderState = iota
	ReaderStateReaderDetected
	ReaderStateCardDetected
	ReaderStateCardReady
)

func (s ReaderState) String() string {
	switch s {
	case ReaderStateNoReader:
		return "NO_READER"
	case ReaderStateReaderDetected:
		return "READER_DETECTED"
	case ReaderStateCardDetected:
		return "CARD_DETECTED"
	case ReaderStateCardReady:
		return "CARD_READY"
	}
	return "UNKNOWN"
}

// ReaderStatus is emitted by the reader monitor. Token is set only
// in ReaderStateCardReady. Err is set in ReaderStateCardDetected when
// the card cannot be used.
type ReaderStatus struct {
	State  ReaderState
	Reader string
	Token  Token
	Err    error
}

// Equal reports whether two statuses describe the same reader state.
func (s ReaderStatus) Equal(o ReaderStatus) bool {
	return s.State == o.State && s.Reader == o.Reader && s.Token == o.Token &&
		(s.Err == nil) == (o.Err == nil)
}
