package idcard

import (
	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
)

// Data reads the current card state. Reads happen in a fixed order:
// personal data, authentication and signing certificates, PIN1, PIN2 and
// PUK retry counters. Any failed read fails the whole snapshot.
func Data(token domain.Token) (*domain.CardDataSnapshot, error) {
	personalData, err := token.PersonalData()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read personal data")
	}
	authData, err := token.Certificate(domain.CertificateTypeAuthentication)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read authentication certificate")
	}
	signData, err := token.Certificate(domain.CertificateTypeSigning)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read signing certificate")
	}

	var counters [3]int
	for i, code := range []domain.CodeType{domain.CodeTypePIN1, domain.CodeTypePIN2, domain.CodeTypePUK} {
		if counters[i], err = token.CodeRetryCounter(code); err != nil {
			return nil, errors.WithMessagef(err, "failed to read %s retry counter", code)
		}
	}

	authCertificate, err := domain.NewCertificate(authData)
	if err != nil {
		return nil, errors.WithMessage(err, "authentication certificate")
	}
	signCertificate, err := domain.NewCertificate(signData)
	if err != nil {
		return nil, errors.WithMessage(err, "signing certificate")
	}

	return &domain.CardDataSnapshot{
		Type:             domain.ParseOrganization(authCertificate.Organization),
		PersonalData:     personalData,
		AuthCertificate:  authCertificate,
		SignCertificate:  signCertificate,
		PIN1RetryCounter: counters[0],
		PIN2RetryCounter: counters[1],
		PUKRetryCounter:  counters[2],
	}, nil
}
