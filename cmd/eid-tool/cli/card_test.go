package cli

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/testutil"
)

func (s *testSuite) TestStatus() {
	s.Require().NoError((&StatusCmd{}).Run(s.ctl))

	var data domain.CardDataSnapshot
	s.Require().NoError(json.Unmarshal(s.Out.Bytes(), &data))
	s.Equal("38001085718", data.PersonalData.PersonalCode)
	s.Equal(3, data.PIN1RetryCounter)
	s.Equal(3, data.PIN2RetryCounter)
}

func (s *testSuite) TestStatus_Removed() {
	s.token.Remove()
	err := (&StatusCmd{}).Run(s.ctl)
	var ioErr *domain.TokenIOError
	s.ErrorAs(err, &ioErr)
}

func (s *testSuite) TestPinChange() {
	cmd := &PinChangeCmd{Code: domain.CodeTypePIN1, Current: testutil.PIN1, New: "4321"}
	s.Require().NoError(cmd.Run(s.ctl))
	s.HasText(`"pin1": 3`)

	s.Out.Reset()
	cmd = &PinChangeCmd{Code: domain.CodeTypePIN1, Current: testutil.PIN1, New: "1111"}
	err := cmd.Run(s.ctl)
	counter, ok := domain.RetryCounter(err)
	s.True(ok)
	s.Equal(2, counter)
}

func (s *testSuite) TestPinUnblock() {
	for range 3 {
		_ = (&PinChangeCmd{Code: domain.CodeTypePIN2, Current: "00000", New: "54321"}).Run(s.ctl)
	}
	s.Out.Reset()

	cmd := &PinUnblockCmd{Code: domain.CodeTypePIN2, Puk: testutil.PUK, New: "54321"}
	s.Require().NoError(cmd.Run(s.ctl))
	s.HasText(`"pin2": 3`)
}

func (s *testSuite) TestEncryptDecrypt() {
	der, err := s.token.Certificate(domain.CertificateTypeAuthentication)
	s.Require().NoError(err)
	recipient := filepath.Join(s.dir, "auth.der")
	s.Require().NoError(os.WriteFile(recipient, der, 0o600))

	doc := s.writeFile("secret.txt", "top secret")
	encrypted := filepath.Join(s.dir, "secret.cdoc")
	enc := &EncryptCmd{Out: encrypted, Recipients: []string{recipient}, Files: []string{doc}}
	s.Require().NoError(enc.Run(s.ctl))

	out := filepath.Join(s.dir, "out")
	s.Require().NoError((&DecryptCmd{In: encrypted, Out: out, Pin1: testutil.PIN1}).Run(s.ctl))

	path := filepath.Join(out, "secret.txt")
	s.HasText(path)
	data, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal("top secret", string(data))
}

func (s *testSuite) TestDecrypt_WrongPin() {
	der, err := s.token.Certificate(domain.CertificateTypeAuthentication)
	s.Require().NoError(err)
	recipient := filepath.Join(s.dir, "auth.der")
	s.Require().NoError(os.WriteFile(recipient, der, 0o600))

	encrypted := filepath.Join(s.dir, "secret.cdoc")
	s.Require().NoError((&EncryptCmd{Out: encrypted, Recipients: []string{recipient}, Files: []string{s.writeFile("a.txt", "a")}}).Run(s.ctl))

	out := filepath.Join(s.dir, "out")
	err = (&DecryptCmd{In: encrypted, Out: out, Pin1: "0000"}).Run(s.ctl)
	counter, ok := domain.RetryCounter(err)
	s.True(ok)
	s.Equal(2, counter)
	s.Equal(1, s.token.DecryptCalls())
	s.NoFileExists(filepath.Join(out, "a.txt"))
}
