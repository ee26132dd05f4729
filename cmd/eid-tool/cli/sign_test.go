package cli

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"time"

	"github.com/cortex-x/go-eid-card-service/internal/container"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/cortex-x/go-eid-card-service/internal/testutil"
)

func (s *testSuite) createContainer() string {
	path := filepath.Join(s.dir, "doc.edoc")
	cmd := &ContainerCreateCmd{
		Out:   path,
		Files: []string{s.writeFile("a.txt", "first"), s.writeFile("b.txt", "second")},
	}
	s.Require().NoError(cmd.Run(s.ctl))
	return path
}

func (s *testSuite) TestContainerCreate() {
	path := s.createContainer()

	c, err := container.OpenFile(path)
	s.Require().NoError(err)
	s.Equal("doc.edoc", c.Name)
	s.Require().Len(c.Documents, 2)
	s.Equal("a.txt", c.Documents[0].Name)
	s.Empty(c.Signatures)

	err = (&ContainerCreateCmd{Out: path, Files: []string{s.writeFile("c.txt", "x"), filepath.Join(s.dir, "c.txt")}}).Run(s.ctl)
	s.EqualError(err, "document already exists: c.txt")
}

func (s *testSuite) TestSignCard() {
	in := s.createContainer()
	out := filepath.Join(s.dir, "signed.edoc")

	s.Require().NoError((&SignCardCmd{In: in, Out: out, Pin2: testutil.PIN2}).Run(s.ctl))
	s.HasText("signed by JÕEORG,JAAK-KRISTJAN,38001085718: " + out)

	s.Out.Reset()
	s.Require().NoError((&ContainerVerifyCmd{In: out}).Run(s.ctl))
	s.HasText("JÕEORG,JAAK-KRISTJAN,38001085718")

	unsigned, err := container.OpenFile(in)
	s.Require().NoError(err)
	s.Empty(unsigned.Signatures)
}

func (s *testSuite) TestSignCard_WrongPin() {
	in := s.createContainer()

	err := (&SignCardCmd{In: in, Pin2: "00000"}).Run(s.ctl)
	counter, ok := domain.RetryCounter(err)
	s.True(ok)
	s.Equal(2, counter)

	c, err := container.OpenFile(in)
	s.Require().NoError(err)
	s.Empty(c.Signatures)
}

func (s *testSuite) TestSignMobileID() {
	s.newCentral(1)
	identity := testutil.NewIdentity(s.T(), testutil.EC, "ESTEID (MOBIIL-ID)", "MÄNNIK,MARI-LIIS,61709210125")
	client := &fakeMobileID{identity: identity}
	s.ctl.WithMobileIDClient(func(baseURL string, _ [][]byte) (mobileid.Client, error) {
		client.baseURL = baseURL
		return client, nil
	})

	in := s.createContainer()
	cmd := &SignMobileIDCmd{In: in, PersonalCode: "61709210125", Phone: "+37200000766"}
	s.Require().NoError(cmd.Run(s.ctl))
	s.HasText("Verification code: ", "signed by MÄNNIK,MARI-LIIS,61709210125: "+in)
	s.Contains(client.baseURL, "/mid-proxy")

	c, err := container.OpenFile(in)
	s.Require().NoError(err)
	s.Require().Len(c.Signatures, 1)
	s.NoError(c.Validate())
}

func (s *testSuite) TestSignMobileID_InvalidRequest() {
	s.newCentral(1)
	in := s.createContainer()

	err := (&SignMobileIDCmd{In: in, PersonalCode: "1", Phone: "+37200000766"}).Run(s.ctl)
	s.EqualError(err, `invalid personal code: "1"`)
}

// fakeMobileID signs the requested hash with identity
type fakeMobileID struct {
	identity testutil.Identity
	baseURL  string
	hash     []byte
}

func (f *fakeMobileID) Certificate(_ context.Context, _ *mobileid.CertificateRequest) (*mobileid.CertificateResponse, error) {
	return &mobileid.CertificateResponse{Result: "OK", Cert: base64.StdEncoding.EncodeToString(f.identity.Certificate)}, nil
}

func (f *fakeMobileID) Signature(_ context.Context, req *mobileid.SignatureRequest) (*mobileid.SignatureResponse, error) {
	hash, err := base64.StdEncoding.DecodeString(req.Hash)
	if err != nil {
		return nil, err
	}
	f.hash = hash
	return &mobileid.SignatureResponse{SessionID: "session"}, nil
}

func (f *fakeMobileID) SessionStatus(_ context.Context, _ string, _ time.Duration) (*mobileid.SessionStatusResponse, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, f.identity.ECKey(), f.hash)
	if err != nil {
		return nil, err
	}
	return &mobileid.SessionStatusResponse{
		State:     "COMPLETE",
		Result:    "OK",
		Signature: &mobileid.SessionSignature{Value: base64.StdEncoding.EncodeToString(sig), Algorithm: "SHA256WithECEncryption"},
	}, nil
}
