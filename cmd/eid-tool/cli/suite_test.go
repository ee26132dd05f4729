package cli

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cortex-x/go-eid-card-service/internal/config"
	"github.com/cortex-x/go-eid-card-service/internal/testutil"
	"github.com/stretchr/testify/suite"
)

type testSuite struct {
	suite.Suite

	ctl   *Cli
	token *testutil.Token
	dir   string
	// Out is the output buffer
	Out bytes.Buffer
}

func TestCliSuite(t *testing.T) {
	suite.Run(t, new(testSuite))
}

func (s *testSuite) SetupTest() {
	s.Out.Reset()
	s.dir = s.T().TempDir()
	s.token = testutil.NewToken(s.T(), testutil.EC, testutil.EC, "ESTEID")

	s.ctl = &Cli{}
	s.ctl.WithErrWriter(&s.Out).
		WithWriter(&s.Out).
		WithToken(s.token)

	parser, err := kong.New(s.ctl,
		kong.Name("eid-tool"),
		kong.Description("CLI tool for eID cards"),
		kong.Writers(&s.Out, &s.Out),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{})
	if err != nil {
		s.FailNow("unexpected error constructing Kong: %+v", err)
	}

	_, err = parser.Parse([]string{"--log-level=error"})
	if err != nil {
		s.FailNow("unexpected error parsing: %+v", err)
	}
}

// HasText is a helper method to assert that the out stream contains the supplied
// text somewhere
func (s *testSuite) HasText(texts ...string) {
	outStr := s.Out.String()
	for _, t := range texts {
		s.Contains(outStr, t)
	}
}

func (s *testSuite) writeFile(name, content string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

// central serves a signed configuration and configures the Cli to use it
type central struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	pub    []byte
	serial int
}

func (s *testSuite) newCentral(serial int) *central {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	s.Require().NoError(err)

	c := &central{
		key:    key,
		pub:    pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
		serial: serial,
	}
	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := c.json()
		switch r.URL.Path {
		case "/config.json":
			_, _ = w.Write(data)
		case "/config.rsa":
			h := sha512.Sum512(data)
			sig, _ := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA512, h[:])
			_, _ = w.Write([]byte(base64.StdEncoding.EncodeToString(sig)))
		case "/config.pub":
			_, _ = w.Write(c.pub)
		default:
			http.NotFound(w, r)
		}
	}))
	s.T().Cleanup(c.server.Close)

	s.ctl.WithConfig(&config.Config{
		Configuration: config.CentralConfig{
			URL:            c.server.URL,
			CacheDir:       filepath.Join(s.dir, "cache"),
			PublicKey:      s.writeFile("config.pub", string(c.pub)),
			UpdateInterval: time.Hour,
		},
		MobileID: config.MobileIDConfig{
			RelyingPartyName: "DEMO",
			DisplayMessage:   "Sign document",
			Locale:           "ENG",
			StatusTimeout:    time.Second,
		},
	})
	return c
}

func (c *central) json() []byte {
	return []byte(fmt.Sprintf(`{"META-INF":{"URL":"%s/config.json","DATE":"20261001000000Z","SERIAL":%d,"VER":1},`+
		`"MID-PROXY-URL":"%s/mid-proxy","MID-SK-URL":"%s/mid","CERT-BUNDLE":[]}`,
		c.server.URL, c.serial, c.server.URL, c.server.URL))
}

func (s *testSuite) context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}
