// Package configuration loads the signed central configuration: a JSON
// document with a detached RSA signature, downloaded from the central
// configuration service and cached locally.
package configuration

import (
	"encoding/base64"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "configuration")

// Meta describes the configuration release
type Meta struct {
	URL    string `json:"URL"`
	Date   string `json:"DATE"`
	Serial int    `json:"SERIAL"`
	Ver    int    `json:"VER"`
}

// Configuration is the verified central configuration
type Configuration struct {
	Meta        Meta     `json:"META-INF"`
	MIDProxyURL string   `json:"MID-PROXY-URL"`
	MIDSKURL    string   `json:"MID-SK-URL"`
	TSAURL      string   `json:"TSA-URL"`
	TSLURL      string   `json:"TSL-URL"`
	OCSPURLs    []string `json:"OCSP-URL-ISSUER,omitempty"`
	// CertBundle holds base64 DER certificates trusted for the relay TLS
	CertBundle []string `json:"CERT-BUNDLE"`

	raw []byte
}

// Parse decodes configuration JSON. The signature is not checked here,
// see Verify.
func Parse(data []byte) (*Configuration, error) {
	c := new(Configuration)
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.WithMessage(err, "failed to parse configuration")
	}
	if c.Meta.Serial <= 0 {
		return nil, errors.Errorf("invalid configuration serial: %d", c.Meta.Serial)
	}
	c.raw = data
	return c, nil
}

// Serial returns the monotonically increasing release serial
func (c *Configuration) Serial() int {
	return c.Meta.Serial
}

// Raw returns the signed JSON document
func (c *Configuration) Raw() []byte {
	return c.raw
}

// MobileIDEndpoints returns the relay endpoints
func (c *Configuration) MobileIDEndpoints() mobileid.Endpoints {
	return mobileid.Endpoints{
		RestURL:   c.MIDProxyURL,
		SKRestURL: c.MIDSKURL,
	}
}

// Certificates decodes the trusted certificate bundle
func (c *Configuration) Certificates() ([][]byte, error) {
	bundle := make([][]byte, 0, len(c.CertBundle))
	for i, s := range c.CertBundle {
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid certificate in bundle at %d", i)
		}
		bundle = append(bundle, der)
	}
	return bundle, nil
}
