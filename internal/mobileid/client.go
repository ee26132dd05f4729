package mobileid

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

// DefaultRelyingPartyUUID is used with the relying party proxy
const DefaultRelyingPartyUUID = "00000000-0000-0000-0000-000000000000"

type CertificateRequest struct {
	RelyingPartyUUID       string `json:"relyingPartyUUID"`
	RelyingPartyName       string `json:"relyingPartyName"`
	PhoneNumber            string `json:"phoneNumber"`
	NationalIdentityNumber string `json:"nationalIdentityNumber"`
}

type CertificateResponse struct {
	Result string `json:"result"`
	// Cert is base64 DER
	Cert string `json:"cert,omitempty"`
}

type SignatureRequest struct {
	RelyingPartyUUID       string `json:"relyingPartyUUID"`
	RelyingPartyName       string `json:"relyingPartyName"`
	PhoneNumber            string `json:"phoneNumber"`
	NationalIdentityNumber string `json:"nationalIdentityNumber"`
	// Hash is base64
	Hash              string `json:"hash"`
	HashType          string `json:"hashType"`
	Language          string `json:"language"`
	DisplayText       string `json:"displayText,omitempty"`
	DisplayTextFormat string `json:"displayTextFormat,omitempty"`
}

type SignatureResponse struct {
	SessionID string `json:"sessionID"`
}

type SessionSignature struct {
	Value     string `json:"value"`
	Algorithm string `json:"algorithm"`
}

type SessionStatusResponse struct {
	State     string            `json:"state"`
	Result    string            `json:"result,omitempty"`
	Signature *SessionSignature `json:"signature,omitempty"`
}

// Client is the Mobile-ID REST service
type Client interface {
	Certificate(ctx context.Context, req *CertificateRequest) (*CertificateResponse, error)
	Signature(ctx context.Context, req *SignatureRequest) (*SignatureResponse, error)
	SessionStatus(ctx context.Context, sessionID string, timeout time.Duration) (*SessionStatusResponse, error)
}

// ClientFactory creates a client for the endpoint with the trust bundle
type ClientFactory func(baseURL string, certBundle [][]byte) (Client, error)

type RESTClient struct {
	baseURL string
	http    *http.Client
}

// Ensure compiles
var _ Client = (*RESTClient)(nil)

// NewRESTClient returns client trusting certBundle, or system roots when empty
func NewRESTClient(baseURL string, certBundle [][]byte) (Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid relay URL: %q", baseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if len(certBundle) > 0 {
		pool, err := certPool(certBundle)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	return &RESTClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Transport: transport, Timeout: 2 * time.Minute},
	}, nil
}

func certPool(bundle [][]byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for i, b := range bundle {
		if block, _ := pem.Decode(b); block != nil {
			b = block.Bytes
		}
		crt, err := x509.ParseCertificate(b)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid certificate in bundle at %d", i)
		}
		pool.AddCert(crt)
	}
	return pool, nil
}

func (c *RESTClient) Certificate(ctx context.Context, req *CertificateRequest) (*CertificateResponse, error) {
	var res CertificateResponse
	if err := c.do(ctx, http.MethodPost, "/certificate", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RESTClient) Signature(ctx context.Context, req *SignatureRequest) (*SignatureResponse, error) {
	var res SignatureResponse
	if err := c.do(ctx, http.MethodPost, "/signature", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RESTClient) SessionStatus(ctx context.Context, sessionID string, timeout time.Duration) (*SessionStatusResponse, error) {
	path := fmt.Sprintf("/signature/session/%s?timeoutMs=%d", url.PathEscape(sessionID), timeout.Milliseconds())
	var res SessionStatusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, res any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		logger.KV(xlog.ERROR, "reason", "request", "path", path, "err", err.Error())
		return &Fault{Status: StatusNoResponse, DetailMessage: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpFault(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return &Fault{Status: StatusTechnicalError, DetailMessage: "invalid response: " + err.Error()}
	}
	return nil
}

func httpFault(resp *http.Response) *Fault {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)

	f := &Fault{DetailMessage: body.Error}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		f.Status = StatusInvalidAccessRights
	case resp.StatusCode == http.StatusConflict:
		f.Status = StatusExceededUnsuccessful
	case resp.StatusCode == http.StatusTooManyRequests:
		f.Status = StatusTooManyRequests
	case resp.StatusCode >= 500:
		f.Status = StatusTechnicalError
	default:
		f.Status = StatusGeneral
	}
	logger.KV(xlog.WARNING, "reason", "http_status", "code", resp.StatusCode, "status", f.Status, "detail", body.Error)
	return f
}
