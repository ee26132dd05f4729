// Package container implements a minimal signed container: a set of
// documents and the signatures over their digests.
package container

import (
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "container")

// MediaType of the serialized container
const MediaType = "application/x-eid-container+json"

type Document struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Size returns the document size in bytes
func (d Document) Size() int {
	return len(d.Data)
}

type Signature struct {
	ID          string    `json:"id"`
	SignerName  string    `json:"signerName"`
	Certificate []byte    `json:"certificate"`
	SigningTime time.Time `json:"signingTime"`
	Value       []byte    `json:"value"`
}

// Container holds documents and signatures. Documents cannot change once
// the container carries a signature.
type Container struct {
	Name       string      `json:"name"`
	MediaType  string      `json:"mediaType"`
	Documents  []Document  `json:"documents"`
	Signatures []Signature `json:"signatures"`

	pending *signedProperties
}

// signedProperties is the signed structure, its SHA-256 digest is signed
type signedProperties struct {
	Documents   []documentDigest `json:"documents"`
	Certificate []byte           `json:"certificate"`
	SigningTime time.Time        `json:"signingTime"`
}

type documentDigest struct {
	Name   string `json:"name"`
	Digest []byte `json:"digest"`
}

// New returns unsigned container
func New(name string, documents ...Document) (*Container, error) {
	c := &Container{Name: name, MediaType: MediaType}
	for _, d := range documents {
		if err := c.AddDocument(d.Name, d.Data); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddDocument adds a document to an unsigned container
func (c *Container) AddDocument(name string, data []byte) error {
	if len(c.Signatures) > 0 {
		return errors.New("container is signed")
	}
	if name == "" || filepath.Base(name) != name {
		return errors.Errorf("invalid document name: %q", name)
	}
	for _, d := range c.Documents {
		if d.Name == name {
			return errors.Errorf("document already exists: %s", name)
		}
	}
	c.Documents = append(c.Documents, Document{Name: name, Data: data})
	return nil
}

// DataToSign prepares a signature for signingCertificate and returns the
// SHA-256 digest to be signed.
func (c *Container) DataToSign(signingCertificate []byte) ([]byte, error) {
	if len(c.Documents) == 0 {
		return nil, errors.New("container has no documents")
	}
	if _, err := parseCertificate(signingCertificate); err != nil {
		return nil, err
	}

	p := &signedProperties{
		Documents:   c.digests(),
		Certificate: signingCertificate,
		SigningTime: time.Now().UTC().Truncate(time.Second),
	}
	digest, err := p.digest()
	if err != nil {
		return nil, err
	}
	c.pending = p
	return digest, nil
}

// Finalize binds signature over the last DataToSign into the container
func (c *Container) Finalize(signature []byte) (*Container, error) {
	p := c.pending
	if p == nil {
		return nil, errors.New("no signature in progress")
	}

	s := Signature{
		ID:          newSignatureID(),
		Certificate: p.Certificate,
		SigningTime: p.SigningTime,
		Value:       signature,
	}
	if err := verify(&s, p.Documents); err != nil {
		return nil, err
	}
	crt, _ := parseCertificate(p.Certificate)
	s.SignerName = crt.Subject.CommonName

	c.pending = nil
	c.Signatures = append(c.Signatures, s)
	logger.KV(xlog.INFO, "container", c.Name, "signature", s.ID, "signer", s.SignerName)
	return c, nil
}

// Validate verifies every signature against current documents
func (c *Container) Validate() error {
	digests := c.digests()
	for i := range c.Signatures {
		if err := verify(&c.Signatures[i], digests); err != nil {
			return errors.WithMessagef(err, "signature %s", c.Signatures[i].ID)
		}
	}
	return nil
}

func (c *Container) digests() []documentDigest {
	res := make([]documentDigest, 0, len(c.Documents))
	for _, d := range c.Documents {
		h := sha256.Sum256(d.Data)
		res = append(res, documentDigest{Name: d.Name, Digest: h[:]})
	}
	return res
}

func (p *signedProperties) digest() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	h := sha256.Sum256(b)
	return h[:], nil
}

// Open reads container
func Open(r io.Reader) (*Container, error) {
	var c Container
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.WithMessage(err, "failed to decode container")
	}
	if c.MediaType != MediaType {
		return nil, errors.Errorf("unsupported media type: %q", c.MediaType)
	}
	return &c, nil
}

// OpenFile reads container from file
func OpenFile(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	return Open(f)
}

// Save writes container
func (c *Container) Save(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.WithStack(enc.Encode(c))
}

// SaveFile writes container to file
func (c *Container) SaveFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	if err = c.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	return errors.WithStack(f.Close())
}
