package cdoc

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "cdoc")

// ErrNoRecipient is returned when the token is not among the recipients
var ErrNoRecipient = errors.New("token certificate is not a recipient")

type Decrypter struct{}

func NewDecrypter() *Decrypter {
	return &Decrypter{}
}

// Decrypt unwraps the content key with token and writes the payload files
// to outDir, returning their paths.
func (d *Decrypter) Decrypt(token Token, r io.Reader, outDir string) ([]string, error) {
	e, err := Read(r)
	if err != nil {
		return nil, err
	}

	files, err := d.DecryptEnvelope(token, e)
	if err != nil {
		return nil, err
	}

	names, err := fileNames(files)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}
	paths := make([]string, 0, len(files))
	for i, f := range files {
		path := filepath.Join(outDir, names[i])
		if err := os.WriteFile(path, f.Data, 0o600); err != nil {
			removeAll(paths)
			return nil, errors.WithMessagef(err, "failed to write %s", names[i])
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// fileNames returns the base names the payload files are written under
func fileNames(files []File) ([]string, error) {
	names := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		name := filepath.Base(filepath.Clean("/" + f.Name))
		if name == "/" || name == "." {
			return nil, errors.Errorf("invalid file name: %q", f.Name)
		}
		if seen[name] {
			return nil, errors.Errorf("duplicate file name: %q", name)
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

func removeAll(paths []string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			logger.KV(xlog.WARNING, "reason", "cleanup", "path", path, "err", err.Error())
		}
	}
}

// DecryptEnvelope returns payload files
func (d *Decrypter) DecryptEnvelope(token Token, e *Envelope) ([]File, error) {
	recipient, err := selectRecipient(token, e.Recipients)
	if err != nil {
		return nil, err
	}

	var key []byte
	switch recipient.Type {
	case RecipientRSA:
		key, err = token.DecryptRSA(recipient.EncryptedKey)
		if err != nil {
			return nil, err
		}
	case RecipientEC:
		shared, err := token.DecryptEC(recipient.EphemeralPublicKey)
		if err != nil {
			return nil, err
		}
		kek, err := deriveKEK(shared)
		if err != nil {
			return nil, err
		}
		if key, err = open(kek, recipient.EncryptedKey); err != nil {
			return nil, errors.WithMessage(err, "failed to unwrap content key")
		}
	default:
		return nil, errors.Errorf("unsupported recipient type: %q", recipient.Type)
	}

	plain, err := open(key, e.Payload)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to decrypt payload")
	}

	var files []File
	if err := json.Unmarshal(plain, &files); err != nil {
		return nil, errors.WithMessage(err, "failed to decode payload")
	}
	logger.KV(xlog.DEBUG, "recipient", recipient.Type, "files", len(files))
	return files, nil
}

func selectRecipient(token Token, recipients []Recipient) (*Recipient, error) {
	crt := token.Certificate()
	if len(crt) == 0 {
		return nil, errors.WithMessage(ErrNoRecipient, "token has no certificate")
	}
	for i := range recipients {
		if bytes.Equal(recipients[i].Certificate, crt) {
			return &recipients[i], nil
		}
	}
	return nil, ErrNoRecipient
}
