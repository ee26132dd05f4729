package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/cdoc"
	"github.com/cortex-x/go-eid-card-service/internal/container"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/cortex-x/go-eid-card-service/internal/signing"
	"github.com/google/uuid"
)

// ContainerCmd manages signed containers
type ContainerCmd struct {
	Create ContainerCreateCmd `cmd:"" help:"create unsigned container"`
	Verify ContainerVerifyCmd `cmd:"" help:"verify container signatures"`
}

// ContainerCreateCmd creates unsigned container from files
type ContainerCreateCmd struct {
	Out   string   `required:"" help:"container file to create"`
	Files []string `kong:"arg" required:"" help:"documents to add" type:"existingfile"`
}

// Run the command
func (a *ContainerCreateCmd) Run(ctx *Cli) error {
	c, err := container.New(filepath.Base(a.Out))
	if err != nil {
		return err
	}
	for _, name := range a.Files {
		data, err := os.ReadFile(name)
		if err != nil {
			return errors.WithStack(err)
		}
		if err = c.AddDocument(filepath.Base(name), data); err != nil {
			return err
		}
	}
	return c.SaveFile(a.Out)
}

// ContainerVerifyCmd verifies signatures
type ContainerVerifyCmd struct {
	In string `kong:"arg" required:"" help:"container file" type:"existingfile"`
}

// Run the command
func (a *ContainerVerifyCmd) Run(ctx *Cli) error {
	c, err := container.OpenFile(a.In)
	if err != nil {
		return err
	}
	if err = c.Validate(); err != nil {
		return err
	}
	for _, s := range c.Signatures {
		fmt.Fprintf(ctx.Writer(), "%s: %s %s\n", s.ID, s.SignerName, s.SigningTime.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

// SignCmd signs containers
type SignCmd struct {
	Card     SignCardCmd     `cmd:"" help:"sign with the card signing key"`
	MobileID SignMobileIDCmd `cmd:"" name:"mobileid" help:"sign with Mobile-ID"`
}

// SignCardCmd signs container with the card
type SignCardCmd struct {
	In   string `kong:"arg" required:"" help:"container file" type:"existingfile"`
	Out  string `help:"signed container file, the input is replaced when empty"`
	Pin2 string `required:"" env:"EID_PIN2" help:"PIN2 of the card"`
}

// Run the command
func (a *SignCardCmd) Run(ctx *Cli) error {
	c, err := container.OpenFile(a.In)
	if err != nil {
		return err
	}
	token, release, err := ctx.Token()
	if err != nil {
		return err
	}
	defer release()

	signed, err := signing.New(ctx.Cards(), nil, nil, nil).SignWithCard(ctx.Context(), token, c, a.Pin2)
	if err != nil {
		return err
	}
	return saveSigned(ctx, signed, a.In, a.Out)
}

// SignMobileIDCmd signs container with Mobile-ID
type SignMobileIDCmd struct {
	In           string `kong:"arg" required:"" help:"container file" type:"existingfile"`
	Out          string `help:"signed container file, the input is replaced when empty"`
	PersonalCode string `required:"" help:"personal identification code"`
	Phone        string `required:"" help:"phone number with country code"`
}

// Run the command
func (a *SignMobileIDCmd) Run(ctx *Cli) error {
	c, err := container.OpenFile(a.In)
	if err != nil {
		return err
	}
	cfg, err := ctx.Config()
	if err != nil {
		return err
	}
	provider, err := ctx.Provider()
	if err != nil {
		return err
	}
	if _, err = provider.Load(ctx.Context()); err != nil {
		return err
	}
	endpoints, bundle, err := provider.MobileID()
	if err != nil {
		return err
	}

	bus := mobileid.NewBus()
	relay := mobileid.NewRelay(bus, ctx.mobileIDClient, cfg.MobileID.StatusTimeout)
	req := &mobileid.Request{
		CorrelationID:    uuid.NewString(),
		DisplayMessage:   cfg.MobileID.DisplayMessage,
		Locale:           cfg.MobileID.Locale,
		PersonalCode:     a.PersonalCode,
		PhoneNumber:      a.Phone,
		RelyingPartyName: cfg.MobileID.RelyingPartyName,
		RelyingPartyUUID: cfg.MobileID.RelyingPartyUUID,
		Endpoints:        endpoints,
		CertBundle:       bundle,
	}

	signed, err := signing.New(nil, bus, relay, nil).SignWithMobileID(ctx.Context(), c, req, nil, func(r mobileid.Response) {
		switch r.Kind {
		case mobileid.ResponseChallenge:
			fmt.Fprintf(ctx.ErrWriter(), "Verification code: %s\n", r.Challenge)
		case mobileid.ResponseStatus:
			fmt.Fprintf(ctx.ErrWriter(), "Status: %s\n", r.Status)
		}
	})
	if err != nil {
		return err
	}
	return saveSigned(ctx, signed, a.In, a.Out)
}

func saveSigned(ctx *Cli, signed *container.Container, in, out string) error {
	if out == "" {
		out = in
	}
	if err := signed.SaveFile(out); err != nil {
		return err
	}
	s := signed.Signatures[len(signed.Signatures)-1]
	fmt.Fprintf(ctx.Writer(), "signed by %s: %s\n", s.SignerName, out)
	return nil
}

// EncryptCmd encrypts files for recipient certificates
type EncryptCmd struct {
	Out        string   `required:"" help:"encrypted container file to create"`
	Recipients []string `name:"recipient" required:"" help:"recipient certificate, PEM or DER" type:"existingfile"`
	Files      []string `kong:"arg" required:"" help:"files to encrypt" type:"existingfile"`
}

// Run the command
func (a *EncryptCmd) Run(ctx *Cli) error {
	var recipients [][]byte
	for _, name := range a.Recipients {
		der, err := readCertificate(name)
		if err != nil {
			return err
		}
		recipients = append(recipients, der)
	}

	var files []cdoc.File
	for _, name := range a.Files {
		data, err := os.ReadFile(name)
		if err != nil {
			return errors.WithStack(err)
		}
		files = append(files, cdoc.File{Name: filepath.Base(name), Data: data})
	}

	envelope, err := cdoc.Encrypt(files, recipients)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(a.Out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	return envelope.Write(f)
}
