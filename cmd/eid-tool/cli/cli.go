// Package cli implements eid-tool commands
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/config"
	"github.com/cortex-x/go-eid-card-service/internal/configuration"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/idcard"
	"github.com/cortex-x/go-eid-card-service/internal/infra/pkcs11token"
	"github.com/cortex-x/go-eid-card-service/internal/infra/smartcard"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Cfg         string        `help:"Location of config file" type:"path"`
	Debug       bool          `short:"D" help:"Enable debug mode"`
	LogLevel    string        `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`
	PKCS11      string        `name:"pkcs11" help:"PKCS#11 module to use instead of PC/SC" type:"path"`
	CardTimeout time.Duration `help:"Time to wait for the card" default:"10s"`

	stdin     io.Reader
	output    io.Writer
	errOutput io.Writer

	ctx            context.Context
	config         *config.Config
	token          domain.Token
	cards          *idcard.Service
	provider       *configuration.Provider
	mobileIDClient mobileid.ClientFactory
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// WithToken uses the token instead of connecting to a card
func (c *Cli) WithToken(token domain.Token) *Cli {
	c.token = token
	return c
}

// WithConfig uses cfg instead of loading the config file
func (c *Cli) WithConfig(cfg *config.Config) *Cli {
	c.config = cfg
	return c
}

// WithMobileIDClient overrides the Mobile-ID client factory
func (c *Cli) WithMobileIDClient(factory mobileid.ClientFactory) *Cli {
	c.mobileIDClient = factory
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(_ *kong.Kong, _ kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
		return nil
	}
	l, err := xlog.ParseLevel(strings.ToUpper(strings.TrimLeft(c.LogLevel, "=")))
	if err != nil {
		return errors.WithStack(err)
	}
	xlog.SetGlobalLogLevel(l)
	return nil
}

// Config loads the configuration
func (c *Cli) Config() (*config.Config, error) {
	if c.config != nil {
		return c.config, nil
	}
	var err error
	if c.Cfg != "" {
		c.config, err = config.LoadFile(c.Cfg)
	} else {
		c.config, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	return c.config, nil
}

// Cards returns the card service
func (c *Cli) Cards() *idcard.Service {
	if c.cards == nil {
		c.cards = idcard.NewService(nil, nil)
	}
	return c.cards
}

// Token connects to the card, waiting up to CardTimeout for it. The
// returned function releases the reader.
func (c *Cli) Token() (domain.Token, func(), error) {
	if c.token != nil {
		return c.token, func() {}, nil
	}

	module := c.PKCS11
	if module == "" {
		if cfg, err := c.Config(); err == nil {
			module = cfg.PKCS11.Module
		}
	}
	if module != "" {
		token, closer, err := pkcs11token.Open(module)
		if err != nil {
			return nil, nil, err
		}
		return token, closer, nil
	}

	filter := ""
	if cfg, err := c.Config(); err == nil {
		filter = cfg.Reader.Filter
	}
	reader, err := smartcard.NewPCSCReader(0, filter)
	if err != nil {
		return nil, nil, err
	}

	timeout := c.CardTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Context(), timeout)
	release := func() {
		cancel()
		_ = reader.Close()
	}

	last := domain.ReaderStateNoReader
	for status := range reader.Status(ctx) {
		logger.KV(xlog.DEBUG, "state", status.State, "reader", status.Reader)
		last = status.State
		if status.State == domain.ReaderStateCardReady {
			return status.Token, release, nil
		}
	}
	release()

	if last == domain.ReaderStateNoReader {
		return nil, nil, errors.New(domain.ErrMsgReaderNotFound)
	}
	return nil, nil, errors.New(domain.ErrMsgCardNotDetected)
}

// WriteJSON prints value to out
func (c *Cli) WriteJSON(value any) error {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = fmt.Fprintln(c.Writer(), string(b))
	return errors.WithStack(err)
}
