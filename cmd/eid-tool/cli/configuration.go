package cli

import (
	"encoding/pem"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/configuration"
)

// ConfigCmd manages the central configuration
type ConfigCmd struct {
	Refresh ConfigRefreshCmd `cmd:"" help:"download the central configuration when newer"`
	Show    ConfigShowCmd    `cmd:"" help:"print the cached central configuration"`
}

// ConfigRefreshCmd updates the configuration cache
type ConfigRefreshCmd struct{}

// Run the command
func (a *ConfigRefreshCmd) Run(ctx *Cli) error {
	provider, err := ctx.Provider()
	if err != nil {
		return err
	}
	if provider.Cache().Exists() {
		if _, err = provider.Load(ctx.Context()); err != nil {
			return err
		}
	}
	updated, err := provider.Refresh(ctx.Context())
	if err != nil {
		return err
	}
	current := provider.Current()
	if current == nil {
		return errors.New("configuration is not loaded")
	}
	fmt.Fprintf(ctx.Writer(), "serial: %d, updated: %t\n", current.Serial(), updated)
	return nil
}

// ConfigShowCmd prints the configuration
type ConfigShowCmd struct{}

// Run the command
func (a *ConfigShowCmd) Run(ctx *Cli) error {
	provider, err := ctx.Provider()
	if err != nil {
		return err
	}
	c, err := provider.Load(ctx.Context())
	if err != nil {
		return err
	}
	return ctx.WriteJSON(c)
}

// Provider returns the central configuration provider
func (c *Cli) Provider() (*configuration.Provider, error) {
	if c.provider != nil {
		return c.provider, nil
	}
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(cfg.Configuration.PublicKey)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read configuration public key")
	}
	c.provider, err = configuration.NewProvider(configuration.Options{
		CentralURL:     cfg.Configuration.URL,
		CacheDir:       cfg.Configuration.CacheDir,
		PublicKey:      key,
		UpdateInterval: cfg.Configuration.UpdateInterval,
	})
	if err != nil {
		return nil, err
	}
	return c.provider, nil
}

func readCertificate(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, errors.Errorf("unexpected PEM block %q in %s", block.Type, name)
		}
		return block.Bytes, nil
	}
	return data, nil
}
