package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/api"
	"github.com/cortex-x/go-eid-card-service/internal/config"
	"github.com/cortex-x/go-eid-card-service/internal/configuration"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/idcard"
	"github.com/cortex-x/go-eid-card-service/internal/infra/pkcs11token"
	"github.com/cortex-x/go-eid-card-service/internal/infra/smartcard"
	"github.com/cortex-x/go-eid-card-service/internal/infra/websocket"
	"github.com/cortex-x/go-eid-card-service/internal/metrics"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/cortex-x/go-eid-card-service/internal/signing"
	"github.com/effective-security/xlog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "main")

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.KV(xlog.ERROR, "reason", "load_config", "err", err.Error())
		os.Exit(1)
	}

	if level, err := xlog.ParseLevel(strings.ToUpper(cfg.Log.Level)); err == nil {
		xlog.SetGlobalLogLevel(level)
	} else {
		logger.KV(xlog.WARNING, "reason", "log_level", "level", cfg.Log.Level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg); err != nil {
		logger.KV(xlog.ERROR, "reason", "run", "err", fmt.Sprintf("%+v", err))
		stop()
		os.Exit(1)
	}
	logger.KV(xlog.INFO, "status", "stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	reader, closeReader, err := newReader(cfg)
	if err != nil {
		return err
	}
	defer closeReader()

	hub := websocket.NewHub()
	monitor := api.NewCardMonitor(hub)
	cards := idcard.NewService(reader, m)

	bus := mobileid.NewBus()
	relay := mobileid.NewRelay(bus, mobileid.NewRESTClient, cfg.MobileID.StatusTimeout)
	signer := signing.New(cards, bus, relay, m)

	var settings api.MobileIDSettings
	provider, err := newProvider(cfg)
	if err != nil {
		// card operations do not need the central configuration
		logger.KV(xlog.ERROR, "reason", "configuration", "err", err.Error())
		settings = unavailable{err: err}
	} else {
		settings = provider
	}

	handler := api.NewHandler(hub, monitor, cards, signer, settings, api.Options{
		RelyingPartyName: cfg.MobileID.RelyingPartyName,
		RelyingPartyUUID: cfg.MobileID.RelyingPartyUUID,
		DisplayMessage:   cfg.MobileID.DisplayMessage,
		Locale:           cfg.MobileID.Locale,
		DecryptDir:       cfg.Decrypt.OutputDir,
		AllowOrigins:     api.Origins(cfg.Server.AllowOrigins),
	})
	server := api.NewServer(cfg, hub, handler, prometheus.DefaultGatherer)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(ctx, cards.Data(ctx))
		return nil
	})
	if provider != nil {
		g.Go(func() error {
			if _, err := provider.Load(ctx); err != nil {
				logger.KV(xlog.ERROR, "reason", "load_configuration", "err", err.Error())
			}
			return provider.Run(ctx)
		})
	}
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newReader(cfg *config.Config) (domain.ReaderService, func(), error) {
	if module := cfg.PKCS11.Module; module != "" {
		ctx, closer, err := pkcs11token.LoadModule(module)
		if err != nil {
			return nil, nil, err
		}
		logger.KV(xlog.INFO, "reader", "pkcs11", "module", module)
		return pkcs11token.NewReader(ctx, module, cfg.Reader.PollInterval), closer, nil
	}

	reader, err := smartcard.NewPCSCReader(cfg.Reader.PollInterval, cfg.Reader.Filter)
	if err != nil {
		return nil, nil, err
	}
	logger.KV(xlog.INFO, "reader", "pcsc", "filter", cfg.Reader.Filter)
	return reader, func() { _ = reader.Close() }, nil
}

func newProvider(cfg *config.Config) (*configuration.Provider, error) {
	key, err := os.ReadFile(cfg.Configuration.PublicKey)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read configuration public key %q, Mobile-ID is disabled", cfg.Configuration.PublicKey)
	}
	return configuration.NewProvider(configuration.Options{
		CentralURL:     cfg.Configuration.URL,
		CacheDir:       cfg.Configuration.CacheDir,
		PublicKey:      key,
		UpdateInterval: cfg.Configuration.UpdateInterval,
	})
}

// unavailable reports the provider setup error on every Mobile-ID request
type unavailable struct {
	err error
}

func (u unavailable) MobileID() (mobileid.Endpoints, [][]byte, error) {
	return mobileid.Endpoints{}, nil, u.err
}
