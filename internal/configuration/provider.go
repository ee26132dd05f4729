package configuration

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/effective-security/xlog"
)

const (
	// DefaultUpdateInterval between central configuration checks
	DefaultUpdateInterval = 24 * time.Hour

	maxDownloadSize = 4 << 20
)

// Options for the configuration provider
type Options struct {
	// CentralURL serves config.json, config.rsa and config.pub
	CentralURL string
	CacheDir   string
	// PublicKey is the bundled PEM key every configuration must verify against
	PublicKey      []byte
	UpdateInterval time.Duration
	HTTPClient     *http.Client
}

// Provider supplies the verified central configuration
type Provider struct {
	opts   Options
	cache  *Cache
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	current *Configuration
}

// NewProvider opens the cache folder
func NewProvider(opts Options) (*Provider, error) {
	if len(opts.PublicKey) == 0 {
		return nil, errors.New("missing configuration public key")
	}
	if _, err := ParsePublicKey(opts.PublicKey); err != nil {
		return nil, err
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = DefaultUpdateInterval
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	cache, err := OpenCache(opts.CacheDir)
	if err != nil {
		return nil, err
	}
	return &Provider{
		opts:   opts,
		cache:  cache,
		client: client,
		now:    time.Now,
	}, nil
}

// Load returns the cached configuration, or downloads it when nothing is
// cached. A cached configuration failing verification is an error, it is
// never replaced silently.
func (p *Provider) Load(ctx context.Context) (*Configuration, error) {
	if !p.cache.Exists() {
		if _, err := p.Refresh(ctx); err != nil {
			return nil, err
		}
		if cfg := p.Current(); cfg != nil {
			return cfg, nil
		}
		return nil, errors.New("configuration is not loaded")
	}

	data, signature, _, err := p.cache.Load()
	if err != nil {
		return nil, err
	}
	if err = Verify("cache", data, signature, p.opts.PublicKey); err != nil {
		logger.KV(xlog.ERROR, "reason", "verify", "source", "cache", "err", err.Error())
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()

	logger.KV(xlog.INFO, "status", "loaded", "serial", cfg.Serial(), "updated", p.cache.UpdateDate())
	return cfg, nil
}

// Refresh downloads the central configuration and replaces the cached one
// when its serial is newer than the cached serial, whether or not the cached
// configuration was loaded. Returns true if the configuration was updated.
func (p *Provider) Refresh(ctx context.Context) (bool, error) {
	data, err := p.download(ctx, "config.json")
	if err != nil {
		return false, err
	}
	signature, err := p.download(ctx, "config.rsa")
	if err != nil {
		return false, err
	}
	publicKey, err := p.download(ctx, "config.pub")
	if err != nil {
		return false, err
	}

	if err = Verify("central", data, signature, p.opts.PublicKey); err != nil {
		logger.KV(xlog.ERROR, "reason", "verify", "source", "central", "err", err.Error())
		return false, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	// the serial never goes backwards, and a cached copy of the same
	// serial is kept even when it failed verification
	if serial, ok := p.cache.VersionSerial(); ok {
		if cfg.Serial() < serial || (cfg.Serial() == serial && p.cache.Exists()) {
			p.cache.SetChecked(now)
			if cfg.Serial() < serial {
				logger.KV(xlog.WARNING, "reason", "older_serial", "serial", cfg.Serial(), "cached", serial)
			} else {
				logger.KV(xlog.DEBUG, "status", "up_to_date", "serial", serial)
			}
			return false, p.cache.Save()
		}
	}

	if err = p.cache.Store(data, signature, publicKey); err != nil {
		return false, err
	}
	p.cache.SetUpdated(now, cfg.Serial())
	if err = p.cache.Save(); err != nil {
		return false, err
	}
	p.current = cfg

	logger.KV(xlog.INFO, "status", "updated", "serial", cfg.Serial())
	return true, nil
}

func (p *Provider) download(ctx context.Context, name string) ([]byte, error) {
	u, err := url.JoinPath(p.opts.CentralURL, name)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration URL: %q", p.opts.CentralURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to download %s: %s", name, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", name)
	}
	return body, nil
}

// Current returns the loaded configuration, or nil
func (p *Provider) Current() *Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Cache returns the cache folder
func (p *Provider) Cache() *Cache {
	return p.cache
}

// MobileID returns the relay endpoints and trusted certificates
func (p *Provider) MobileID() (mobileid.Endpoints, [][]byte, error) {
	cfg := p.Current()
	if cfg == nil {
		return mobileid.Endpoints{}, nil, errors.New("configuration is not loaded")
	}
	bundle, err := cfg.Certificates()
	if err != nil {
		return mobileid.Endpoints{}, nil, err
	}
	return cfg.MobileIDEndpoints(), bundle, nil
}

// NeedsUpdate returns true when the last check is older than the update interval
func (p *Provider) NeedsUpdate() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.now().Sub(p.cache.LastUpdateCheckDate()) >= p.opts.UpdateInterval
}

// Run refreshes the configuration when due, until ctx is done
func (p *Provider) Run(ctx context.Context) error {
	interval := p.opts.UpdateInterval
	if interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.NeedsUpdate() {
			if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.KV(xlog.WARNING, "reason", "refresh", "err", err.Error())
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
