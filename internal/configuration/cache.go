package configuration

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/magiconair/properties"
)

const (
	CachedConfigJSON = "active-config.json"
	CachedConfigRSA  = "active-config.rsa"
	CachedConfigPub  = "active-config.pub"
	InfoFile         = "configuration-info.properties"

	propLastUpdateCheckDate = "configuration.last-update-check-date"
	propUpdateDate          = "configuration.update-date"
	propVersionSerial       = "configuration.version-serial"
)

// Cache is the local configuration folder
type Cache struct {
	dir   string
	props *properties.Properties
}

// OpenCache opens the cache folder, creating it and an empty info file
// when missing.
func OpenCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithMessagef(err, "failed to create cache folder: %s", dir)
	}
	c := &Cache{dir: dir}

	path := c.path(InfoFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.props = properties.NewProperties()
		if err = c.Save(); err != nil {
			return nil, err
		}
		return c, nil
	}

	props, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load %s", InfoFile)
	}
	c.props = props
	return c, nil
}

func (c *Cache) path(name string) string {
	return filepath.Join(c.dir, name)
}

// Exists returns true if a configuration has been cached
func (c *Cache) Exists() bool {
	_, err := os.Stat(c.path(CachedConfigJSON))
	return err == nil
}

// Load returns the cached configuration, signature and public key
func (c *Cache) Load() (data, signature, publicKey []byte, err error) {
	if data, err = os.ReadFile(c.path(CachedConfigJSON)); err != nil {
		return nil, nil, nil, errors.WithMessage(err, "failed to read cached configuration")
	}
	if signature, err = os.ReadFile(c.path(CachedConfigRSA)); err != nil {
		return nil, nil, nil, errors.WithMessage(err, "failed to read cached signature")
	}
	if publicKey, err = os.ReadFile(c.path(CachedConfigPub)); err != nil {
		return nil, nil, nil, errors.WithMessage(err, "failed to read cached public key")
	}
	return data, signature, publicKey, nil
}

// Store replaces the cached configuration files
func (c *Cache) Store(data, signature, publicKey []byte) error {
	for name, content := range map[string][]byte{
		CachedConfigJSON: data,
		CachedConfigRSA:  signature,
		CachedConfigPub:  publicKey,
	} {
		if err := writeFile(c.path(name), content); err != nil {
			return err
		}
	}
	return nil
}

// VersionSerial returns the cached serial, and false if none is recorded
func (c *Cache) VersionSerial() (int, bool) {
	v, ok := c.props.Get(propVersionSerial)
	if !ok {
		return 0, false
	}
	serial, err := strconv.Atoi(v)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "invalid_serial", "value", v)
		return 0, false
	}
	return serial, true
}

// LastUpdateCheckDate returns zero time if never checked
func (c *Cache) LastUpdateCheckDate() time.Time {
	return c.date(propLastUpdateCheckDate)
}

// UpdateDate returns zero time if never updated
func (c *Cache) UpdateDate() time.Time {
	return c.date(propUpdateDate)
}

func (c *Cache) date(key string) time.Time {
	v, ok := c.props.Get(key)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "invalid_date", "key", key, "value", v)
		return time.Time{}
	}
	return t
}

// SetUpdated records an update, which is also an update check
func (c *Cache) SetUpdated(at time.Time, serial int) {
	c.set(propUpdateDate, at.UTC().Format(time.RFC3339))
	c.set(propLastUpdateCheckDate, at.UTC().Format(time.RFC3339))
	c.set(propVersionSerial, strconv.Itoa(serial))
}

// SetChecked records an update check that brought no new configuration
func (c *Cache) SetChecked(at time.Time) {
	c.set(propLastUpdateCheckDate, at.UTC().Format(time.RFC3339))
}

func (c *Cache) set(key, value string) {
	if _, _, err := c.props.Set(key, value); err != nil {
		logger.KV(xlog.ERROR, "reason", "set_property", "key", key, "err", err.Error())
	}
}

// Save writes the info file
func (c *Cache) Save() error {
	f, err := os.OpenFile(c.path(InfoFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.WithMessagef(err, "failed to update %s", InfoFile)
	}
	defer f.Close()

	if _, err = c.props.Write(f, properties.UTF8); err != nil {
		return errors.WithMessagef(err, "failed to update %s", InfoFile)
	}
	return nil
}

// writeFile replaces the file through a temporary file in the same folder
func writeFile(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return errors.WithMessagef(err, "failed to write %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.WithMessagef(err, "failed to write %s", filepath.Base(path))
	}
	return nil
}
