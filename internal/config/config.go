package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig   `mapstructure:"server"`
	Log           LogConfig      `mapstructure:"log"`
	Reader        ReaderConfig   `mapstructure:"reader"`
	PKCS11        PKCS11Config   `mapstructure:"pkcs11"`
	Configuration CentralConfig  `mapstructure:"configuration"`
	MobileID      MobileIDConfig `mapstructure:"mobileid"`
	Decrypt       DecryptConfig  `mapstructure:"decrypt"`
}

type ServerConfig struct {
	// Host is the listen address, loopback unless configured
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AllowOrigins lists the web origins allowed to call the API and
	// open the websocket. Requests without Origin are not browser
	// requests and are always served.
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ReaderConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Filter selects the first reader whose name contains it
	Filter string `mapstructure:"filter"`
}

// PKCS11Config selects the PKCS#11 token instead of PC/SC when Module is set
type PKCS11Config struct {
	Module string `mapstructure:"module"`
}

type CentralConfig struct {
	URL            string        `mapstructure:"url"`
	CacheDir       string        `mapstructure:"cache_dir"`
	PublicKey      string        `mapstructure:"public_key"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
}

type MobileIDConfig struct {
	RelyingPartyName string        `mapstructure:"relying_party_name"`
	RelyingPartyUUID string        `mapstructure:"relying_party_uuid"`
	DisplayMessage   string        `mapstructure:"display_message"`
	Locale           string        `mapstructure:"locale"`
	StatusTimeout    time.Duration `mapstructure:"status_timeout"`
}

type DecryptConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// Load reads configs/config.yaml, if found, with environment overrides
// such as SERVER_PORT or MOBILEID_LOCALE.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	return load(v)
}

// LoadFile reads the given config file
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("reader.poll_interval", "500ms")
	v.SetDefault("reader.filter", "")
	v.SetDefault("pkcs11.module", "")
	v.SetDefault("configuration.url", "https://id.eesti.ee")
	v.SetDefault("configuration.cache_dir", "./cache/config")
	v.SetDefault("configuration.public_key", "./configs/config.pub")
	v.SetDefault("configuration.update_interval", "24h")
	v.SetDefault("mobileid.relying_party_name", "RIA DigiDoc")
	v.SetDefault("mobileid.relying_party_uuid", "")
	v.SetDefault("mobileid.display_message", "Sign document")
	v.SetDefault("mobileid.locale", "ENG")
	v.SetDefault("mobileid.status_timeout", "30s")
	v.SetDefault("decrypt.output_dir", "./decrypted")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.WithMessage(err, "failed to read config")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.WithMessage(err, "failed to decode config")
	}
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return nil, errors.Errorf("invalid server port: %d", config.Server.Port)
	}

	return &config, nil
}
