package mirsat

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
	"github.com/tfkr-ae/mirsat/manifest"
	"github.com/tfkr-ae/mirsat/replay"
	"github.com/tfkr-ae/mirsat/strategy"
)

// EnvPrefix prefixes the environment variables that override config.yaml, e.g. MIRSAT_APP_ORIGIN.
const EnvPrefix = "MIRSAT"

// ErrInvalidConfig is returned when the configuration does not validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// RetryConfig is the replay policy of queued mutations. MaxAttempts 0 retries forever.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type Config struct {
	viper                *viper.Viper
	ConfigDir            string        `mapstructure:"config_dir"`      // Current config dir
	ListenAddress        string        `mapstructure:"listen_address"`  // Proxy listener address
	ListenPort           string        `mapstructure:"listen_port"`     // Proxy listener port
	ControlAddress       string        `mapstructure:"control_address"` // host:port of the control plane
	AppOrigin            string        `mapstructure:"app_origin"`      // Origin the static assets are fetched from
	RemoteAPIBase        string        `mapstructure:"remote_api_base"` // Base URL queued mutations are replayed against
	Version              string        `mapstructure:"version"`         // Version tag when no manifest file is used
	StaticAssets         []string      `mapstructure:"static_assets"`
	ManifestPath         string        `mapstructure:"manifest_path"` // YAML manifest, relative to the config dir
	APIPrefix            string        `mapstructure:"api_prefix"`
	DataHosts            []string      `mapstructure:"data_hosts"`
	CacheableEndpoints   []string      `mapstructure:"cacheable_endpoints"`
	CriticalEndpoints    []string      `mapstructure:"critical_endpoints"`
	OfflineDocument      string        `mapstructure:"offline_document"`
	SkipWaitingOnInstall bool          `mapstructure:"skip_waiting_on_install"`
	Retry                RetryConfig   `mapstructure:"retry"`
	CheckURL             string        `mapstructure:"check_url"` // Defaults to remote_api_base
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	BrowserPath          string        `mapstructure:"browser_path"`
	UpstreamFingerprint  bool          `mapstructure:"upstream_fingerprint"` // Mimic Chrome on upstream TLS
	LogLevel             string        `mapstructure:"log_level"`
}

// setDefaults registers every key so that environment overrides and SafeWriteConfig see it.
func setDefaults(v *viper.Viper) {
	engine := strategy.DefaultConfig()
	rules := strategy.DefaultRules()

	v.SetDefault("listen_address", "127.0.0.1")
	v.SetDefault("listen_port", "8080")
	v.SetDefault("control_address", "127.0.0.1:8081")
	v.SetDefault("app_origin", "http://localhost:3000")
	v.SetDefault("remote_api_base", "http://localhost:3000")
	v.SetDefault("version", "v1")
	v.SetDefault("static_assets", rules.StaticPaths)
	v.SetDefault("manifest_path", "")
	v.SetDefault("api_prefix", rules.APIPrefix)
	v.SetDefault("data_hosts", []string{})
	v.SetDefault("cacheable_endpoints", engine.CacheableEndpoints)
	v.SetDefault("critical_endpoints", engine.CriticalEndpoints)
	v.SetDefault("offline_document", engine.OfflineDocument)
	v.SetDefault("skip_waiting_on_install", false)
	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.backoff", time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("check_url", "")
	v.SetDefault("check_interval", replay.DefaultCheckInterval)
	v.SetDefault("browser_path", "")
	v.SetDefault("upstream_fingerprint", true)
	v.SetDefault("log_level", "info")
}

// DefaultConfig returns the configuration used when no config file exists.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{viper: v}
	// Defaults always decode
	_ = v.Unmarshal(cfg)
	return cfg
}

// LoadConfig reads config.yaml from configDir, writing a default file on first run.
// Environment variables prefixed with MIRSAT_ override file values.
func LoadConfig(configDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file : %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return nil, fmt.Errorf("writing config file : %w", err)
		}
	}

	cfg := &Config{viper: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config to struct : %w", err)
	}
	cfg.ConfigDir = configDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetBrowserPath persists the browser used to open pages when none is connected.
func (cfg *Config) SetBrowserPath(browserPath string) error {
	if cfg.viper == nil {
		return errors.New("config is not backed by a file")
	}
	cfg.viper.Set("browser_path", browserPath)
	if err := cfg.viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	cfg.BrowserPath = browserPath
	return nil
}

func absoluteURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http or https URL")
	}
	return nil
}

func pathPrefix(value any) error {
	s, _ := value.(string)
	if s != "" && !strings.HasPrefix(s, "/") {
		return errors.New("must start with /")
	}
	return nil
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	err := validation.ValidateStruct(cfg,
		validation.Field(&cfg.ListenAddress, validation.Required),
		validation.Field(&cfg.ListenPort, validation.Required, is.Port),
		validation.Field(&cfg.ControlAddress, validation.Required, is.DialString),
		validation.Field(&cfg.AppOrigin, validation.Required, validation.By(absoluteURL)),
		validation.Field(&cfg.RemoteAPIBase, validation.Required, validation.By(absoluteURL)),
		validation.Field(&cfg.CheckURL, validation.By(absoluteURL)),
		validation.Field(&cfg.Version, validation.When(cfg.ManifestPath == "", validation.Required)),
		validation.Field(&cfg.APIPrefix, validation.By(pathPrefix)),
		validation.Field(&cfg.OfflineDocument, validation.Required, validation.By(pathPrefix)),
		validation.Field(&cfg.CacheableEndpoints, validation.Each(validation.By(pathPrefix))),
		validation.Field(&cfg.CriticalEndpoints, validation.Each(validation.By(pathPrefix))),
		validation.Field(&cfg.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
	if err != nil {
		return fmt.Errorf("%w : %w", ErrInvalidConfig, err)
	}

	if cfg.Retry.MaxAttempts < 0 || cfg.Retry.Backoff < 0 || cfg.Retry.MaxDelay < 0 {
		return fmt.Errorf("%w : retry values must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Manifest returns the precache manifest: the manifest file when configured, otherwise the
// configured version and static assets.
func (cfg *Config) Manifest() (manifest.Manifest, error) {
	if p := cfg.ManifestFile(); p != "" {
		return manifest.Load(p)
	}
	m := manifest.Manifest{Version: cfg.Version, Assets: cfg.StaticAssets}
	if err := m.Validate(); err != nil {
		return manifest.Manifest{}, fmt.Errorf("%w : %w", manifest.ErrInvalid, err)
	}
	return m, nil
}

// ManifestFile returns the absolute manifest path, or "" when the static assets come from the config.
func (cfg *Config) ManifestFile() string {
	if cfg.ManifestPath == "" {
		return ""
	}
	if filepath.IsAbs(cfg.ManifestPath) || cfg.ConfigDir == "" {
		return cfg.ManifestPath
	}
	return filepath.Join(cfg.ConfigDir, cfg.ManifestPath)
}

// Policy returns the replay policy.
func (cfg *Config) Policy() replay.Policy {
	return replay.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     cfg.Retry.Backoff,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
}

// Rules returns the routing rules. The static allowlist is limited to the app host.
func (cfg *Config) Rules() strategy.Rules {
	rules := strategy.DefaultRules()
	if origin, err := url.Parse(cfg.AppOrigin); err == nil {
		rules.AppHost = origin.Hostname()
	}
	if len(cfg.StaticAssets) > 0 {
		rules.StaticPaths = cfg.StaticAssets
	}
	if cfg.APIPrefix != "" {
		rules.APIPrefix = cfg.APIPrefix
	}
	rules.DataHosts = cfg.DataHosts
	return rules
}

// EngineConfig returns the strategy engine configuration.
func (cfg *Config) EngineConfig() strategy.Config {
	engine := strategy.DefaultConfig()
	engine.CacheableEndpoints = cfg.CacheableEndpoints
	engine.CriticalEndpoints = cfg.CriticalEndpoints
	engine.AppOrigin = cfg.AppOrigin
	if cfg.OfflineDocument != "" {
		engine.OfflineDocument = cfg.OfflineDocument
	}
	return engine
}

// checkURL is where the connectivity monitor points its checks.
func (cfg *Config) checkURL() string {
	if cfg.CheckURL != "" {
		return cfg.CheckURL
	}
	return cfg.RemoteAPIBase
}

// getSPKIHash computes the SHA-256 hash of the certificate's Subject Public Key Info
// and returns it as a base64-encoded string.
func getSPKIHash(cert *x509.Certificate) string {
	spkiHash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(spkiHash[:])
}

func saveCertAndKey(cert *x509.Certificate, priv any, configDir string) error {
	certPath := path.Join(configDir, certFile)
	keyPath := path.Join(configDir, keyFile)
	certOut, err := os.Create(certPath)
	if err != nil {
		return fmt.Errorf("failed to open cert file for writing: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		return fmt.Errorf("failed to write data to cert file: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open key file for writing: %w", err)
	}
	defer keyOut.Close()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("unable to marshal private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		return fmt.Errorf("failed to write data to key file: %w", err)
	}

	return nil
}

func loadCertAndKey(configDir string) (*x509.Certificate, any, error) {
	certPath := path.Join(configDir, certFile)
	keyPath := path.Join(configDir, keyFile)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cert file: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("failed to decode cert PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, nil, fmt.Errorf("failed to decode key PEM block")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return cert, priv, nil
}
