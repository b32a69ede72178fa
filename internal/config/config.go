package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/panflux/sdk-go/internal/broadcast"
	"github.com/panflux/sdk-go/internal/storage"
	"github.com/panflux/sdk-go/panflux"
)

// DefaultCallbackAddr is where the loopback login listens. The redirect
// URI http://127.0.0.1:8765/callback must be registered for the client.
const DefaultCallbackAddr = "127.0.0.1:8765"

// Config holds the settings shared by the panflux binaries. Values come
// from an optional YAML file, then environment variables, with the
// environment winning.
type Config struct {
	// OAuth2 client. ClientSecret selects the client_credentials flow;
	// without it the binaries log in through the browser with PKCE.
	ClientID     string `env:"PANFLUX_CLIENT_ID" yaml:"client_id"`
	ClientSecret string `env:"PANFLUX_CLIENT_SECRET" yaml:"client_secret"`
	AuthURL      string `env:"PANFLUX_AUTH_URL" yaml:"auth_url"`
	TokenURL     string `env:"PANFLUX_TOKEN_URL" yaml:"token_url"`
	// Space-separated scopes.
	Scope string `env:"PANFLUX_SCOPE" yaml:"scope"`

	// Local callback listener for browser logins.
	CallbackAddr string `env:"PANFLUX_CALLBACK_ADDR" yaml:"callback_addr"`

	// Durable login state. Defaults to ~/.panflux/state.db.
	StatePath string `env:"PANFLUX_STATE_DB" yaml:"state_db"`

	// Spool directory shared by processes taking part in one login.
	// Defaults to ~/.panflux/broadcast/<client id>.
	BroadcastDir string `env:"PANFLUX_BROADCAST_DIR" yaml:"broadcast_dir"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" yaml:"environment"`
	LogLevel    string `env:"LOG_LEVEL" yaml:"log_level"`

	// ConfigFile is the YAML file the other values were read from.
	ConfigFile string `env:"PANFLUX_CONFIG_FILE" yaml:"-"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It may hold the client secret.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from a .env file if present, the YAML file
// named by PANFLUX_CONFIG_FILE if set, and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}

	if path := os.Getenv("PANFLUX_CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyDefaults() error {
	if c.Environment == "" {
		c.Environment = "development"
	}

	if c.CallbackAddr == "" {
		c.CallbackAddr = DefaultCallbackAddr
	}

	if c.StatePath == "" {
		path, err := storage.DefaultPath()
		if err != nil {
			return err
		}

		c.StatePath = path
	}

	if c.BroadcastDir == "" && c.ClientID != "" {
		dir, err := broadcast.DefaultDir(url.PathEscape(c.ClientID))
		if err != nil {
			return err
		}

		c.BroadcastDir = dir
	}

	return nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("PANFLUX_CLIENT_ID is required")
	}

	for name, raw := range map[string]string{
		"PANFLUX_AUTH_URL":  c.AuthURL,
		"PANFLUX_TOKEN_URL": c.TokenURL,
	} {
		if raw == "" {
			continue
		}

		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}

	// Browser logins need a loopback redirect the authorization server
	// can reach from the user's browser.
	if !c.Confidential() {
		host, _, err := net.SplitHostPort(c.CallbackAddr)
		if err != nil {
			return fmt.Errorf("PANFLUX_CALLBACK_ADDR must be host:port: %w", err)
		}

		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("PANFLUX_CALLBACK_ADDR must be a loopback address, got %q", host)
		}
	}

	return nil
}

// Confidential reports whether a client secret is configured.
func (c *Config) Confidential() bool {
	return c.ClientSecret != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SDK converts the settings into a panflux.Config. Unset endpoints and
// scope take the SDK defaults.
func (c *Config) SDK() panflux.Config {
	return panflux.Config{
		AuthURL:      c.AuthURL,
		TokenURL:     c.TokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scope:        panflux.ParseScope(c.Scope),
	}
}
