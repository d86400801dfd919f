package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fedgate/pkg/auth"
	"fedgate/pkg/types"
	"fedgate/pkg/utils"
)

type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StorePostgres StoreDriver = "postgres"
)

type Config struct {
	Server          ServerConfig          `json:"server" yaml:"server"`
	Store           StoreConfig           `json:"store" yaml:"store"`
	Redis           RedisConfig           `json:"redis" yaml:"redis"`
	Federation      FederationConfig      `json:"federation" yaml:"federation"`
	LocalIdentities []LocalIdentityConfig `json:"local_identities" yaml:"local_identities"`
	PublicSink      PublicSinkConfig      `json:"public_sink" yaml:"public_sink"`
}

type ServerConfig struct {
	ListenAddr      string          `json:"listen_addr" yaml:"listen_addr"`
	AdminAddr       string          `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`
	MaxEnvelopeSize utils.DataSize  `json:"max_envelope_size" yaml:"max_envelope_size"`
	RateLimit       float64         `json:"rate_limit" yaml:"rate_limit"`
	RateBurst       int             `json:"rate_burst" yaml:"rate_burst"`
	TLS             *auth.TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

type StoreConfig struct {
	Driver StoreDriver `json:"driver" yaml:"driver"`
	DSN    string      `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// RedisConfig configures the avatar cache. An empty Addr keeps avatars in
// process memory.
type RedisConfig struct {
	Addr          string         `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password      string         `json:"password,omitempty" yaml:"password,omitempty"`
	DB            int            `json:"db" yaml:"db"`
	PoolSize      int            `json:"pool_size,omitempty" yaml:"pool_size,omitempty"`
	AvatarTTL     Duration       `json:"avatar_ttl" yaml:"avatar_ttl"`
	MaxAvatarSize utils.DataSize `json:"max_avatar_size" yaml:"max_avatar_size"`
}

type FederationConfig struct {
	Protocol         string   `json:"protocol" yaml:"protocol"`
	BaseURL          string   `json:"base_url" yaml:"base_url"`
	IdentityTTL      Duration `json:"identity_ttl" yaml:"identity_ttl"`
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	KeyBits          int      `json:"key_bits" yaml:"key_bits"`
	// ProbeScheme is "https" in production; tests and local pods may use "http".
	ProbeScheme string `json:"probe_scheme,omitempty" yaml:"probe_scheme,omitempty"`
}

type LocalIdentityConfig struct {
	ID          int64  `json:"id" yaml:"id"`
	Nickname    string `json:"nickname" yaml:"nickname"`
	PageType    string `json:"page_type,omitempty" yaml:"page_type,omitempty"`
	KeyPath     string `json:"key_path" yaml:"key_path"`
	NotifyFlags int    `json:"notify_flags" yaml:"notify_flags"`
}

type PublicSinkConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Nickname string `json:"nickname,omitempty" yaml:"nickname,omitempty"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MaxEnvelopeSize: 512 * 1024,
			RateLimit:       5,
			RateBurst:       20,
		},
		Store: StoreConfig{Driver: StoreMemory},
		Redis: RedisConfig{
			AvatarTTL:     Duration(7 * 24 * time.Hour),
			MaxAvatarSize: 1 << 20,
		},
		Federation: FederationConfig{
			Protocol:         types.ProtocolDFRN,
			BaseURL:          "http://localhost:8080",
			IdentityTTL:      Duration(14 * 24 * time.Hour),
			HandshakeTimeout: Duration(120 * time.Second),
			KeyBits:          auth.DefaultKeyBits,
			ProbeScheme:      "https",
		},
		PublicSink: PublicSinkConfig{Enabled: true, Nickname: "public"},
	}
}

// LoadConfig reads a JSON or YAML file, chosen by extension, on top of the
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv builds a configuration from defaults and FEDGATE_* variables.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FEDGATE_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Server.ListenAddr = getEnv("FEDGATE_LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.AdminAddr = getEnv("FEDGATE_ADMIN_ADDR", c.Server.AdminAddr)
	c.Store.Driver = StoreDriver(getEnv("FEDGATE_STORE_DRIVER", string(c.Store.Driver)))
	c.Store.DSN = getEnv("FEDGATE_DATABASE_URL", c.Store.DSN)
	c.Redis.Addr = getEnv("FEDGATE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("FEDGATE_REDIS_PASSWORD", c.Redis.Password)
	c.Federation.BaseURL = getEnv("FEDGATE_BASE_URL", c.Federation.BaseURL)
	c.Federation.Protocol = getEnv("FEDGATE_PROTOCOL", c.Federation.Protocol)

	if v := os.Getenv("FEDGATE_MAX_ENVELOPE_SIZE"); v != "" {
		size, err := utils.ParseDataSize(v)
		if err != nil {
			return fmt.Errorf("invalid FEDGATE_MAX_ENVELOPE_SIZE: %w", err)
		}
		c.Server.MaxEnvelopeSize = utils.DataSize(size)
	}
	if v := os.Getenv("FEDGATE_KEY_BITS"); v != "" {
		bits, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FEDGATE_KEY_BITS: %w", err)
		}
		c.Federation.KeyBits = bits
	}
	if v := os.Getenv("FEDGATE_HANDSHAKE_TIMEOUT"); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FEDGATE_HANDSHAKE_TIMEOUT: %w", err)
		}
		c.Federation.HandshakeTimeout = Duration(d)
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Federation.Protocol {
	case types.ProtocolDFRN, types.ProtocolDiaspora, types.ProtocolOStatus:
	default:
		return fmt.Errorf("unknown federation protocol %q", c.Federation.Protocol)
	}
	u, err := url.Parse(c.Federation.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("federation.base_url must be an absolute URL")
	}
	if c.Federation.KeyBits < 1024 {
		return fmt.Errorf("federation.key_bits must be at least 1024")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid tls config: %w", err)
	}

	seen := make(map[string]bool)
	ids := make(map[int64]bool)
	sink := c.PublicSinkIdentity()
	for _, l := range c.LocalIdentities {
		if l.Nickname == "" {
			return fmt.Errorf("local identity %d has no nickname", l.ID)
		}
		if l.ID <= 0 {
			return fmt.Errorf("local identity %s needs a positive id", l.Nickname)
		}
		if seen[l.Nickname] || ids[l.ID] {
			return fmt.Errorf("duplicate local identity %s (%d)", l.Nickname, l.ID)
		}
		if sink != nil && l.Nickname == sink.Nickname {
			return fmt.Errorf("nickname %s is reserved for the public sink", l.Nickname)
		}
		seen[l.Nickname] = true
		ids[l.ID] = true
	}
	return nil
}

// Host is the host part of the base URL, used to build local handles.
func (c *Config) Host() string {
	u, err := url.Parse(c.Federation.BaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
