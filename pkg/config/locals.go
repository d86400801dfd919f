package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fedgate/pkg/auth"
	"fedgate/pkg/types"
)

// GetConfigDir returns the fedgate configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("FEDGATE_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fedgate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fedgate"
	}
	return filepath.Join(home, ".fedgate")
}

// KeyFile returns where the site key of l is stored, defaulting to
// <config dir>/keys/<nickname>.pem.
func (l LocalIdentityConfig) KeyFile() string {
	if l.KeyPath != "" {
		return expandPath(l.KeyPath)
	}
	return filepath.Join(GetConfigDir(), "keys", l.Nickname+".pem")
}

// BuildLocals turns the configured accounts into local identities, loading
// each site key. Missing keys are generated when generate is set.
func (c *Config) BuildLocals(generate bool) ([]*types.LocalIdentity, error) {
	host := c.Host()
	base := strings.TrimRight(c.Federation.BaseURL, "/")

	locals := make([]*types.LocalIdentity, 0, len(c.LocalIdentities))
	for _, l := range c.LocalIdentities {
		privPEM, err := loadOrCreateKey(l.KeyFile(), c.Federation.KeyBits, generate)
		if err != nil {
			return nil, fmt.Errorf("failed to load key for %s: %w", l.Nickname, err)
		}
		priv, err := auth.ParsePrivateKey(privPEM)
		if err != nil {
			return nil, fmt.Errorf("invalid key for %s: %w", l.Nickname, err)
		}
		pubPEM, err := auth.PublicKeyPEM(priv)
		if err != nil {
			return nil, err
		}

		locals = append(locals, &types.LocalIdentity{
			ID:          types.LocalID(l.ID),
			Nickname:    l.Nickname,
			Handle:      l.Nickname + "@" + host,
			ProfileURL:  base + "/profile/" + l.Nickname,
			PageType:    types.ParsePageType(l.PageType),
			PrivateKey:  privPEM,
			PublicKey:   pubPEM,
			NotifyFlags: l.NotifyFlags,
		})
	}
	return locals, nil
}

// PublicSinkIdentity returns the anonymous public-timeline identity, or nil
// when it is disabled.
func (c *Config) PublicSinkIdentity() *types.LocalIdentity {
	if !c.PublicSink.Enabled {
		return nil
	}
	nickname := c.PublicSink.Nickname
	if nickname == "" {
		nickname = "public"
	}
	return &types.LocalIdentity{ID: 0, Nickname: nickname}
}

func loadOrCreateKey(path string, bits int, generate bool) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) || !generate {
		return "", err
	}

	privPEM, _, err := auth.GenerateKeyPair(bits)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(privPEM), 0600); err != nil {
		return "", fmt.Errorf("failed to write key: %w", err)
	}
	return privPEM, nil
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
