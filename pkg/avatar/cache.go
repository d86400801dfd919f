// Package avatar fetches remote profile photos and serves them from a local
// cache so relationship records never point at a third-party host.
package avatar

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fedgate/pkg/types"
)

const (
	DefaultTTL     = 7 * 24 * time.Hour
	DefaultMaxSize = 1 << 20
	DefaultTimeout = 15 * time.Second
)

var (
	// ErrTooLarge is returned when a remote image exceeds the size limit.
	ErrTooLarge = errors.New("avatar exceeds size limit")
	// ErrNotImage is returned when the remote did not serve an image.
	ErrNotImage = errors.New("remote resource is not an image")
)

// Config holds cache settings.
type Config struct {
	// BaseURL prefixes the local URLs handed back to callers.
	BaseURL string
	TTL     time.Duration
	MaxSize int64
	Client  *http.Client
}

// Cache downloads avatars once and keeps them in a Backend.
type Cache struct {
	backend Backend
	client  *http.Client
	baseURL string
	ttl     time.Duration
	maxSize int64
	logger  *zap.Logger
}

// NewCache creates an avatar cache.
func NewCache(backend Backend, cfg Config, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Cache{
		backend: backend,
		client:  cfg.Client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		logger:  logger,
	}
}

// Key derives the cache key for a remote photo URL.
func Key(photoURL string) string {
	sum := sha256.Sum256([]byte(photoURL))
	return hex.EncodeToString(sum[:16])
}

// LocalURL is the URL under which a cached key is served.
func (c *Cache) LocalURL(key string) string {
	return c.baseURL + "/avatar/" + key
}

// Fetch returns the local URL for the relationship's photo, downloading it
// on a cache miss.
func (c *Cache) Fetch(ctx context.Context, rel *types.Relationship) (string, error) {
	if rel.Photo == "" {
		return "", fmt.Errorf("relationship %d has no photo", rel.ID)
	}
	key := Key(rel.Photo)

	if _, err := c.backend.Get(ctx, key); err == nil {
		return c.LocalURL(key), nil
	} else if !errors.Is(err, ErrMiss) {
		c.logger.Warn("Avatar cache read failed", zap.String("key", key), zap.Error(err))
	}

	contentType, data, err := c.download(ctx, rel.Photo)
	if err != nil {
		return "", err
	}
	if err := c.backend.Set(ctx, key, encode(contentType, data), c.ttl); err != nil {
		return "", err
	}

	c.logger.Debug("Cached avatar",
		zap.Int64("relationship", int64(rel.ID)),
		zap.String("photo", rel.Photo),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return c.LocalURL(key), nil
}

// Load returns a cached image for serving.
func (c *Cache) Load(ctx context.Context, key string) (string, []byte, error) {
	blob, err := c.backend.Get(ctx, key)
	if err != nil {
		return "", nil, err
	}
	contentType, data, ok := decode(blob)
	if !ok {
		return "", nil, fmt.Errorf("corrupt avatar entry %s", key)
	}
	return contentType, data, nil
}

func (c *Cache) download(ctx context.Context, photoURL string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("invalid photo url: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("failed to fetch avatar: HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, fmt.Errorf("%w: %q", ErrNotImage, contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read avatar: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return "", nil, ErrTooLarge
	}
	return contentType, data, nil
}

// Entries are stored as "<content-type>\n<bytes>".
func encode(contentType string, data []byte) []byte {
	out := make([]byte, 0, len(contentType)+1+len(data))
	out = append(out, contentType...)
	out = append(out, '\n')
	return append(out, data...)
}

func decode(blob []byte) (string, []byte, bool) {
	i := bytes.IndexByte(blob, '\n')
	if i < 0 {
		return "", nil, false
	}
	return string(blob[:i]), blob[i+1:], true
}
