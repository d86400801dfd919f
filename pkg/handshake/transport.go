package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"fedgate/pkg/federation"
)

// DefaultTimeout covers the slow RSA work on the receiving node.
const DefaultTimeout = 120 * time.Second

const maxStatusSize = 64 << 10

// ErrTimeout marks a transport failure caused by the request deadline.
var ErrTimeout = errors.New("confirmation request timed out")

// Transport delivers phase A parameters to the remote confirm endpoint.
type Transport interface {
	Post(ctx context.Context, endpoint string, form url.Values) (Status, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, endpoint string, form url.Values) (Status, error)

func (f TransportFunc) Post(ctx context.Context, endpoint string, form url.Values) (Status, error) {
	return f(ctx, endpoint, form)
}

// HTTPTransport posts form-encoded parameters over HTTP.
type HTTPTransport struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPTransport creates a transport. A zero timeout selects DefaultTimeout.
func NewHTTPTransport(client *http.Client, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	c := *client
	c.Timeout = timeout
	return &HTTPTransport{client: &c, logger: logger}
}

func (t *HTTPTransport) Post(ctx context.Context, endpoint string, form url.Values) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", federation.ErrHandshakeTransport, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Status{}, fmt.Errorf("%w: %w", federation.ErrHandshakeTransport, ErrTimeout)
		}
		return Status{}, fmt.Errorf("%w: %v", federation.ErrHandshakeTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusSize))
	if err != nil {
		if isTimeout(err) {
			return Status{}, fmt.Errorf("%w: %w", federation.ErrHandshakeTransport, ErrTimeout)
		}
		return Status{}, fmt.Errorf("%w: failed to read response: %v", federation.ErrHandshakeTransport, err)
	}

	t.logger.Debug("Confirm endpoint responded",
		zap.String("endpoint", endpoint),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	status, err := ParseStatus(body)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", federation.ErrHandshakeTransport, err)
	}
	return status, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
