package federation

import (
	"fmt"
	"net/url"
	"strings"
)

// Handle is a federation address in user@host form.
// Examples:
//   - alice@pod.example.org
//   - bob@friendica.example.net:8080
type Handle struct {
	User string
	Host string
}

// ParseHandle parses a handle string, tolerating an "acct:" prefix.
func ParseHandle(s string) (*Handle, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "acct:"))
	if s == "" {
		return nil, fmt.Errorf("handle cannot be empty")
	}

	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid handle format: must contain exactly one @ symbol")
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("user part cannot be empty")
	}
	if parts[1] == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if strings.ContainsAny(parts[1], "/ ") {
		return nil, fmt.Errorf("invalid host %q", parts[1])
	}

	return &Handle{User: parts[0], Host: strings.ToLower(parts[1])}, nil
}

// String returns the canonical user@host form.
func (h *Handle) String() string {
	if h == nil {
		return ""
	}
	return fmt.Sprintf("%s@%s", h.User, h.Host)
}

// IsLocal returns true if the handle belongs to the given host.
func (h *Handle) IsLocal(myHost string) bool {
	if h == nil {
		return false
	}
	return strings.EqualFold(h.Host, myHost)
}

// Equal compares two handles; the host is case-insensitive.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil && other == nil {
		return true
	}
	if h == nil || other == nil {
		return false
	}
	return h.User == other.User && strings.EqualFold(h.Host, other.Host)
}

// SameHandle compares two handle strings without allocating errors to the caller.
func SameHandle(a, b string) bool {
	ha, err := ParseHandle(a)
	if err != nil {
		return false
	}
	hb, err := ParseHandle(b)
	if err != nil {
		return false
	}
	return ha.Equal(hb)
}

// SwapScheme returns the URL with http and https exchanged. Many sites move
// between schemes over their lifetime, so URL lookups retry with the swap.
func SwapScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "https"
	case "https":
		u.Scheme = "http"
	default:
		return raw
	}
	return u.String()
}
