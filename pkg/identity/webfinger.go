package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"fedgate/pkg/federation"
	"fedgate/pkg/types"
)

// Link relations advertised in WebFinger documents.
const (
	RelProfilePage  = "http://webfinger.net/rel/profile-page"
	RelAvatar       = "http://webfinger.net/rel/avatar"
	RelDFRN         = "http://purl.org/macgirvin/dfrn/1.0"
	RelDFRNNotify   = "http://purl.org/macgirvin/dfrn/1.0/dfrn-notify"
	RelDFRNConfirm  = "http://purl.org/macgirvin/dfrn/1.0/dfrn-confirm"
	RelDFRNPoll     = "http://purl.org/macgirvin/dfrn/1.0/dfrn-poll"
	RelSeedLocation = "http://joindiaspora.com/seed_location"
	RelDiasporaGUID = "http://joindiaspora.com/guid"
	RelPublicKey    = "diaspora-public-key"
	RelUpdatesFrom  = "http://schemas.google.com/g/2010#updates-from"

	propertyName = "http://schema.org/name"

	maxWebFingerSize = 1 << 20
)

type jrd struct {
	Subject    string            `json:"subject"`
	Aliases    []string          `json:"aliases"`
	Properties map[string]string `json:"properties"`
	Links      []jrdLink         `json:"links"`
}

type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// WebFingerProber probes handles over RFC 7033 WebFinger.
type WebFingerProber struct {
	client *http.Client
	scheme string
	logger *zap.Logger
}

// NewWebFingerProber creates a prober. A nil client gets a 10 s timeout.
func NewWebFingerProber(client *http.Client, logger *zap.Logger) *WebFingerProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebFingerProber{client: client, scheme: "https", logger: logger}
}

// WithScheme overrides the URL scheme used to reach remote hosts.
func (p *WebFingerProber) WithScheme(scheme string) *WebFingerProber {
	p.scheme = scheme
	return p
}

// Probe fetches and decodes the WebFinger document for handle. The identity
// is tagged with protocol when the document supports it.
func (p *WebFingerProber) Probe(ctx context.Context, handle, protocol string) (*types.Identity, error) {
	h, err := federation.ParseHandle(handle)
	if err != nil {
		return nil, err
	}

	endpoint := url.URL{
		Scheme:   p.scheme,
		Host:     h.Host,
		Path:     "/.well-known/webfinger",
		RawQuery: url.Values{"resource": {"acct:" + h.String()}}.Encode(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build webfinger request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch webfinger: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger returned status %d", resp.StatusCode)
	}

	var doc jrd
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWebFingerSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode webfinger: %w", err)
	}

	id := identityFromJRD(h, &doc, protocol)
	p.logger.Debug("WebFinger probe complete",
		zap.String("handle", h.String()),
		zap.String("protocol", id.Protocol))
	return id, nil
}

// identityFromJRD maps a JRD document onto an identity. A Friendica node
// advertises both rel sets, so want picks between them; Diaspora needs a
// seed location and a public key to be usable for signatures.
func identityFromJRD(h *federation.Handle, doc *jrd, want string) *types.Identity {
	id := &types.Identity{Handle: h.String()}
	if subject := strings.TrimPrefix(doc.Subject, "acct:"); subject != "" {
		id.Handle = subject
	}
	id.Name = doc.Properties[propertyName]

	var dfrn, diaspora bool
	for _, link := range doc.Links {
		switch link.Rel {
		case RelProfilePage:
			if id.ProfileURL == "" || link.Type == "text/html" {
				id.ProfileURL = link.Href
			}
		case RelAvatar:
			id.AvatarURL = link.Href
		case RelDFRN, RelDFRNPoll:
			dfrn = true
			if id.PollURL == "" {
				id.PollURL = link.Href
			}
		case RelDFRNNotify:
			dfrn = true
			id.NotifyURL = link.Href
		case RelDFRNConfirm:
			dfrn = true
			id.ConfirmURL = link.Href
		case RelUpdatesFrom:
			if id.PollURL == "" {
				id.PollURL = link.Href
			}
		case RelSeedLocation:
			diaspora = true
		case RelDiasporaGUID:
			id.GUID = link.Href
		case RelPublicKey:
			if key, err := base64.StdEncoding.DecodeString(link.Href); err == nil {
				id.PublicKey = string(key)
			} else {
				id.PublicKey = link.Href
			}
		}
	}

	switch {
	case want == types.ProtocolDiaspora && diaspora && id.PublicKey != "":
		id.Protocol = types.ProtocolDiaspora
	case dfrn:
		id.Protocol = types.ProtocolDFRN
	case diaspora:
		id.Protocol = types.ProtocolDiaspora
	default:
		id.Protocol = types.ProtocolOStatus
	}
	if id.Name == "" {
		id.Name = h.User
	}
	return id
}
