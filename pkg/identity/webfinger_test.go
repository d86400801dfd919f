package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fedgate/pkg/types"
)

func webfingerServer(t *testing.T, links []jrdLink) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/webfinger" {
			http.NotFound(w, r)
			return
		}
		resource := r.URL.Query().Get("resource")
		if !strings.HasPrefix(resource, "acct:bob@") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/jrd+json")
		_ = json.NewEncoder(w).Encode(jrd{
			Subject:    resource,
			Properties: map[string]string{propertyName: "Bob Example"},
			Links:      links,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebFingerProber_DFRN(t *testing.T) {
	pem := "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"
	srv := webfingerServer(t, []jrdLink{
		{Rel: RelProfilePage, Type: "text/html", Href: "https://remote.example/profile/bob"},
		{Rel: RelAvatar, Href: "https://remote.example/photo/bob.jpg"},
		{Rel: RelDFRN, Href: "https://remote.example/dfrn_poll/bob"},
		{Rel: RelDFRNNotify, Href: "https://remote.example/dfrn_notify/bob"},
		{Rel: RelDFRNConfirm, Href: "https://remote.example/dfrn_confirm/bob"},
		{Rel: RelPublicKey, Href: base64.StdEncoding.EncodeToString([]byte(pem))},
	})
	host := strings.TrimPrefix(srv.URL, "http://")

	p := NewWebFingerProber(srv.Client(), zaptest.NewLogger(t)).WithScheme("http")
	id, err := p.Probe(context.Background(), "bob@"+host, types.ProtocolDFRN)
	require.NoError(t, err)

	assert.Equal(t, types.ProtocolDFRN, id.Protocol)
	assert.Equal(t, "bob@"+host, id.Handle)
	assert.Equal(t, "Bob Example", id.Name)
	assert.Equal(t, "https://remote.example/profile/bob", id.ProfileURL)
	assert.Equal(t, "https://remote.example/photo/bob.jpg", id.AvatarURL)
	assert.Equal(t, "https://remote.example/dfrn_poll/bob", id.PollURL)
	assert.Equal(t, "https://remote.example/dfrn_notify/bob", id.NotifyURL)
	assert.Equal(t, "https://remote.example/dfrn_confirm/bob", id.ConfirmURL)
	assert.Equal(t, pem, id.PublicKey)
}

func TestWebFingerProber_Diaspora(t *testing.T) {
	srv := webfingerServer(t, []jrdLink{
		{Rel: RelSeedLocation, Href: "https://pod.example/"},
		{Rel: RelDiasporaGUID, Href: "abc123"},
	})
	host := strings.TrimPrefix(srv.URL, "http://")

	p := NewWebFingerProber(srv.Client(), zaptest.NewLogger(t)).WithScheme("http")
	id, err := p.Probe(context.Background(), "bob@"+host, types.ProtocolDFRN)
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolDiaspora, id.Protocol)
	assert.Equal(t, "abc123", id.GUID)
}

func TestWebFingerProber_Errors(t *testing.T) {
	srv := webfingerServer(t, nil)
	host := strings.TrimPrefix(srv.URL, "http://")
	p := NewWebFingerProber(srv.Client(), zaptest.NewLogger(t)).WithScheme("http")

	_, err := p.Probe(context.Background(), "alice@"+host, types.ProtocolDFRN)
	assert.Error(t, err, "404 is a probe failure")

	_, err = p.Probe(context.Background(), "nohost", types.ProtocolDFRN)
	assert.Error(t, err)
}

func TestWebFingerProber_RequestedProtocol(t *testing.T) {
	pem := "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"
	key := base64.StdEncoding.EncodeToString([]byte(pem))
	both := []jrdLink{
		{Rel: RelDFRN, Href: "https://remote.example/dfrn_poll/bob"},
		{Rel: RelDFRNConfirm, Href: "https://remote.example/dfrn_confirm/bob"},
		{Rel: RelSeedLocation, Href: "https://remote.example/"},
		{Rel: RelPublicKey, Href: key},
	}

	tests := []struct {
		name  string
		links []jrdLink
		want  string
		proto string
	}{
		{"dual stack asked for dfrn", both, types.ProtocolDFRN, types.ProtocolDFRN},
		{"dual stack asked for diaspora", both, types.ProtocolDiaspora, types.ProtocolDiaspora},
		{"diaspora only asked for diaspora", both[2:], types.ProtocolDiaspora, types.ProtocolDiaspora},
		{"diaspora without key", both[2:3], types.ProtocolDiaspora, types.ProtocolDiaspora},
		{"dfrn only asked for diaspora", both[:2], types.ProtocolDiaspora, types.ProtocolDFRN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := webfingerServer(t, tt.links)
			host := strings.TrimPrefix(srv.URL, "http://")
			p := NewWebFingerProber(srv.Client(), zaptest.NewLogger(t)).WithScheme("http")

			id, err := p.Probe(context.Background(), "bob@"+host, tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.proto, id.Protocol)
		})
	}
}
