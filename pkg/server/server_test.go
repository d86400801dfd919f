package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fedgate/pkg/avatar"
	"fedgate/pkg/federation"
	"fedgate/pkg/handshake"
	"fedgate/pkg/receiver"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubReceiver struct {
	err   error
	local *types.LocalIdentity
	raw   string
}

func (r *stubReceiver) Receive(_ context.Context, local *types.LocalIdentity, _ string, raw []byte) (*receiver.Result, error) {
	r.local = local
	r.raw = string(raw)
	if r.err != nil {
		return nil, r.err
	}
	return &receiver.Result{Type: "status_message", Handled: true}, nil
}

type stubAcceptor struct {
	req handshake.AcceptRequest
}

func (a *stubAcceptor) Accept(_ context.Context, _ *types.LocalIdentity, req handshake.AcceptRequest) handshake.Status {
	a.req = req
	return handshake.Status{Code: handshake.StatusOK}
}

func newTestServer(t *testing.T, cfg Config, recv *stubReceiver, acc *stubAcceptor, avatars AvatarLoader) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	st.AddLocal(&types.LocalIdentity{ID: 1, Nickname: "alice"})
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	return New(cfg, recv, acc, st, avatars, zaptest.NewLogger(t))
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestReceiveHandler(t *testing.T) {
	envelope := url.Values{"sender": {"bob@b.example"}, "xml": {"<status_message/>"}}

	tests := []struct {
		name     string
		path     string
		form     url.Values
		err      error
		wantCode int
	}{
		{"accepted", "/receive/alice", envelope, nil, http.StatusAccepted},
		{"malformed", "/receive/alice", envelope, federation.Reject(federation.ErrMalformedEnvelope, "bad"), http.StatusBadRequest},
		{"bad signature", "/receive/alice", envelope, federation.Reject(federation.ErrSignatureMismatch, "bad"), http.StatusForbidden},
		{"not permitted", "/receive/alice", envelope, federation.Reject(federation.ErrUnauthorizedSender, "no"), http.StatusForbidden},
		{"unknown type", "/receive/alice", envelope, federation.Reject(federation.ErrUnknownMessageType, "poke"), http.StatusUnprocessableEntity},
		{"internal", "/receive/alice", envelope, fmt.Errorf("db down"), http.StatusInternalServerError},
		{"unknown recipient", "/receive/nobody", envelope, nil, http.StatusNotFound},
		{"missing xml", "/receive/alice", url.Values{"sender": {"bob@b.example"}}, nil, http.StatusBadRequest},
		{"bad sender", "/receive/alice", url.Values{"sender": {"bob"}, "xml": {"<x/>"}}, nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recv := &stubReceiver{err: tt.err}
			s := newTestServer(t, Config{}, recv, &stubAcceptor{}, nil)

			w := postForm(t, s.Handler(), tt.path, tt.form)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.wantCode == http.StatusAccepted {
				assert.Equal(t, "status_message", body["type"])
				assert.Equal(t, "<status_message/>", recv.raw)
			} else {
				assert.NotEmpty(t, body["error"])
			}
		})
	}
}

func TestReceiveHandler_PublicSink(t *testing.T) {
	recv := &stubReceiver{}
	s := newTestServer(t, Config{PublicSink: &types.LocalIdentity{ID: 0, Nickname: "public"}}, recv, &stubAcceptor{}, nil)

	w := postForm(t, s.Handler(), "/receive/public", url.Values{"sender": {"bob@b.example"}, "xml": {"<x/>"}})
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, recv.local)
	assert.True(t, recv.local.IsPublicSink())

	disabled := newTestServer(t, Config{}, &stubReceiver{}, &stubAcceptor{}, nil)
	w = postForm(t, disabled.Handler(), "/receive/public", url.Values{"sender": {"bob@b.example"}, "xml": {"<x/>"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveHandler_BodyLimit(t *testing.T) {
	s := newTestServer(t, Config{MaxEnvelopeSize: 64}, &stubReceiver{}, &stubAcceptor{}, nil)

	w := postForm(t, s.Handler(), "/receive/alice", url.Values{
		"sender": {"bob@b.example"},
		"xml":    {strings.Repeat("a", 256)},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestReceiveHandler_RateLimit(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 1}, &stubReceiver{}, &stubAcceptor{}, nil)
	form := url.Values{"sender": {"bob@b.example"}, "xml": {"<x/>"}}

	assert.Equal(t, http.StatusAccepted, postForm(t, s.Handler(), "/receive/alice", form).Code)
	assert.Equal(t, http.StatusTooManyRequests, postForm(t, s.Handler(), "/receive/alice", form).Code)

	other := url.Values{"sender": {"carol@c.example"}, "xml": {"<x/>"}}
	assert.Equal(t, http.StatusAccepted, postForm(t, s.Handler(), "/receive/alice", other).Code)
}

func TestConfirmHandler(t *testing.T) {
	acc := &stubAcceptor{}
	s := newTestServer(t, Config{}, &stubReceiver{}, acc, nil)

	w := postForm(t, s.Handler(), "/dfrn_confirm/alice", url.Values{
		"dfrn_id": {"abcd"}, "source_url": {"ef01"}, "public_key": {"pem"}, "duplex": {"1"}, "page": {"2"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/xml")
	st, err := handshake.ParseStatus(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, handshake.StatusOK, st.Code)
	assert.Equal(t, handshake.AcceptRequest{DFRNID: "abcd", SourceURL: "ef01", PublicKey: "pem", Duplex: true, Page: "2"}, acc.req)

	for _, path := range []string{"/dfrn_confirm/nobody", "/dfrn_confirm/public"} {
		w = postForm(t, s.Handler(), path, url.Values{})
		assert.Equal(t, http.StatusOK, w.Code)
		st, err = handshake.ParseStatus(w.Body.Bytes())
		require.NoError(t, err)
		assert.Equal(t, handshake.StatusFailure, st.Code, path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := federation.NewMetrics(registry)
	metrics.EnvelopesReceived.WithLabelValues("comment").Inc()
	s := newTestServer(t, Config{Gatherer: registry}, &stubReceiver{}, &stubAcceptor{}, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "comment")
}

func TestAvatarHandler(t *testing.T) {
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer img.Close()

	cache := avatar.NewCache(avatar.NewMemoryBackend(), avatar.Config{}, zaptest.NewLogger(t))
	photo := img.URL + "/bob.jpg"
	_, err := cache.Fetch(context.Background(), &types.Relationship{Photo: photo})
	require.NoError(t, err)

	s := newTestServer(t, Config{}, &stubReceiver{}, &stubAcceptor{}, cache)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/avatar/"+avatar.Key(photo), nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "jpeg", w.Body.String())

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/avatar/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSenderLimiter(t *testing.T) {
	assert.Nil(t, NewSenderLimiter(0, 1, 0))
	var disabled *SenderLimiter
	assert.True(t, disabled.Allow("b.example", time.Now()))

	l := NewSenderLimiter(1, 2, time.Minute)
	now := time.Unix(1000, 0)
	assert.True(t, l.Allow("B.example", now))
	assert.True(t, l.Allow("b.example", now))
	assert.False(t, l.Allow("b.example", now), "burst exhausted")
	assert.True(t, l.Allow("b.example", now.Add(time.Second)), "refilled")
	assert.True(t, l.Allow(" ", now), "empty key is not limited")

	// Idle hosts are evicted on the 512th call.
	later := now.Add(time.Hour)
	for i := 0; i < 508; i++ {
		l.Allow(fmt.Sprintf("h%d.example", i%4), later)
	}
	assert.Equal(t, 4, l.Len())
}
