// Package server exposes the federation endpoints over HTTP and an admin
// health service over gRPC.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fedgate/pkg/avatar"
	"fedgate/pkg/federation"
	"fedgate/pkg/handshake"
	"fedgate/pkg/receiver"
	"fedgate/pkg/types"
)

// DefaultMaxEnvelopeSize bounds inbound request bodies.
const DefaultMaxEnvelopeSize = 512 << 10

// Receiver runs the inbound pipeline.
type Receiver interface {
	Receive(ctx context.Context, local *types.LocalIdentity, sender string, raw []byte) (*receiver.Result, error)
}

// Acceptor runs phase B of the handshake.
type Acceptor interface {
	Accept(ctx context.Context, local *types.LocalIdentity, req handshake.AcceptRequest) handshake.Status
}

// LocalDirectory finds hosted identities.
type LocalDirectory interface {
	GetLocalByNickname(ctx context.Context, nickname string) (*types.LocalIdentity, error)
}

// AvatarLoader serves cached avatars.
type AvatarLoader interface {
	Load(ctx context.Context, key string) (string, []byte, error)
}

// Config holds listener settings.
type Config struct {
	ListenAddr      string
	AdminAddr       string
	MaxEnvelopeSize int64
	RateLimit       float64
	RateBurst       int
	TLS             *tls.Config
	// PublicSink receives envelopes posted to /receive/<its nickname>; nil
	// disables public delivery.
	PublicSink  *types.LocalIdentity
	Gatherer    prometheus.Gatherer
	ReleaseMode bool
}

// Server is the federation HTTP endpoint.
type Server struct {
	cfg      Config
	receiver Receiver
	acceptor Acceptor
	locals   LocalDirectory
	avatars  AvatarLoader
	limiter  *SenderLimiter
	router   *gin.Engine
	health   *health.Server
	logger   *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
	grpcServer *grpc.Server
}

// New creates a server. avatars may be nil.
func New(cfg Config, recv Receiver, acceptor Acceptor, locals LocalDirectory, avatars AvatarLoader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEnvelopeSize <= 0 {
		cfg.MaxEnvelopeSize = DefaultMaxEnvelopeSize
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		receiver: recv,
		acceptor: acceptor,
		locals:   locals,
		avatars:  avatars,
		limiter:  NewSenderLimiter(cfg.RateLimit, cfg.RateBurst, 0),
		health:   health.NewServer(),
		logger:   logger,
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("Panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}))
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.bodyLimitMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		}
		switch {
		case status >= 500:
			s.logger.Error("Request completed", append(fields, zap.String("client_ip", c.ClientIP()))...)
		case status >= 400:
			s.logger.Warn("Request completed", fields...)
		default:
			s.logger.Debug("Request completed", fields...)
		}
	}
}

func (s *Server) bodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxEnvelopeSize)
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	s.router.POST("/receive/:nickname", s.receiveHandler)
	s.router.POST("/dfrn_confirm/:nickname", s.confirmHandler)

	if s.avatars != nil {
		s.router.GET("/avatar/:key", s.avatarHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// local resolves the addressed identity, including the public sink when
// one is configured.
func (s *Server) local(ctx context.Context, nickname string) (*types.LocalIdentity, error) {
	if s.cfg.PublicSink != nil && nickname == s.cfg.PublicSink.Nickname {
		return s.cfg.PublicSink, nil
	}
	return s.locals.GetLocalByNickname(ctx, nickname)
}

func (s *Server) receiveHandler(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "envelope too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable form"})
		return
	}
	sender := strings.TrimSpace(c.Request.PostForm.Get("sender"))
	raw := c.Request.PostForm.Get("xml")
	if sender == "" || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sender and xml are required"})
		return
	}

	handle, err := federation.ParseHandle(sender)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sender handle"})
		return
	}
	if !s.limiter.Allow(handle.Host, time.Now()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	local, err := s.local(c.Request.Context(), c.Param("nickname"))
	if err != nil {
		if errors.Is(err, federation.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown recipient"})
			return
		}
		s.logger.Error("Recipient lookup failed", zap.String("nickname", c.Param("nickname")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	res, err := s.receiver.Receive(c.Request.Context(), local, sender, []byte(raw))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": federation.Reason(err)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"type": res.Type, "handled": res.Handled})
}

func (s *Server) confirmHandler(c *gin.Context) {
	var status handshake.Status
	if err := c.Request.ParseForm(); err != nil {
		status = handshake.Status{Code: handshake.StatusFailure, Message: "Unreadable request."}
	} else if local, err := s.local(c.Request.Context(), c.Param("nickname")); err != nil || local.IsPublicSink() {
		status = handshake.Status{Code: handshake.StatusFailure, Message: "Recipient not found."}
	} else {
		status = s.acceptor.Accept(c.Request.Context(), local, handshake.AcceptFromForm(c.Request.PostForm.Get))
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", status.Render())
}

func (s *Server) avatarHandler(c *gin.Context) {
	contentType, data, err := s.avatars.Load(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, avatar.ErrMiss) {
			c.Status(http.StatusNotFound)
			return
		}
		s.logger.Warn("Avatar load failed", zap.String("key", c.Param("key")), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}

// statusFor maps the rejection taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, federation.ErrMalformedEnvelope):
		return http.StatusBadRequest
	case errors.Is(err, federation.ErrSignatureMismatch), errors.Is(err, federation.ErrUnauthorizedSender):
		return http.StatusForbidden
	case errors.Is(err, federation.ErrUnknownMessageType):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Start serves HTTP and, when configured, the gRPC health service. It blocks
// until the HTTP listener stops.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.TLS != nil {
		listener = tls.NewListener(listener, s.cfg.TLS)
	}

	if s.cfg.AdminAddr != "" {
		if err := s.startAdmin(); err != nil {
			listener.Close()
			return err
		}
	}

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("Federation endpoint starting",
		zap.String("address", s.cfg.ListenAddr),
		zap.Bool("tls", s.cfg.TLS != nil))

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("federation endpoint failed: %w", err)
	}
	return nil
}

func (s *Server) startAdmin() error {
	listener, err := net.Listen("tcp", s.cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on admin address %s: %w", s.cfg.AdminAddr, err)
	}

	var opts []grpc.ServerOption
	if s.cfg.TLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.cfg.TLS)))
	}
	grpcServer := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(grpcServer, s.health)

	s.mu.Lock()
	s.grpcServer = grpcServer
	s.mu.Unlock()

	s.logger.Info("Admin health service starting", zap.String("address", s.cfg.AdminAddr))
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			s.logger.Error("Admin health service failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains both listeners.
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()

	s.mu.Lock()
	httpServer, grpcServer := s.httpServer, s.grpcServer
	s.mu.Unlock()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down federation endpoint: %w", err)
		}
	}
	return nil
}
