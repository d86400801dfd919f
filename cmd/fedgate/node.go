package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"fedgate/pkg/auth"
	"fedgate/pkg/avatar"
	"fedgate/pkg/config"
	"fedgate/pkg/envelope"
	"fedgate/pkg/federation"
	"fedgate/pkg/gate"
	"fedgate/pkg/handshake"
	"fedgate/pkg/identity"
	"fedgate/pkg/notify"
	"fedgate/pkg/receiver"
	"fedgate/pkg/router"
	"fedgate/pkg/store"
	"fedgate/pkg/types"
)

// node holds every component of a running endpoint.
type node struct {
	cfg      *config.Config
	store    store.Store
	locals   []*types.LocalIdentity
	registry *prometheus.Registry
	metrics  *federation.Metrics
	resolver *identity.Resolver
	signers  *identity.Resolver
	verifier *envelope.Verifier
	router   *router.Router
	receiver *receiver.Receiver
	avatars  *avatar.Cache
	backend  avatar.Backend
	notifier *notify.Notifier
	engine   *handshake.Engine
	logger   *zap.Logger
}

// buildNode wires the components described by cfg. generateKeys creates
// missing site keys instead of failing.
func buildNode(ctx context.Context, cfg *config.Config, generateKeys bool, logger *zap.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = federation.NewMetrics(n.registry)

	locals, err := cfg.BuildLocals(generateKeys)
	if err != nil {
		return nil, err
	}
	n.locals = locals

	if err := n.openStore(ctx); err != nil {
		return nil, err
	}

	client, err := outboundClient(cfg)
	if err != nil {
		n.Close()
		return nil, err
	}

	// Handshakes need the DFRN endpoints; envelope authors only need a
	// Diaspora key, so signatures are checked against a separate resolver.
	prober := identity.NewWebFingerProber(client, logger.Named("webfinger")).WithScheme(cfg.Federation.ProbeScheme)
	n.resolver = identity.NewResolver(n.store, prober, identity.Config{
		Protocol:     cfg.Federation.Protocol,
		RefreshAfter: cfg.Federation.IdentityTTL.Std(),
		Metrics:      n.metrics,
	}, logger.Named("resolver"))
	n.signers = identity.NewResolver(n.store, prober, identity.Config{
		Protocol:     types.ProtocolDiaspora,
		RefreshAfter: cfg.Federation.IdentityTTL.Std(),
		Metrics:      n.metrics,
	}, logger.Named("signers"))

	n.verifier = envelope.NewVerifier(n.signers, n.metrics, logger.Named("verifier"))
	n.router = router.NewRouter(router.NewAuditHandler(n.store, logger.Named("audit")), logger.Named("router"))
	n.receiver = receiver.NewReceiver(
		n.verifier,
		n.store,
		gate.NewGate(n.store, n.metrics, logger.Named("gate")),
		n.router,
		n.metrics,
		logger.Named("receiver"),
	)

	if err := n.openAvatars(ctx, client); err != nil {
		n.Close()
		return nil, err
	}

	n.notifier = notify.NewNotifier(notify.NewLogSink(logger.Named("notify")), notify.DefaultQueueSize, logger)

	transport := handshake.NewHTTPTransport(client, cfg.Federation.HandshakeTimeout.Std(), logger.Named("transport"))
	n.engine = handshake.NewEngine(n.store, transport, n.resolver, n.avatars, n.notifier, handshake.Config{
		KeyBits:  cfg.Federation.KeyBits,
		Protocol: cfg.Federation.Protocol,
		Metrics:  n.metrics,
	}, logger.Named("handshake"))

	return n, nil
}

func (n *node) openStore(ctx context.Context) error {
	switch n.cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := store.NewPostgresStore(ctx, n.cfg.Store.DSN, n.logger.Named("store"))
		if err != nil {
			return err
		}
		for _, l := range n.locals {
			if err := pg.UpsertLocal(ctx, l); err != nil {
				pg.Close()
				return fmt.Errorf("failed to register %s: %w", l.Nickname, err)
			}
		}
		n.store = pg
	default:
		mem := store.NewMemoryStore()
		for _, l := range n.locals {
			mem.AddLocal(l)
		}
		n.store = mem
	}
	return nil
}

func (n *node) openAvatars(ctx context.Context, client *http.Client) error {
	if n.cfg.Redis.Addr != "" {
		backend, err := avatar.NewRedisBackend(ctx, avatar.RedisConfig{
			Addr:     n.cfg.Redis.Addr,
			Password: n.cfg.Redis.Password,
			DB:       n.cfg.Redis.DB,
			PoolSize: n.cfg.Redis.PoolSize,
		}, n.logger.Named("avatar"))
		if err != nil {
			return err
		}
		n.backend = backend
	} else {
		n.backend = avatar.NewMemoryBackend()
	}

	n.avatars = avatar.NewCache(n.backend, avatar.Config{
		BaseURL: n.cfg.Federation.BaseURL,
		TTL:     n.cfg.Redis.AvatarTTL.Std(),
		MaxSize: n.cfg.Redis.MaxAvatarSize.Bytes(),
		Client:  &http.Client{Transport: client.Transport, Timeout: avatar.DefaultTimeout},
	}, n.logger.Named("avatar"))
	return nil
}

// local returns the configured identity with the given nickname.
func (n *node) local(nickname string) (*types.LocalIdentity, error) {
	for _, l := range n.locals {
		if l.Nickname == nickname {
			return l, nil
		}
	}
	return nil, fmt.Errorf("no local identity named %q", nickname)
}

// Close releases the store and avatar backend.
func (n *node) Close() {
	if n.backend != nil {
		if err := n.backend.Close(); err != nil {
			n.logger.Warn("Failed to close avatar backend", zap.Error(err))
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}

// outboundClient builds the HTTP client used for WebFinger probes,
// handshake posts and avatar downloads.
func outboundClient(cfg *config.Config) (*http.Client, error) {
	builder, err := auth.NewTLSConfigBuilder(cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := builder.BuildClientConfig()
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}, nil
}
