package frontend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/exchange/internal/auth"
	"github.com/danmuck/exchange/internal/entropy"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/relay"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
	"github.com/danmuck/exchange/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidConfig = errors.New("frontend: invalid config")

// RelayConfig configures outbound relay.
type RelayConfig struct {
	Workers   int
	QueueSize int
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
	// Routes maps a destination domain to a relay address when the channel
	// carries no hint.
	Routes map[string]string
}

// ServiceConfig configures one front-end node.
type ServiceConfig struct {
	NodeID         string
	Segment        string
	Kinds          []routing.APIKind
	Capacity       int
	BackendURL     string
	PublicIdentity string

	HTTPListenAddr  string
	TLS             TLSConfig
	AdminListenAddr string
	// AdminAdvertiseAddr is what the controller dials; defaults to
	// AdminListenAddr.
	AdminAdvertiseAddr string
	AdminToken         string

	ControllerAddr      string
	ControllerAdminAddr string
	ControllerToken     string
	RPCTimeout          time.Duration
	RPCPoolSize         int

	IdleThreshold time.Duration
	SweepInterval time.Duration

	DevIdentityHeader bool
	CORSOrigins       []string

	Submission submission.Config
	Relay      RelayConfig
	Session    session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:          "node.local",
		Segment:         "default",
		Kinds:           routing.Kinds(),
		Capacity:        10000,
		BackendURL:      "http://127.0.0.1:9500",
		HTTPListenAddr:  ":9500",
		AdminListenAddr: "127.0.0.1:9501",
		RPCTimeout:      5 * time.Second,
		RPCPoolSize:     8,
		IdleThreshold:   DefaultIdleThreshold,
		SweepInterval:   DefaultSweepInterval,
		Submission:      submission.DefaultConfig(),
		Relay: RelayConfig{
			Workers:   relay.DefaultWorkers,
			QueueSize: relay.DefaultQueueSize,
			CacheSize: relay.DefaultCacheSize,
			CacheTTL:  relay.DefaultCacheTTL,
			Timeout:   10 * time.Second,
		},
		Session: session.DefaultConfig(),
	}
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("%w: node id required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Segment) == "" {
		return fmt.Errorf("%w: segment required", ErrInvalidConfig)
	}
	if len(c.Kinds) == 0 {
		return fmt.Errorf("%w: at least one api kind required", ErrInvalidConfig)
	}
	for _, k := range c.Kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown api kind %q", ErrInvalidConfig, k)
		}
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.HTTPListenAddr) == "" {
		return fmt.Errorf("%w: http listen addr required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ControllerAddr) != "" && strings.TrimSpace(c.AdminListenAddr) == "" {
		return fmt.Errorf("%w: admin listen addr required with a controller", ErrInvalidConfig)
	}
	if err := c.TLS.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ControllerAddr) != "" {
		if err := c.Session.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Service is one front-end node.
type Service struct {
	cfg        ServiceConfig
	store      store.Store
	registries *registry.Registries
	engine     *submission.Engine
	queue      *relay.Queue
	receiver   *relay.Receiver
	allocator  *Allocator
	handles    routing.HandleFactory
	tracker    *tracker
	link       *controllerLink
	sweeper    *Sweeper
	admin      *session.AdminServer
	validator  auth.Validator
	router     *gin.Engine
	started    time.Time
}

// NewService wires a node over st. ids supplies session-scoped entropy.
func NewService(cfg ServiceConfig, st store.Store, ids entropy.Source) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = entropy.NewCrypto(entropy.DefaultSize)
	}
	if strings.TrimSpace(cfg.AdminAdvertiseAddr) == "" {
		cfg.AdminAdvertiseAddr = cfg.AdminListenAddr
	}

	s := &Service{
		cfg:        cfg,
		store:      st,
		registries: registry.NewRegistries(st, cfg.Kinds...),
		handles:    routing.NewHandleFactory(cfg.Segment),
		receiver:   relay.NewReceiver(st),
		started:    time.Now(),
	}

	resolver := relay.NewCachingResolver(relay.NewStoreResolver(st, cfg.Relay.Routes), cfg.Relay.CacheSize, cfg.Relay.CacheTTL)
	dispatcher := relay.NewDispatcher(st, resolver, relay.NewHTTPTransport(cfg.Relay.Timeout))
	s.queue = relay.NewQueue(dispatcher, cfg.Relay.Workers, cfg.Relay.QueueSize)
	s.engine = submission.New(st, ids, s.queue, cfg.Submission)

	pool := newRPCPool(cfg.RPCPoolSize, cfg.RPCTimeout)
	s.allocator = NewAllocator(cfg.ControllerAdminAddr, cfg.ControllerToken, pool)
	s.tracker = newTracker(s.registries)
	s.link = newControllerLink(LinkConfig{
		Address:      cfg.ControllerAddr,
		Registration: s.registration(),
		Session:      cfg.Session,
	}, s.tracker, s.registries.Count)
	s.sweeper = NewSweeper(s.registries, s.link, cfg.IdleThreshold, cfg.SweepInterval)

	s.validator = auth.ForAdmin(cfg.AdminToken, true)
	s.admin = session.NewAdminServer("frontend", s.handleAdmin)
	s.router = s.newRouter()
	return s, nil
}

func (s *Service) registration() session.Registration {
	kinds := make([]string, 0, len(s.cfg.Kinds))
	for _, k := range s.cfg.Kinds {
		kinds = append(kinds, string(k))
	}
	return session.Registration{
		NodeID:         s.cfg.NodeID,
		Segment:        s.cfg.Segment,
		APIKinds:       kinds,
		BackendURL:     s.cfg.BackendURL,
		AdminAddr:      s.cfg.AdminAdvertiseAddr,
		PublicIdentity: s.cfg.PublicIdentity,
		Capacity:       s.cfg.Capacity,
	}
}

func (s *Service) Registries() *registry.Registries {
	return s.registries
}

func (s *Service) Engine() *submission.Engine {
	return s.engine
}

func (s *Service) Sweeper() *Sweeper {
	return s.sweeper
}

// Router returns the HTTP handler.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run serves every node endpoint and background task until ctx is done or
// one of them fails.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	httpLn, err := net.Listen("tcp", s.cfg.HTTPListenAddr)
	if err != nil {
		return err
	}
	if s.cfg.TLS.Enabled() {
		tlsCfg, err := s.cfg.TLS.ServerConfig()
		if err != nil {
			_ = httpLn.Close()
			return err
		}
		httpLn = tls.NewListener(httpLn, tlsCfg)
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		log.Info().Str("node_id", s.cfg.NodeID).Str("addr", httpLn.Addr().String()).Bool("tls", s.cfg.TLS.Enabled()).Msg("frontend.Service.Run http listening")
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		adminLn, err := net.Listen("tcp", addr)
		if err != nil {
			_ = httpLn.Close()
			return err
		}
		g.Go(func() error { return s.admin.Serve(ctx, adminLn) })
	}

	g.Go(func() error { return s.queue.Run(ctx) })
	g.Go(func() error { return s.tracker.Run(ctx) })
	g.Go(func() error { return s.sweeper.Run(ctx) })
	if strings.TrimSpace(s.cfg.ControllerAddr) != "" {
		g.Go(func() error { return s.link.Run(ctx) })
	} else {
		log.Warn().Str("node_id", s.cfg.NodeID).Msg("frontend.Service.Run no controller configured")
	}
	return g.Wait()
}

// Status is the node's self report.
type Status struct {
	NodeID              string                              `json:"node_id"`
	Segment             string                              `json:"segment"`
	Uptime              string                              `json:"uptime"`
	ControllerID        string                              `json:"controller_id,omitempty"`
	ControllerConnected bool                                `json:"controller_connected"`
	Sessions            map[routing.APIKind]int             `json:"sessions"`
	Active              int                                 `json:"active"`
	Capacity            int                                 `json:"capacity"`
	RelayQueueDepth     int                                 `json:"relay_queue_depth"`
	PendingNotices      int                                 `json:"pending_notices"`
	AdminClients        int64                               `json:"admin_clients"`
	Links               []LinkState                         `json:"links"`
	SessionInfo         map[routing.APIKind][]registry.Info `json:"session_info,omitempty"`
}

func (s *Service) Status(detail bool) Status {
	controllerID, connected := s.link.Connected()
	st := Status{
		NodeID:              s.cfg.NodeID,
		Segment:             s.cfg.Segment,
		Uptime:              time.Since(s.started).Round(time.Second).String(),
		ControllerID:        controllerID,
		ControllerConnected: connected,
		Sessions:            make(map[routing.APIKind]int),
		Active:              s.registries.Count(),
		Capacity:            s.cfg.Capacity,
		RelayQueueDepth:     s.queue.Depth(),
		PendingNotices:      s.link.outbox.Len(),
		AdminClients:        s.admin.Clients(),
		Links:               s.tracker.Links(),
	}
	for _, k := range s.registries.Kinds() {
		reg, _ := s.registries.For(k)
		st.Sessions[k] = reg.Count()
	}
	if detail {
		st.SessionInfo = s.registries.Snapshot()
	}
	return st
}
