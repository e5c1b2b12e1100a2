package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/exchange/internal/controller"
	"github.com/danmuck/exchange/internal/frontend"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store/mongostore"
	"github.com/pelletier/go-toml/v2"
)

type NodeConfig struct {
	ID                  string   `toml:"id"`
	Segment             string   `toml:"segment"`
	Kinds               []string `toml:"kinds"`
	Capacity            int      `toml:"capacity"`
	BackendURL          string   `toml:"backend_url"`
	PublicIdentity      string   `toml:"public_identity"`
	Addr                string   `toml:"addr"`
	AdminAddr           string   `toml:"admin_addr"`
	AdminAdvertiseAddr  string   `toml:"admin_advertise_addr"`
	AdminToken          string   `toml:"admin_token"`
	ControllerAddr      string   `toml:"controller_addr"`
	ControllerAdminAddr string   `toml:"controller_admin_addr"`
	ControllerToken     string   `toml:"controller_token"`
	RPCTimeout          string   `toml:"rpc_timeout"`
	RPCPoolSize         int      `toml:"rpc_pool_size"`
	IdleThreshold       string   `toml:"idle_threshold"`
	SweepInterval       string   `toml:"sweep_interval"`
	DevIdentityHeader   bool     `toml:"dev_identity_header"`
	CorsOrigins         []string `toml:"cors_origins"`

	TLS          TLSConfig         `toml:"tls"`
	Transactions TransactionConfig `toml:"transactions"`
	Relay        RelayConfig       `toml:"relay"`
	Link         LinkConfig        `toml:"link"`
	Store        StoreConfig       `toml:"store"`
}

// TLSConfig serves the client API over HTTPS. client_ca_file turns client
// certificates into caller identities.
type TLSConfig struct {
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	ClientCAFile string `toml:"client_ca_file"`
}

type TransactionConfig struct {
	DefaultTimeout string `toml:"default_timeout"`
	MinTimeout     string `toml:"min_timeout"`
	MaxTimeout     string `toml:"max_timeout"`
	MaxChunkSize   int    `toml:"max_chunk_size"`
}

type RelayConfig struct {
	Workers   int               `toml:"workers"`
	QueueSize int               `toml:"queue_size"`
	CacheSize int               `toml:"cache_size"`
	CacheTTL  string            `toml:"cache_ttl"`
	Timeout   string            `toml:"timeout"`
	Routes    map[string]string `toml:"routes"`
}

// LinkConfig tunes the node<->controller connection. Empty values keep the
// session defaults.
type LinkConfig struct {
	ConnectTimeout    string `toml:"connect_timeout"`
	HandshakeTimeout  string `toml:"handshake_timeout"`
	ReadTimeout       string `toml:"read_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	SessionDeadAfter  string `toml:"session_dead_after"`
	AckTimeout        string `toml:"ack_timeout"`
	BackoffInitial    string `toml:"backoff_initial"`
	BackoffMax        string `toml:"backoff_max"`
}

type ControllerConfig struct {
	ID             string     `toml:"id"`
	Addr           string     `toml:"addr"`
	AdminAddr      string     `toml:"admin_addr"`
	AdminToken     string     `toml:"admin_token"`
	NodeToken      string     `toml:"node_token"`
	NodeRPCTimeout string     `toml:"node_rpc_timeout"`
	Link           LinkConfig `toml:"link"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "node.local"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9500"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func LoadControllerConfig(path string) (ControllerConfig, error) {
	var cfg ControllerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ControllerConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "controller.local"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9400"
	}
	if err := ValidateControllerConfig(cfg); err != nil {
		return ControllerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("node config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("node config missing addr")
	}
	for i, raw := range cfg.Kinds {
		if _, ok := routing.ParseKind(raw); !ok {
			return fmt.Errorf("kinds[%d] unknown api kind %q", i, raw)
		}
	}
	if strings.TrimSpace(cfg.ControllerAddr) != "" && strings.TrimSpace(cfg.AdminAddr) == "" {
		return fmt.Errorf("node config admin_addr required when controller_addr is set")
	}
	svc, err := cfg.ServiceConfig()
	if err != nil {
		return err
	}
	if err := svc.Validate(); err != nil {
		return err
	}
	return cfg.Store.Validate()
}

func ValidateControllerConfig(cfg ControllerConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("controller config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("controller config missing addr")
	}
	if strings.TrimSpace(cfg.AdminAddr) != "" && strings.TrimSpace(cfg.AdminToken) == "" {
		return fmt.Errorf("controller config admin_token required when admin_addr is set")
	}
	_, err := cfg.ServiceConfig()
	return err
}

// ServiceConfig overlays the file onto the node defaults.
func (c NodeConfig) ServiceConfig() (frontend.ServiceConfig, error) {
	out := frontend.DefaultServiceConfig()
	setString(&out.NodeID, c.ID)
	setString(&out.Segment, c.Segment)
	setString(&out.BackendURL, c.BackendURL)
	setString(&out.PublicIdentity, c.PublicIdentity)
	setString(&out.HTTPListenAddr, c.Addr)
	setString(&out.AdminListenAddr, c.AdminAddr)
	setString(&out.AdminAdvertiseAddr, c.AdminAdvertiseAddr)
	setString(&out.AdminToken, c.AdminToken)
	setString(&out.ControllerAddr, c.ControllerAddr)
	setString(&out.ControllerAdminAddr, c.ControllerAdminAddr)
	setString(&out.ControllerToken, c.ControllerToken)
	setInt(&out.Capacity, c.Capacity)
	setInt(&out.RPCPoolSize, c.RPCPoolSize)
	out.DevIdentityHeader = c.DevIdentityHeader
	out.TLS = frontend.TLSConfig{
		CertFile:     strings.TrimSpace(c.TLS.CertFile),
		KeyFile:      strings.TrimSpace(c.TLS.KeyFile),
		ClientCAFile: strings.TrimSpace(c.TLS.ClientCAFile),
	}
	out.CORSOrigins = append([]string(nil), c.CorsOrigins...)
	if len(c.Kinds) > 0 {
		out.Kinds = out.Kinds[:0]
		for _, raw := range c.Kinds {
			kind, _ := routing.ParseKind(raw)
			out.Kinds = append(out.Kinds, kind)
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"rpc_timeout", c.RPCTimeout, &out.RPCTimeout},
		{"idle_threshold", c.IdleThreshold, &out.IdleThreshold},
		{"sweep_interval", c.SweepInterval, &out.SweepInterval},
		{"transactions.default_timeout", c.Transactions.DefaultTimeout, &out.Submission.DefaultTimeout},
		{"transactions.min_timeout", c.Transactions.MinTimeout, &out.Submission.MinTimeout},
		{"transactions.max_timeout", c.Transactions.MaxTimeout, &out.Submission.MaxTimeout},
		{"relay.cache_ttl", c.Relay.CacheTTL, &out.Relay.CacheTTL},
		{"relay.timeout", c.Relay.Timeout, &out.Relay.Timeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key, d.raw); err != nil {
			return frontend.ServiceConfig{}, err
		}
	}
	setInt(&out.Submission.MaxChunkSize, c.Transactions.MaxChunkSize)
	setInt(&out.Relay.Workers, c.Relay.Workers)
	setInt(&out.Relay.QueueSize, c.Relay.QueueSize)
	setInt(&out.Relay.CacheSize, c.Relay.CacheSize)
	if len(c.Relay.Routes) > 0 {
		out.Relay.Routes = make(map[string]string, len(c.Relay.Routes))
		for domain, addr := range c.Relay.Routes {
			out.Relay.Routes[strings.ToLower(strings.TrimSpace(domain))] = strings.TrimSpace(addr)
		}
	}

	link, err := c.Link.apply(out.Session)
	if err != nil {
		return frontend.ServiceConfig{}, err
	}
	out.Session = link
	return out, nil
}

// ServiceConfig overlays the file onto the controller defaults.
func (c ControllerConfig) ServiceConfig() (controller.ServiceConfig, error) {
	out := controller.DefaultServiceConfig()
	setString(&out.ControllerID, c.ID)
	setString(&out.ListenAddr, c.Addr)
	setString(&out.AdminListenAddr, c.AdminAddr)
	setString(&out.AdminToken, c.AdminToken)
	setString(&out.NodeToken, c.NodeToken)
	if err := setDuration(&out.NodeRPCTimeout, "node_rpc_timeout", c.NodeRPCTimeout); err != nil {
		return controller.ServiceConfig{}, err
	}
	link, err := c.Link.apply(out.Session)
	if err != nil {
		return controller.ServiceConfig{}, err
	}
	out.Session = link
	return out, nil
}

func (l LinkConfig) apply(cfg session.Config) (session.Config, error) {
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"link.connect_timeout", l.ConnectTimeout, &cfg.ConnectTimeout},
		{"link.handshake_timeout", l.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"link.read_timeout", l.ReadTimeout, &cfg.ReadTimeout},
		{"link.write_timeout", l.WriteTimeout, &cfg.WriteTimeout},
		{"link.heartbeat_interval", l.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"link.session_dead_after", l.SessionDeadAfter, &cfg.SessionDeadAfter},
		{"link.ack_timeout", l.AckTimeout, &cfg.AckTimeout},
		{"link.backoff_initial", l.BackoffInitial, &cfg.Backoff.InitialDelay},
		{"link.backoff_max", l.BackoffMax, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key, d.raw); err != nil {
			return session.Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return session.Config{}, fmt.Errorf("link: %w", err)
	}
	return cfg, nil
}

// Mongo maps the store section onto mongostore settings.
func (s StoreConfig) Mongo() (mongostore.Config, error) {
	out := mongostore.DefaultConfig()
	setString(&out.URI, s.URI)
	setString(&out.Directory, s.Directory)
	setString(&out.PartitionPrefix, s.PartitionPrefix)
	if s.MaxPoolSize > 0 {
		out.MaxPoolSize = uint64(s.MaxPoolSize)
	}
	if err := setDuration(&out.ConnectTimeout, "store.connect_timeout", s.ConnectTimeout); err != nil {
		return mongostore.Config{}, err
	}
	if err := setDuration(&out.OperationTimeout, "store.operation_timeout", s.OperationTimeout); err != nil {
		return mongostore.Config{}, err
	}
	return out, nil
}

func setString(dst *string, raw string) {
	if v := strings.TrimSpace(raw); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	*dst = d
	return nil
}
