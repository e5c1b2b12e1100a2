package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNodeTemplateLoads(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	if err := WriteTemplate(path, "node", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "node", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := cfg.ServiceConfig()
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if svc.NodeID != "node.local" || svc.Capacity != 10000 || len(svc.Kinds) != 4 {
		t.Fatalf("unexpected service config: %+v", svc)
	}
	if svc.IdleThreshold != 10*time.Minute || svc.SweepInterval != time.Minute {
		t.Fatalf("unexpected sweep settings: idle=%v interval=%v", svc.IdleThreshold, svc.SweepInterval)
	}
	if svc.Submission.DefaultTimeout != 300*time.Second || svc.Submission.MaxTimeout != time.Hour {
		t.Fatalf("unexpected transaction settings: %+v", svc.Submission)
	}
	if svc.Relay.Routes["globex.com"] != "http://127.0.0.1:9600" {
		t.Fatalf("unexpected relay routes: %+v", svc.Relay.Routes)
	}
	if svc.Session.HeartbeatInterval != 5*time.Second {
		t.Fatalf("unexpected heartbeat: %v", svc.Session.HeartbeatInterval)
	}

	st, closeFn, err := cfg.Store.Open(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer closeFn(context.Background())
	ctx, release, err := st.AcquirePartition(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	ch, err := st.FindChannel(ctx, 9)
	if err != nil {
		t.Fatalf("find channel: %v", err)
	}
	if string(ch.Scheme.Key) != "channel-secret" || ch.Origin.String() != "alice@acme.com" || ch.QuotaBytes != -1 {
		t.Fatalf("unexpected channel fixture: %+v", ch)
	}
}

func TestControllerTemplateLoads(t *testing.T) {
	testlog.Start(t)
	tmpl, err := Template("controller")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	cfg, err := LoadControllerConfig(writeConfig(t, tmpl))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	svc, err := cfg.ServiceConfig()
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if svc.ControllerID != "controller.local" || svc.ListenAddr != ":9400" || svc.NodeRPCTimeout != 5*time.Second {
		t.Fatalf("unexpected controller config: %+v", svc)
	}
	if _, err := Template("worker"); err == nil {
		t.Fatalf("expected unknown template kind error")
	}
}

func TestNodeDefaultsForMinimalFile(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadNodeConfig(writeConfig(t, `segment = "eu"`+"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ID != "node.local" || cfg.Addr != ":9500" || cfg.Store.Driver != StoreMemory {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	svc, err := cfg.ServiceConfig()
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if svc.Segment != "eu" || len(svc.Kinds) != len(routing.Kinds()) || svc.RPCPoolSize != 8 {
		t.Fatalf("unexpected service config: %+v", svc)
	}
}

func TestNodeConfigRejections(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad kind":         `kinds = ["smtp"]`,
		"bad duration":     `idle_threshold = "soon"`,
		"negative":         `sweep_interval = "-1s"`,
		"missing admin":    `controller_addr = "127.0.0.1:9400"`,
		"bad driver":       "[store]\ndriver = \"redis\"",
		"heartbeat":        "[link]\nheartbeat_interval = \"20s\"\nread_timeout = \"10s\"",
		"mongo fixtures":   "[store]\ndriver = \"mongo\"\n[[store.zones]]\nid = 1",
		"bad scheme":       "[store]\n[[store.zones]]\nid = 1\n[[store.channels]]\nid = 2\nzone_id = 1\nscheme_algorithm = \"rot13\"",
		"malformed toml":   `id = `,
		"bad store timing": "[store]\ndriver = \"mongo\"\nconnect_timeout = \"x\"",
		"tls half":         "[tls]\ncert_file = \"node.crt\"",
	}
	for name, body := range cases {
		if _, err := LoadNodeConfig(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadNodeConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("expected load failure, got %v", err)
	}
}

func TestControllerConfigRequiresAdminToken(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadControllerConfig(writeConfig(t, `admin_addr = ":9401"`)); err == nil {
		t.Fatalf("expected admin token requirement")
	}
}

func TestStoreSeedRejectsChannelWithoutZone(t *testing.T) {
	testlog.Start(t)
	cfg := StoreConfig{Channels: []ChannelFixture{{Channel: store.Channel{ID: 1, ZoneID: 42}}}}
	if err := cfg.Seed(store.NewMemory()); err == nil {
		t.Fatalf("expected missing zone error")
	}
}
