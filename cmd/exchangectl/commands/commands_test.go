package commands

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/exchange/internal/config"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestGenerateKeyMatchesFingerprint(t *testing.T) {
	testlog.Start(t)
	kp, err := generateKey("alice", rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seed, err := base64.StdEncoding.DecodeString(kp.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		t.Fatalf("bad private key encoding: %v", err)
	}
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	if got := identity.Fingerprint(pub); got != kp.Fingerprint {
		t.Fatalf("fingerprint mismatch: %s != %s", got, kp.Fingerprint)
	}
	if kp.Subject != "alice" {
		t.Fatalf("unexpected subject %q", kp.Subject)
	}

	out, err := run(t, "key", "fingerprint", kp.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint command: %v", err)
	}
	if !strings.Contains(out, kp.Fingerprint) || strings.Contains(out, kp.PrivateKey) {
		t.Fatalf("unexpected fingerprint output: %s", out)
	}
	if _, err := run(t, "key", "fingerprint", "not-a-key"); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestConfigInitThenCheck(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	if _, err := run(t, "config", "init", "--kind", "node", "--path", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := run(t, "config", "init", "--kind", "node", "--path", path); err == nil {
		t.Fatalf("expected init to refuse overwrite")
	}
	out, err := run(t, "config", "check", path)
	if err != nil {
		t.Fatalf("check: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid node config") {
		t.Fatalf("unexpected check output: %s", out)
	}
}

func TestCheckReportsUnknownAndDefaultedKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "controller.toml")
	body := "id = \"ctl-9\"\nlisten = \":1\"\n[link]\nheartbeat_interval = \"1s\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	report, err := checkConfig("controller", path)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Err != nil {
		t.Fatalf("unexpected validation error: %v", report.Err)
	}
	if len(report.Unknown) != 1 || report.Unknown[0] != "listen" {
		t.Fatalf("unexpected unknown keys: %+v", report.Unknown)
	}
	for _, key := range report.Defaulted {
		if key == "id" {
			t.Fatalf("id is set but reported as defaulted: %+v", report.Defaulted)
		}
	}
	if len(report.Defaulted) != len(defaultedKeys["controller"])-1 {
		t.Fatalf("unexpected defaulted keys: %+v", report.Defaulted)
	}
	if _, err := checkConfig("worker", path); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestShowRedactsTokens(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := config.WriteTemplate(path, "node", false); err != nil {
		t.Fatalf("template: %v", err)
	}
	var out bytes.Buffer
	if err := showConfig(&out, "node", path); err != nil {
		t.Fatalf("show: %v", err)
	}
	text := out.String()
	if strings.Contains(text, "change-me-node") || strings.Contains(text, "change-me-controller") {
		t.Fatalf("tokens leaked:\n%s", text)
	}
	if !strings.Contains(text, redacted) || !strings.Contains(text, "acme.com") {
		t.Fatalf("unexpected show output:\n%s", text)
	}
}

func TestPrintAdminResponse(t *testing.T) {
	testlog.Start(t)
	var out bytes.Buffer
	if err := printAdminResponse(&out, session.ActionStatus, session.OKResponse(session.CountData{Active: 3})); err != nil {
		t.Fatalf("print: %v", err)
	}
	if !strings.Contains(out.String(), `"active": 3`) {
		t.Fatalf("unexpected output: %s", out.String())
	}
	failed := session.AdminResponse{OK: false, Code: 7, Error: "denied"}
	if err := printAdminResponse(&out, session.ActionStatus, failed); err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("expected failure error, got %v", err)
	}
}
