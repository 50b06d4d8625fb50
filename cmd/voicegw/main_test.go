package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/voicegw/pkg/gateway/audit"
	"github.com/vango-go/voicegw/pkg/gateway/auth"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	gatewayserver "github.com/vango-go/voicegw/pkg/gateway/server"
)

func testGatewayConfig() config.Config {
	return config.Config{
		Addr:                     "127.0.0.1:0",
		AuthMode:                 config.AuthModeDisabled,
		AdminKeys:                map[string]struct{}{},
		JWTSecret:                "cmd-test-secret-0123456",
		CORSAllowedOrigins:       map[string]struct{}{},
		BackendModel:             config.DefaultModel,
		Credentials:              []config.CredentialSpec{{Key: "key-one"}},
		CredentialLimit:          60,
		CredentialWindow:         time.Minute,
		CredentialRetryInterval:  time.Second,
		CredentialMaxWait:        time.Second,
		WSMaxSessionDuration:     time.Hour,
		WSMaxSessionsPerIdentity: 2,
		AuditSink:                audit.SinkNone,
		AuditQueueSize:           16,
		ReadHeaderTimeout:        time.Second,
		ShutdownGracePeriod:      time.Second,
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve"}, io.Discard, &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		openAuditSink: func(context.Context, audit.SinkConfig) (audit.Sink, error) {
			t.Fatalf("openAuditSink should not be called when config load fails")
			return nil, nil
		},
		newGateway: func(config.Config, *slog.Logger, gatewayserver.Dependencies) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want startup error", got)
	}
}

func TestRunMain_ServeShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	sink := &audit.MemorySink{}
	built := false
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve", "--log-level", "warn"}, io.Discard, &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) { return testGatewayConfig(), nil },
		openAuditSink: func(_ context.Context, cfg audit.SinkConfig) (audit.Sink, error) {
			if cfg.Kind != audit.SinkNone {
				t.Errorf("sink kind=%q", cfg.Kind)
			}
			return sink, nil
		},
		newGateway: func(cfg config.Config, logger *slog.Logger, deps gatewayserver.Dependencies) (*gatewayserver.Server, error) {
			built = true
			if deps.Credentials == nil || deps.Metrics == nil || deps.Audit == nil {
				t.Errorf("gateway deps not wired: %+v", deps)
			}
			return gatewayserver.New(cfg, logger, deps)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			c <- syscall.SIGTERM
		},
		signalStop: func(c chan<- os.Signal) {},
	})

	if exitCode != 0 {
		t.Fatalf("exitCode=%d stderr=%q", exitCode, stderr.String())
	}
	if !built {
		t.Fatalf("newGateway was not called")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gatewayserver.New(testGatewayConfig(), logger, gatewayserver.Dependencies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestTokenCommand_IssuesVerifiableToken(t *testing.T) {
	t.Parallel()

	const secret = "token-cmd-secret-012345"
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"token", "--subject", "alice", "--secret", secret, "--ttl", "5m"}, &stdout, &stderr, gatewayDeps{})
	if code != 0 {
		t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
	}

	verifier, err := auth.NewJWTVerifier(secret, auth.JWTOptions{})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	id, err := verifier.Verify(context.Background(), strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "alice" {
		t.Fatalf("subject=%q, want alice", id.Subject)
	}
}

func TestTokenCommand_RequiresSubject(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"token", "--secret", "x"}, io.Discard, &stderr, gatewayDeps{})
	if code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
}

func TestAuditTail_PrintsOldestFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sink, err := audit.NewBadgerSink(audit.BadgerOptions{Dir: dir, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("NewBadgerSink: %v", err)
	}
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, action := range []audit.Action{audit.ActionLogin, audit.ActionChatInput, audit.ActionLogout} {
		rec := audit.Record{Time: base.Add(time.Duration(i) * time.Second), SessionID: "s1", Identity: "alice", Action: action}
		if action == audit.ActionChatInput {
			rec.Content = "hello"
		}
		if err := sink.Append(context.Background(), rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"audit", "tail", "--dir", dir, "-n", "2"}, &stdout, &stderr, gatewayDeps{})
	if code != 0 {
		t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
	}
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%q, want 2", lines)
	}
	if !strings.Contains(lines[0], "chat_input") || !strings.Contains(lines[0], `"hello"`) {
		t.Fatalf("line0=%q", lines[0])
	}
	if !strings.Contains(lines[1], "logout") {
		t.Fatalf("line1=%q", lines[1])
	}

	stdout.Reset()
	code = runMain(context.Background(), []string{"audit", "tail", "--dir", dir, "--json", "-n", "1"}, &stdout, &stderr, gatewayDeps{})
	if code != 0 {
		t.Fatalf("json exitCode=%d stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"action":"logout"`) {
		t.Fatalf("json output=%q", stdout.String())
	}
}

func TestNewLogger_RejectsUnknownValues(t *testing.T) {
	t.Parallel()

	if _, err := newLogger(io.Discard, "loud", "text"); err == nil {
		t.Fatalf("expected error for bad level")
	}
	if _, err := newLogger(io.Discard, "info", "xml"); err == nil {
		t.Fatalf("expected error for bad format")
	}
	if _, err := newLogger(io.Discard, "debug", "json"); err != nil {
		t.Fatalf("newLogger: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	const key = "VOICEGW_CMD_TEST_DOTENV"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := loadEnvFile(path); err != nil {
		t.Fatalf("loadEnvFile: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Fatalf("%s=%q, want from-file", key, got)
	}
}
