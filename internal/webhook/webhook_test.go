package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/schaermu/upsyncd/internal/config"
)

// mockGitClient implements git.Client. ListRemoteBranches returns no
// revision branches, so a triggered sync stops at resolution.
type mockGitClient struct {
	mu        sync.Mutex
	listCalls int
}

func (m *mockGitClient) ListRemoteBranches(_ context.Context, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return nil, nil
}

func (m *mockGitClient) EnsureCheckout(_ context.Context, _, _, _ string) (string, error) {
	return "abc123", nil
}

func (m *mockGitClient) Snapshot(_ context.Context, _, _, _ string) error { return nil }

func (m *mockGitClient) TipMessage(_ context.Context, _ string) (string, error) { return "", nil }

func (m *mockGitClient) StageAll(_ context.Context, _ string) error { return nil }

func (m *mockGitClient) DiffCachedEmpty(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (m *mockGitClient) Commit(_ context.Context, _, _, _, _ string) error { return nil }

func (m *mockGitClient) Push(_ context.Context, _, _, _ string) error { return nil }

func (m *mockGitClient) listCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

const testSecret = "test-secret-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	tmpDir := t.TempDir()
	secretPath := filepath.Join(tmpDir, "webhook_secret")
	if err := os.WriteFile(secretPath, []byte(testSecret), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	return &config.Config{
		Upstream: config.UpstreamConfig{
			URL:          "https://github.com/test/upstream.git",
			BranchPrefix: "w1-",
		},
		Target: config.TargetConfig{
			URL:         "https://github.com/test/target.git",
			Branch:      "main",
			CommitName:  "upsyncd",
			CommitEmail: "upsyncd@localhost",
		},
		Paths: config.PathsConfig{
			WorkDir: filepath.Join(tmpDir, "work"),
		},
		Sync: config.SyncConfig{
			Preserve: []string{".config"},
		},
		Serve: config.ServeConfig{
			Enabled:                 true,
			ListenAddr:              "127.0.0.1:8787",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"push"},
		},
	}
}

func testServer(t *testing.T) *Server {
	t.Helper()

	s, err := NewServer(testConfig(t), &mockGitClient{}, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNewServer_TrimsSecret(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Serve.GitHubWebhookSecretFile, []byte("  hunter2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := NewServer(cfg, &mockGitClient{}, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if string(s.secret) != "hunter2" {
		t.Errorf("secret = %q, want whitespace trimmed", string(s.secret))
	}
}

func TestNewServer_MissingSecretFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = filepath.Join(t.TempDir(), "absent")

	if _, err := NewServer(cfg, &mockGitClient{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func TestHandlePush(t *testing.T) {
	validBody := `{"ref":"refs/heads/w1-27","after":"abc123","repository":{"full_name":"test/upstream"}}`

	tests := []struct {
		name        string
		method      string
		contentType string
		event       string
		body        string
		signature   string
		wantCode    int
		wantBody    string
	}{
		{
			name:        "revision push schedules sync",
			method:      http.MethodPost,
			contentType: "application/json",
			event:       "push",
			body:        validBody,
			signature:   sign(validBody, testSecret),
			wantCode:    http.StatusOK,
			wantBody:    "sync scheduled",
		},
		{
			name:     "GET rejected",
			method:   http.MethodGet,
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:        "wrong content type rejected",
			method:      http.MethodPost,
			contentType: "text/plain",
			body:        "{}",
			wantCode:    http.StatusBadRequest,
		},
		{
			name:        "bad signature rejected",
			method:      http.MethodPost,
			contentType: "application/json",
			event:       "push",
			body:        validBody,
			signature:   "sha256=0000",
			wantCode:    http.StatusForbidden,
		},
		{
			name:        "unsigned request rejected",
			method:      http.MethodPost,
			contentType: "application/json",
			event:       "push",
			body:        validBody,
			wantCode:    http.StatusForbidden,
		},
		{
			name:        "filtered event type acknowledged without sync",
			method:      http.MethodPost,
			contentType: "application/json",
			event:       "pull_request",
			body:        validBody,
			signature:   sign(validBody, testSecret),
			wantCode:    http.StatusOK,
			wantBody:    "event ignored",
		},
		{
			name:        "malformed payload rejected",
			method:      http.MethodPost,
			contentType: "application/json",
			event:       "push",
			body:        "{not json",
			signature:   sign("{not json", testSecret),
			wantCode:    http.StatusBadRequest,
		},
		{
			name:        "push to feature branch acknowledged without sync",
			method:      http.MethodPost,
			contentType: "application/json",
			event:       "push",
			body:        `{"ref":"refs/heads/feature"}`,
			signature:   sign(`{"ref":"refs/heads/feature"}`, testSecret),
			wantCode:    http.StatusOK,
			wantBody:    "ref ignored",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t)

			req := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			if tt.event != "" {
				req.Header.Set("X-GitHub-Event", tt.event)
			}
			if tt.signature != "" {
				req.Header.Set("X-Hub-Signature-256", tt.signature)
			}

			rec := httptest.NewRecorder()
			s.handlePush(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestValidSignature(t *testing.T) {
	secret := []byte(testSecret)
	body := []byte(`{"ref":"refs/heads/w1-26"}`)

	tests := []struct {
		name   string
		body   []byte
		header string
		want   bool
	}{
		{name: "matching digest", body: body, header: sign(string(body), testSecret), want: true},
		{name: "wrong digest", body: body, header: "sha256=deadbeef", want: false},
		{name: "missing prefix", body: body, header: "deadbeef", want: false},
		{name: "empty header", body: body, header: "", want: false},
		{name: "digest of different body", body: []byte(`{"ref":"refs/heads/w1-27"}`), header: sign(string(body), testSecret), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validSignature(secret, tt.body, tt.header); got != tt.want {
				t.Errorf("validSignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAcceptsEvent(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		event   string
		want    bool
	}{
		{name: "listed event", allowed: []string{"push", "create"}, event: "push", want: true},
		{name: "unlisted event", allowed: []string{"push"}, event: "pull_request", want: false},
		{name: "empty list admits everything", allowed: nil, event: "anything", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t)
			s.cfg.Serve.AllowedEventTypes = tt.allowed

			if got := s.acceptsEvent(tt.event); got != tt.want {
				t.Errorf("acceptsEvent(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestWantsRef(t *testing.T) {
	s := testServer(t)

	tests := []struct {
		name string
		ref  string
		want bool
	}{
		{name: "revision branch", ref: "refs/heads/w1-26", want: true},
		{name: "single digit revision", ref: "refs/heads/w1-3", want: true},
		{name: "default branch", ref: "refs/heads/main", want: false},
		{name: "prefix without number", ref: "refs/heads/w1-", want: false},
		{name: "trailing garbage", ref: "refs/heads/w1-12x", want: false},
		{name: "tag with matching name", ref: "refs/tags/w1-26", want: false},
		{name: "bare branch name", ref: "w1-26", want: false},
		{name: "empty ref", ref: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.wantsRef(tt.ref); got != tt.want {
				t.Errorf("wantsRef(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestStart_RunsInitialSync(t *testing.T) {
	mockGit := &mockGitClient{}
	s, err := NewServer(testConfig(t), mockGit, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	// Cancel immediately so Start returns right after the initial sync.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = s.Start(ctx)

	if mockGit.listCallCount() == 0 {
		t.Error("expected the initial sync to query upstream branches")
	}
}

// slowMockGitClient blocks ListRemoteBranches until proceed is closed,
// letting tests hold a sync in flight.
type slowMockGitClient struct {
	mockGitClient
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (m *slowMockGitClient) ListRemoteBranches(_ context.Context, _ string) ([]string, error) {
	m.once.Do(func() { close(m.started) })
	<-m.proceed
	return nil, nil
}

func TestPerformSync_SingleFlight(t *testing.T) {
	slowGit := &slowMockGitClient{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}

	s, err := NewServer(testConfig(t), slowGit, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx := context.Background()

	// First sync blocks inside the git client until proceed is closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.performSync(ctx)
	}()
	<-slowGit.started

	// Concurrent requests while the first run is in flight: exactly one
	// re-run may be queued, the rest are dropped.
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.performSync(ctx)
		}()
	}
	wg.Wait()

	s.mu.Lock()
	rerun := s.rerun
	s.mu.Unlock()
	if !rerun {
		t.Error("expected a queued re-run after concurrent performSync calls")
	}

	// Releasing the first run lets the queued re-run drain; performSync
	// returns only once nothing is left to service.
	close(slowGit.proceed)
	<-done

	s.mu.Lock()
	running, pending := s.running, s.rerun
	s.mu.Unlock()
	if running {
		t.Error("expected running to be false after all syncs completed")
	}
	if pending {
		t.Error("expected no queued re-run after the backlog drained")
	}
}
