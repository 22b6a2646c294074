package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/upsyncd/internal/activation"
	"github.com/schaermu/upsyncd/internal/config"
	"github.com/schaermu/upsyncd/internal/git"
	"github.com/schaermu/upsyncd/internal/revision"
	upsyncd "github.com/schaermu/upsyncd/internal/sync"
)

const (
	// debounceDelay is how long a burst of push events has to stay quiet
	// before a sync run starts.
	debounceDelay = 2 * time.Second

	maxPayloadBytes = 1 << 20
)

// pushEvent carries the fields of a GitHub push payload the server acts on.
type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server accepts GitHub push webhooks and turns them into debounced sync
// runs.
type Server struct {
	cfg    *config.Config
	git    git.Client
	logger *slog.Logger
	secret []byte

	mu      sync.Mutex // guards running and rerun
	running bool
	rerun   bool

	debounce *debouncer
}

// NewServer builds the webhook server, loading the shared secret from the
// configured file.
func NewServer(cfg *config.Config, gitClient git.Client, logger *slog.Logger) (*Server, error) {
	raw, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		git:    gitClient,
		logger: logger,
		secret: bytes.TrimSpace(raw),
	}
	s.debounce = newDebouncer(debounceDelay, func() {
		s.performSync(context.Background())
	})
	return s, nil
}

// Start runs one sync immediately, then serves webhooks until ctx is
// cancelled. When systemd passed an activated socket the server listens on
// it, otherwise it binds the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before accepting webhooks")
	s.performSync(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePush)

	srv := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	activated, err := activation.Listener()
	if err != nil {
		return fmt.Errorf("failed to take over activated socket: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if activated != nil {
			s.logger.Info("webhook server listening on activated socket", "addr", activated.Addr())
			err = srv.Serve(activated)
		} else {
			s.logger.Info("webhook server listening", "addr", s.cfg.Serve.ListenAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handlePush validates an incoming webhook request and, for pushes to
// upstream revision branches, schedules a debounced sync.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		s.logger.Warn("rejecting payload with unexpected content type", "content_type", ct)
		http.Error(w, "unsupported content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		s.logger.Error("failed to read webhook payload", "error", err)
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}

	if !validSignature(s.secret, body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting payload with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if !s.acceptsEvent(event) {
		s.logger.Info("ignoring event type", "event", event)
		respond(w, "event ignored")
		return
	}

	var push pushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		s.logger.Error("failed to decode push payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// Only pushes to upstream revision branches can move the sync target
	if !s.wantsRef(push.Ref) {
		s.logger.Info("ignoring push outside the revision branch scheme", "ref", push.Ref)
		respond(w, "ref ignored")
		return
	}

	s.logger.Info("push accepted",
		"event", event,
		"ref", push.Ref,
		"commit", push.After,
		"repo", push.Repository.FullName)

	s.debounce.Trigger()
	respond(w, "sync scheduled")
}

func respond(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, msg+"\n")
}

// validSignature checks a GitHub X-Hub-Signature-256 header value against
// the HMAC-SHA256 of body. The comparison is constant time.
func validSignature(secret, body []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(digest), []byte(want))
}

// acceptsEvent applies the configured event type allow list. An empty list
// admits every event type.
func (s *Server) acceptsEvent(event string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true
	}
	return slices.Contains(s.cfg.Serve.AllowedEventTypes, event)
}

// wantsRef reports whether a pushed ref names an upstream revision branch
// for the configured prefix, e.g. refs/heads/w1-27 for prefix w1-.
func (s *Server) wantsRef(ref string) bool {
	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	if !ok {
		return false
	}
	_, err := revision.Parse(s.cfg.Upstream.BranchPrefix, branch)
	return err == nil
}

// performSync runs the engine with single-flight semantics: while a run is
// in progress at most one re-run is queued, and further requests are
// dropped rather than piling up.
func (s *Server) performSync(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.rerun = true
		s.mu.Unlock()
		s.logger.Info("sync already in progress, queueing one re-run")
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		s.logger.Info("running sync")
		if err := upsyncd.NewEngine(s.cfg, s.git, s.logger, false).Run(ctx); err != nil {
			s.logger.Error("sync failed", "error", err)
		}

		// Service exactly the runs requested while we were busy: one queued
		// re-run at most, then release the running slot.
		s.mu.Lock()
		again := s.rerun
		s.rerun = false
		if !again {
			s.running = false
		}
		s.mu.Unlock()

		if !again {
			return
		}
		s.logger.Info("servicing queued sync request")
	}
}
