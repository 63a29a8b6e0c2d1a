package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/bundlesync/internal/config"
	"github.com/schaermu/bundlesync/internal/lifecycle"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body
const SignatureHeader = "X-Bundlesync-Signature"

// PublishEvent is the notification a build pipeline sends after uploading a release
type PublishEvent struct {
	Product         string `json:"product"`
	AppVersion      string `json:"app_version"`
	ResourceVersion string `json:"res_version"`
}

// Checker runs lifecycle checks and reports their outcome
type Checker interface {
	Check(ctx context.Context) (lifecycle.Status, error)
	Status() lifecycle.Status
	LastError() error
}

// Server accepts publish notifications and triggers checks
type Server struct {
	checker Checker
	logger  *slog.Logger

	cfgMu   sync.RWMutex
	secret  []byte
	allowed []string

	baseCtx      context.Context
	checkMu      sync.Mutex // guards baseCtx and the two flags below
	checkRunning bool       // whether a check is currently in progress
	checkPending bool       // whether another check is needed after the current one
	debounce     *debouncer
}

// debouncer implements debouncing for publish events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new publish notification server
func NewServer(cfg *config.Config, checker Checker, logger *slog.Logger) (*Server, error) {
	s := &Server{
		checker:  checker,
		logger:   logger,
		baseCtx:  context.Background(),
		debounce: &debouncer{delay: cfg.Serve.Debounce},
	}
	if err := s.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateConfig applies the secret and product filter of cfg to a running server
func (s *Server) UpdateConfig(cfg *config.Config) error {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return fmt.Errorf("webhook secret file %s is empty", cfg.Serve.SecretFile)
	}

	allowed := cfg.Serve.AllowedProducts
	if len(allowed) == 0 {
		allowed = []string{cfg.Product.Name}
	}

	s.cfgMu.Lock()
	s.secret = secret
	s.allowed = append([]string(nil), allowed...)
	s.cfgMu.Unlock()
	return nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/publish", s.handlePublish)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start performs an initial check, then serves on ln until ctx is cancelled
func (s *Server) Start(ctx context.Context, ln net.Listener) error {
	s.checkMu.Lock()
	s.baseCtx = ctx
	s.checkMu.Unlock()

	s.logger.Info("performing initial check before starting webhook server")
	s.performCheck(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handlePublish handles release notifications from the build pipeline
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event PublishEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse publish payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isProductAllowed(event.Product) {
		s.logger.Info("ignoring publish for other product", "product", event.Product)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Product not configured for sync\n")
		return
	}

	s.logger.Info("publish notification accepted",
		"product", event.Product,
		"app_version", event.AppVersion,
		"res_version", event.ResourceVersion)

	s.debounce.trigger(func() {
		s.checkMu.Lock()
		ctx := s.baseCtx
		s.checkMu.Unlock()
		s.performCheck(ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Check triggered\n")
}

type healthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// handleHealth reports the outcome of the last check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.checker.Status()
	resp := healthResponse{
		Status:  status.String(),
		Healthy: status.Success() || !status.Settled() || status == lifecycle.StatusIdle,
	}
	if err := s.checker.LastError(); err != nil {
		resp.Error = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// verifySignature checks the sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	s.cfgMu.RLock()
	mac := hmac.New(sha256.New, s.secret)
	s.cfgMu.RUnlock()
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isProductAllowed checks if the product is in the allowed list
func (s *Server) isProductAllowed(product string) bool {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()

	for _, allowed := range s.allowed {
		if product == allowed {
			return true
		}
	}
	return false
}

// performCheck runs a lifecycle check with single-flight semantics.
// If a check is already in progress, at most one additional run is queued;
// further concurrent requests are dropped.
func (s *Server) performCheck(ctx context.Context) {
	s.checkMu.Lock()
	if s.checkRunning {
		s.checkPending = true
		s.checkMu.Unlock()
		s.logger.Info("check already in progress, queuing pending re-run")
		return
	}
	s.checkRunning = true
	s.checkMu.Unlock()

	for {
		s.logger.Info("performing check")

		status, err := s.checker.Check(ctx)
		switch {
		case err != nil:
			s.logger.Error("check failed", "status", status, "error", err)
		default:
			s.logger.Info("check completed", "status", status)
		}

		// Loop once more if a request arrived while running
		s.checkMu.Lock()
		if !s.checkPending || ctx.Err() != nil {
			s.checkPending = false
			s.checkRunning = false
			s.checkMu.Unlock()
			break
		}
		s.checkPending = false
		s.checkMu.Unlock()

		s.logger.Info("re-running check due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
