package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/genkan/internal/bus"
)

// Payload is what an accepted delivery publishes onto the bus.
type Payload struct {
	Provider   string
	DeliveryID string
	Event      string
	Body       json.RawMessage
}

// DeliveryStore records processed (provider, delivery id) pairs.
type DeliveryStore interface {
	MarkDelivery(ctx context.Context, provider, deliveryID string) (bool, error)
}

// Publisher is the bus surface the server needs.
type Publisher interface {
	Publish(evt bus.Event)
}

type Options struct {
	Addr         string
	GitHubSecret string
	BearerToken  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// Server accepts external webhook deliveries, verifies them, deduplicates
// by (provider, delivery id), and publishes accepted deliveries as events.
type Server struct {
	opts   Options
	store  DeliveryStore
	bus    Publisher
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(opts Options, store DeliveryStore, publisher Publisher) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		opts:   opts,
		store:  store,
		bus:    publisher,
		logger: slog.Default().With("component", "webhook"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/github", s.handleGitHub)
	mux.HandleFunc("POST /webhook/{provider}", s.handleGeneric)

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      mux,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Webhook server listening", "addr", s.opts.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	// Signature is verified before anything else; an invalid delivery
	// leaves no trace in the dedup table
	sig := r.Header.Get("X-Hub-Signature-256")
	if !verifyGitHubSignature(s.opts.GitHubSecret, body, sig) {
		s.logger.Warn("GitHub webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		http.Error(w, "missing delivery id", http.StatusBadRequest)
		return
	}

	s.accept(w, r, "github", deliveryID, r.Header.Get("X-GitHub-Event"), body)
}

func (s *Server) handleGeneric(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	if provider == "" || provider == "github" {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	if !verifyBearer(s.opts.BearerToken, r.Header.Get("Authorization")) {
		s.logger.Warn("Webhook bearer token rejected", "provider", provider, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	deliveryID := r.Header.Get("X-Delivery-ID")
	if deliveryID == "" {
		// Providers without delivery ids get a content hash so replays of
		// the identical payload dedup naturally
		sum := sha256.Sum256(body)
		deliveryID = hex.EncodeToString(sum[:])
	}

	s.accept(w, r, provider, deliveryID, r.Header.Get("X-Event-Type"), body)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, provider, deliveryID, event string, body []byte) {
	seen, err := s.store.MarkDelivery(r.Context(), provider, deliveryID)
	if err != nil {
		s.logger.Error("Delivery dedup failed", "provider", provider, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if seen {
		// Acknowledged but not republished
		s.logger.Info("Duplicate delivery acknowledged", "provider", provider, "delivery_id", deliveryID)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "duplicate")
		return
	}

	evt := bus.NewEvent(bus.KindWebhook, provider, "", Payload{
		Provider:   provider,
		DeliveryID: deliveryID,
		Event:      event,
		Body:       json.RawMessage(body),
	})
	s.bus.Publish(evt)

	s.logger.Info("Webhook accepted",
		"provider", provider, "delivery_id", deliveryID, "event", event,
		"correlation_id", evt.CorrelationID)
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, "accepted")
}

// verifyGitHubSignature checks an X-Hub-Signature-256 header against the
// raw body. Comparison is constant-time.
func verifyGitHubSignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	expected, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(computed), []byte(expected))
}

func verifyBearer(token, header string) bool {
	if token == "" {
		return false
	}
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1
}
