package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-agent/internal/approval"
)

// signatureVersion prefixes both the signed base string and the signature.
const signatureVersion = "v0"

// maxTimestampSkew bounds how old (or future-dated) a signed request may be.
const maxTimestampSkew = 300 * time.Second

// Options configures a Server.
type Options struct {
	Port          int
	SigningSecret string
	PendingDir    string
	Logger        *slog.Logger
	Now           func() time.Time
}

// Server receives signed interactive approval payloads and materializes
// decision files for the approval protocol's poller.
type Server struct {
	port       int
	secret     string
	pendingDir string
	logger     *slog.Logger
	now        func() time.Time
	httpServer *http.Server
}

// NewServer constructs a Server.
func NewServer(opts Options) *Server {
	if opts.Port <= 0 {
		opts.Port = 3000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		port:       opts.Port,
		secret:     opts.SigningSecret,
		pendingDir: opts.PendingDir,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Handler returns the HTTP handler; unknown paths return 404.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/interactions", s.handleInteraction)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()
	s.logger.Info("webhook listening", slog.Int("port", s.port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read body"})
		return
	}

	timestamp := r.Header.Get("X-Slack-Request-Timestamp")
	signature := r.Header.Get("X-Slack-Signature")
	if !VerifySignature(s.secret, timestamp, string(body), signature, s.now()) {
		s.logger.Warn("webhook signature rejected")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	form, err := parseForm(body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "malformed form body"})
		return
	}
	interaction, err := parsePayload(form.Get("payload"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if err := s.writeDecision(interaction); err != nil {
		s.logger.Error("decision write failed",
			slog.String("mutation", interaction.MutationID), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "decision write failed"})
		return
	}

	s.logger.Info("approval decision received",
		slog.String("mutation", interaction.MutationID),
		slog.Bool("approved", interaction.Approved),
		slog.String("user", interaction.User))
	writeJSON(w, http.StatusOK, map[string]string{"text": responseText(interaction)})
}

// VerifySignature checks the presented signature against HMAC-SHA256 of
// "v0:{timestamp}:{body}" with constant-time comparison, rejecting requests
// whose timestamp is more than 300 seconds away from now.
func VerifySignature(secret, timestamp, body, signature string, now time.Time) bool {
	if secret == "" || timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(now.Unix()-ts)) > maxTimestampSkew.Seconds() {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:%s", signatureVersion, timestamp, body)
	expected := signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign produces the signature for a timestamped body. Used by tests and by
// out-of-band senders that loop back through the receiver.
func Sign(secret, timestamp, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:%s", signatureVersion, timestamp, body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// interaction is the decision extracted from the interactive payload.
type interaction struct {
	MutationID string
	Approved   bool
	User       string
}

// parsePayload decodes the Slack-style interactive payload: the first action
// carries the decision in action_id and the mutation id in value.
func parsePayload(payload string) (interaction, error) {
	if payload == "" {
		return interaction{}, fmt.Errorf("missing payload field")
	}
	var decoded struct {
		Actions []struct {
			ActionID string `json:"action_id"`
			Value    string `json:"value"`
		} `json:"actions"`
		User struct {
			Username string `json:"username"`
			Name     string `json:"name"`
		} `json:"user"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return interaction{}, fmt.Errorf("malformed payload: %w", err)
	}
	if len(decoded.Actions) == 0 || decoded.Actions[0].Value == "" {
		return interaction{}, fmt.Errorf("payload carries no action")
	}

	user := decoded.User.Username
	if user == "" {
		user = decoded.User.Name
	}
	return interaction{
		MutationID: decoded.Actions[0].Value,
		Approved:   decoded.Actions[0].ActionID == "approve",
		User:       user,
	}, nil
}

// writeDecision materializes `{mutationId}.json` and removes the pending
// marker, completing the filesystem rendezvous with the approval poller.
func (s *Server) writeDecision(in interaction) error {
	decision := approval.DecisionFile{
		MutationID: in.MutationID,
		Approved:   in.Approved,
		ApprovedBy: in.User,
		Timestamp:  s.now().UTC(),
	}
	data, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.pendingDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.pendingDir, in.MutationID+".json"), data, 0o644); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.pendingDir, in.MutationID+"_pending.json")); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("pending marker removal failed", slog.String("error", err.Error()))
	}
	return nil
}

func responseText(in interaction) string {
	if in.Approved {
		return fmt.Sprintf("Mutation %s approved.", in.MutationID)
	}
	return fmt.Sprintf("Mutation %s rejected.", in.MutationID)
}

func parseForm(body []byte) (url.Values, error) {
	return url.ParseQuery(string(body))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
