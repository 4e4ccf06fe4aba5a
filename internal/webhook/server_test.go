package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-agent/internal/approval"
)

const testSecret = "s"

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewServer(Options{
		SigningSecret: testSecret,
		PendingDir:    dir,
		Now:           fixedNow,
	})
	return s, dir
}

func interactionBody(mutationID, actionID string) string {
	payload, _ := json.Marshal(map[string]interface{}{
		"actions": []map[string]string{{"action_id": actionID, "value": mutationID}},
		"user":    map[string]string{"username": "oncall"},
	})
	form := url.Values{}
	form.Set("payload", string(payload))
	return form.Encode()
}

func post(s *Server, body, timestamp, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/slack/interactions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", timestamp)
	req.Header.Set("X-Slack-Signature", signature)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestVerifySignatureVectors(t *testing.T) {
	ts := "1700000000"
	body := "payload=%7B%7D"
	good := Sign(testSecret, ts, body)

	if !strings.HasPrefix(good, "v0=") || strings.ToLower(good) != good {
		t.Fatalf("signature should be v0-prefixed lowercase hex: %s", good)
	}
	if !VerifySignature(testSecret, ts, body, good, fixedNow()) {
		t.Fatalf("valid signature must verify")
	}
	if VerifySignature("wrong", ts, body, good, fixedNow()) {
		t.Fatalf("wrong secret must fail")
	}
	if VerifySignature(testSecret, ts, body+"x", good, fixedNow()) {
		t.Fatalf("mutated body must fail")
	}
	// Stale timestamp: more than 300 s off.
	stale := strconv.FormatInt(fixedNow().Unix()-301, 10)
	if VerifySignature(testSecret, stale, body, Sign(testSecret, stale, body), fixedNow()) {
		t.Fatalf("stale timestamp must fail")
	}
	fresh := strconv.FormatInt(fixedNow().Unix()-299, 10)
	if !VerifySignature(testSecret, fresh, body, Sign(testSecret, fresh, body), fixedNow()) {
		t.Fatalf("timestamp within the window must verify")
	}
}

func TestInteractionWritesDecisionFile(t *testing.T) {
	s, dir := newTestServer(t)

	pending := filepath.Join(dir, "m-1_pending.json")
	if err := os.WriteFile(pending, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	body := interactionBody("m-1", "approve")
	ts := strconv.FormatInt(fixedNow().Unix(), 10)
	rec := post(s, body, ts, Sign(testSecret, ts, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	data, err := os.ReadFile(filepath.Join(dir, "m-1.json"))
	if err != nil {
		t.Fatalf("decision file missing: %v", err)
	}
	var decision approval.DecisionFile
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if !decision.Approved || decision.ApprovedBy != "oncall" || decision.MutationID != "m-1" {
		t.Fatalf("decision content wrong: %+v", decision)
	}
	if _, err := os.Stat(pending); !os.IsNotExist(err) {
		t.Fatalf("pending marker should be deleted")
	}
}

func TestInteractionRejectDecision(t *testing.T) {
	s, dir := newTestServer(t)

	body := interactionBody("m-2", "reject")
	ts := strconv.FormatInt(fixedNow().Unix(), 10)
	if rec := post(s, body, ts, Sign(testSecret, ts, body)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var decision approval.DecisionFile
	data, _ := os.ReadFile(filepath.Join(dir, "m-2.json"))
	if err := json.Unmarshal(data, &decision); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decision.Approved {
		t.Fatalf("reject action must record a rejection")
	}
}

func TestInteractionBadSignatureIs401(t *testing.T) {
	s, dir := newTestServer(t)

	body := interactionBody("m-3", "approve")
	ts := strconv.FormatInt(fixedNow().Unix(), 10)
	rec := post(s, body, ts, "v0=deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(dir, "m-3.json")); !os.IsNotExist(err) {
		t.Fatalf("unauthenticated request must not write a decision")
	}
}

func TestMalformedPayloadIs500(t *testing.T) {
	s, _ := newTestServer(t)

	form := url.Values{}
	form.Set("payload", "{not json")
	body := form.Encode()
	ts := strconv.FormatInt(fixedNow().Unix(), 10)
	rec := post(s, body, ts, Sign(testSecret, ts, body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHealthAndUnknownPath(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health should be 200, got %d", rec.Code)
	}
	var health map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil || health["status"] != "ok" || health["timestamp"] == "" {
		t.Fatalf("health body wrong: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path should be 404, got %d", rec.Code)
	}
}
