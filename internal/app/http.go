package app

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"issuebridge/relay/internal/dedup"
	"issuebridge/relay/internal/github"
	"issuebridge/relay/internal/jira"
	"issuebridge/relay/internal/ledger"
	"issuebridge/relay/internal/search"
	"issuebridge/relay/internal/secrets"
)

// maxWebhookBody caps how much of a webhook request is read. Jira
// payloads with large ADF trees stay well under this.
const maxWebhookBody = 10 << 20

// deliveryGuard drops webhook deliveries already seen inside the dedup
// window. Optional; the ledger still dedupes at the data layer.
type deliveryGuard interface {
	Seen(ctx context.Context, deliveryID string) (bool, error)
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	service       *Service
	webhookSecret string
	adminToken    string
	jiraDomain    string
	deliveries    deliveryGuard
}

func NewHTTPServer(service *Service, sec secrets.Secrets, deliveries *dedup.RedisStore) *HTTPServer {
	s := &HTTPServer{
		service:       service,
		webhookSecret: sec.WebhookSecret,
		adminToken:    sec.AdminToken,
		jiraDomain:    hostOf(service.cfg.JiraBaseURL),
	}
	if deliveries != nil {
		s.deliveries = deliveries
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/webhooks/jira" {
		s.handleJiraWebhook(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/webhooks/github" {
		s.handleGitHubWebhook(w, r)
		return
	}
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/") {
		s.handleAdmin(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	healthy := true

	if err := s.service.Ping(r.Context()); err != nil {
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		healthy = false
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}
	if s.deliveries != nil {
		if err := s.deliveries.Ping(r.Context()); err != nil {
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
			healthy = false
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}

	status := http.StatusOK
	statusText := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "not_ready"
	}
	writeJSON(w, status, map[string]any{"ok": healthy, "status": statusText, "checks": checks})
}

func (s *HTTPServer) handleJiraWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}
	defer r.Body.Close()

	// Jira Cloud signs nothing but stamps every delivery; requests
	// carrying the identifier are checked against source heuristics,
	// everything else needs the shared-secret signature.
	deliveryID := r.Header.Get("X-Atlassian-Webhook-Identifier")
	if deliveryID != "" {
		if !trustedJiraRequest(r, s.jiraDomain) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unrecognized webhook source", nil)
			return
		}
	} else if err := s.verifySignature(r, body); err != nil {
		log.Printf("relay: jira webhook rejected: %v", err)
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid signature", nil)
		return
	}

	if s.isDuplicateDelivery(r.Context(), deliveryID) {
		writeJSON(w, http.StatusOK, skippedOutcome("duplicate delivery", ""))
		return
	}

	var payload jira.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	if payload.Issue == nil || payload.Issue.Key == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "missing issue", nil)
		return
	}
	if payload.WebhookEvent == "comment_created" && payload.Comment == nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "missing comment", nil)
		return
	}

	ev, ok := jiraEvent(payload, s.service.fieldRoles)
	if !ok {
		writeJSON(w, http.StatusOK, skippedOutcome("unsupported event", payload.Issue.Key))
		return
	}
	outcome, err := s.service.Handle(r.Context(), ev)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}
	defer r.Body.Close()

	if err := s.verifySignature(r, body); err != nil {
		log.Printf("relay: github webhook rejected: %v", err)
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid signature", nil)
		return
	}
	if event := r.Header.Get("X-GitHub-Event"); event != "" && event != "issue_comment" {
		writeJSON(w, http.StatusOK, skippedOutcome("unsupported event", ""))
		return
	}
	if s.isDuplicateDelivery(r.Context(), r.Header.Get("X-GitHub-Delivery")) {
		writeJSON(w, http.StatusOK, skippedOutcome("duplicate delivery", ""))
		return
	}

	var payload github.IssueCommentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	if payload.Action != "created" {
		writeJSON(w, http.StatusOK, skippedOutcome("ignored action", ""))
		return
	}
	if payload.Comment.ID == 0 || payload.Issue.Number == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "missing comment or issue", nil)
		return
	}

	outcome, err := s.service.Handle(r.Context(), githubCommentEvent(payload))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	parts := splitPath(r.URL.Path)
	switch {
	case r.URL.Path == "/api/summary":
		payload, err := s.service.Summary(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case r.URL.Path == "/api/records":
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		records, err := s.service.Records(r.Context(), limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "records":
		payload, err := s.service.Record(r.Context(), parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case r.URL.Path == "/api/search":
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.SearchRecords(search.Query{
			Text:   r.URL.Query().Get("q"),
			Limit:  limit,
			Offset: offset,
		}))
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) authorizeAdmin(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

// verifySignature checks the HMAC-SHA256 webhook signature. An empty
// configured secret accepts everything, which keeps local setups
// working but is logged loudly.
func (s *HTTPServer) verifySignature(r *http.Request, body []byte) error {
	if s.webhookSecret == "" {
		log.Printf("relay: no webhook secret configured, accepting unsigned request to %s", r.URL.Path)
		return nil
	}
	header := r.Header.Get("X-Hub-Signature-256")
	if header == "" {
		header = r.Header.Get("X-Hub-Signature")
	}
	if header == "" {
		return errors.New("missing signature header")
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), expected) != 1 {
		return errors.New("signature mismatch")
	}
	return nil
}

// trustedJiraRequest applies source heuristics for identifier-stamped
// deliveries: the Jira host in any of the origin headers, or an
// Atlassian user agent.
func trustedJiraRequest(r *http.Request, jiraDomain string) bool {
	userAgent := strings.ToLower(r.Header.Get("User-Agent"))
	if strings.Contains(userAgent, "atlassian") {
		return true
	}
	if jiraDomain == "" {
		return false
	}
	domain := strings.ToLower(jiraDomain)
	for _, value := range []string{
		userAgent,
		strings.ToLower(r.Header.Get("Referer")),
		strings.ToLower(r.Header.Get("Origin")),
	} {
		if value != "" && strings.Contains(value, domain) {
			return true
		}
	}
	return false
}

func (s *HTTPServer) isDuplicateDelivery(ctx context.Context, deliveryID string) bool {
	if s.deliveries == nil || deliveryID == "" {
		return false
	}
	seen, err := s.deliveries.Seen(ctx, deliveryID)
	if err != nil {
		// Dedup is advisory; the ledger still catches replays.
		log.Printf("relay: delivery dedup check: %v", err)
		return false
	}
	return seen
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	}
	return u.Host
}
