package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"issuebridge/relay/internal/dedup"
	"issuebridge/relay/internal/ledger"
	"issuebridge/relay/internal/secrets"
)

const testWebhookSecret = "s3cret"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, server *HTTPServer, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

const jiraCreatedPayload = `{
	"webhookEvent": "jira:issue_created",
	"issue": {
		"id": "10001",
		"key": "PROJ-201",
		"fields": {
			"summary": "Login fails on Safari",
			"labels": ["sync-to-github", "bug"],
			"priority": {"name": "High"},
			"reporter": {"displayName": "Dana", "emailAddress": "dana@acme.io"}
		}
	}
}`

func TestJiraWebhookAcceptsSignedPayload(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{WebhookSecret: testWebhookSecret}, nil)

	rr := postWebhook(t, server, "/webhooks/jira", jiraCreatedPayload, map[string]string{
		"X-Hub-Signature-256": signBody(testWebhookSecret, []byte(jiraCreatedPayload)),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["result"] != "created" {
		t.Fatalf("expected created result, got %v", response)
	}
	if response["sourceKey"] != "PROJ-201" {
		t.Fatalf("expected sourceKey PROJ-201, got %v", response["sourceKey"])
	}
}

func TestJiraWebhookRejectsInvalidSignature(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{WebhookSecret: testWebhookSecret}, nil)

	rr := postWebhook(t, server, "/webhooks/jira", jiraCreatedPayload, map[string]string{
		"X-Hub-Signature-256": signBody("wrong-secret", []byte(jiraCreatedPayload)),
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = postWebhook(t, server, "/webhooks/jira", jiraCreatedPayload, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", rr.Code)
	}
}

func TestJiraWebhookAcceptsUnsignedWithoutSecret(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	rr := postWebhook(t, server, "/webhooks/jira", jiraCreatedPayload, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when no secret configured, got %d", rr.Code)
	}
}

func TestJiraWebhookTrustsIdentifiedDelivery(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{WebhookSecret: testWebhookSecret}, nil)

	rr := postWebhook(t, server, "/webhooks/jira", jiraCreatedPayload, map[string]string{
		"X-Atlassian-Webhook-Identifier": "d4c7a5e2",
		"User-Agent":                     "Atlassian Webhook HTTP Client",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for atlassian-identified delivery, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = postWebhook(t, server, "/webhooks/jira", jiraCreatedPayload, map[string]string{
		"X-Atlassian-Webhook-Identifier": "d4c7a5e2",
		"Referer":                        "https://acme.atlassian.net/plugins/webhooks",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for jira-domain referer, got %d", rr.Code)
	}
}

func TestJiraWebhookRejectsSpoofedIdentifier(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{WebhookSecret: testWebhookSecret}, nil)

	rr := postWebhook(t, server, "/webhooks/jira", jiraCreatedPayload, map[string]string{
		"X-Atlassian-Webhook-Identifier": "d4c7a5e2",
		"User-Agent":                     "curl/8.0",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for spoofed identifier, got %d", rr.Code)
	}
}

func TestJiraWebhookMalformedJSON(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	rr := postWebhook(t, server, "/webhooks/jira", "{not json", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", response["code"])
	}
}

func TestJiraWebhookMissingIssue(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	rr := postWebhook(t, server, "/webhooks/jira", `{"webhookEvent": "jira:issue_created"}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestJiraWebhookUnsupportedEvent(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	payload := `{"webhookEvent": "jira:issue_deleted", "issue": {"key": "PROJ-202", "fields": {}}}`
	rr := postWebhook(t, server, "/webhooks/jira", payload, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["result"] != "skipped" || response["reason"] != "unsupported event" {
		t.Fatalf("expected unsupported event skip, got %v", response)
	}
}

const githubCommentPayload = `{
	"action": "created",
	"comment": {
		"id": 556,
		"body": "Fixed in main.",
		"html_url": "https://github.com/acme/widgets/issues/42#issuecomment-556",
		"user": {"login": "octocat"}
	},
	"issue": {
		"number": 42,
		"html_url": "https://github.com/acme/widgets/issues/42"
	}
}`

func mirroredLedger() *fakeLedger {
	return &fakeLedger{
		getByMirrorIDFn: func(_ context.Context, mirrorID int64) (ledger.SyncRecord, error) {
			return ledger.SyncRecord{
				SourceKey: "PROJ-203",
				MirrorID:  mirrorID,
				MirrorURL: "https://github.com/acme/widgets/issues/42",
			}, nil
		},
	}
}

func TestGitHubWebhookRelaysComment(t *testing.T) {
	postCalls := 0
	fj := &fakeJira{
		postCommentFn: func(_ context.Context, issueKey, _ string) (string, error) {
			postCalls++
			if issueKey != "PROJ-203" {
				t.Fatalf("expected comment on PROJ-203, got %q", issueKey)
			}
			return "20002", nil
		},
	}
	svc := newTestService(mirroredLedger(), fj, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{WebhookSecret: testWebhookSecret}, nil)

	rr := postWebhook(t, server, "/webhooks/github", githubCommentPayload, map[string]string{
		"X-GitHub-Event":      "issue_comment",
		"X-Hub-Signature-256": signBody(testWebhookSecret, []byte(githubCommentPayload)),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["result"] != "commented" || response["sourceKey"] != "PROJ-203" {
		t.Fatalf("expected commented on PROJ-203, got %v", response)
	}
	if postCalls != 1 {
		t.Fatalf("expected one PostComment call, got %d", postCalls)
	}
}

func TestGitHubWebhookRejectsUnsigned(t *testing.T) {
	svc := newTestService(mirroredLedger(), &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{WebhookSecret: testWebhookSecret}, nil)

	rr := postWebhook(t, server, "/webhooks/github", githubCommentPayload, map[string]string{
		"X-GitHub-Event": "issue_comment",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestGitHubWebhookLegacySignatureHeader(t *testing.T) {
	svc := newTestService(mirroredLedger(), &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{WebhookSecret: testWebhookSecret}, nil)

	rr := postWebhook(t, server, "/webhooks/github", githubCommentPayload, map[string]string{
		"X-GitHub-Event":  "issue_comment",
		"X-Hub-Signature": signBody(testWebhookSecret, []byte(githubCommentPayload)),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with legacy header, got %d", rr.Code)
	}
}

func TestGitHubWebhookIgnoredAction(t *testing.T) {
	svc := newTestService(mirroredLedger(), &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	payload := strings.Replace(githubCommentPayload, `"action": "created"`, `"action": "edited"`, 1)
	rr := postWebhook(t, server, "/webhooks/github", payload, map[string]string{
		"X-GitHub-Event": "issue_comment",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["result"] != "skipped" || response["reason"] != "ignored action" {
		t.Fatalf("expected ignored action skip, got %v", response)
	}
}

func TestGitHubWebhookIgnoresOtherEvents(t *testing.T) {
	svc := newTestService(mirroredLedger(), &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	rr := postWebhook(t, server, "/webhooks/github", `{"zen": "Keep it simple."}`, map[string]string{
		"X-GitHub-Event": "ping",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["result"] != "skipped" || response["reason"] != "unsupported event" {
		t.Fatalf("expected unsupported event skip, got %v", response)
	}
}

func TestGitHubWebhookMissingComment(t *testing.T) {
	svc := newTestService(mirroredLedger(), &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	rr := postWebhook(t, server, "/webhooks/github", `{"action": "created"}`, map[string]string{
		"X-GitHub-Event": "issue_comment",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	deliveries := dedup.NewRedisStoreWithClient(client, time.Minute)

	postCalls := 0
	fj := &fakeJira{
		postCommentFn: func(context.Context, string, string) (string, error) {
			postCalls++
			return "20003", nil
		},
	}
	svc := newTestService(mirroredLedger(), fj, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, deliveries)

	headers := map[string]string{
		"X-GitHub-Event":    "issue_comment",
		"X-GitHub-Delivery": "72d3162e-cc78-11e3",
	}
	rr := postWebhook(t, server, "/webhooks/github", githubCommentPayload, headers)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if response := decodeResponse(t, rr); response["result"] != "commented" {
		t.Fatalf("expected first delivery to relay, got %v", response)
	}

	rr = postWebhook(t, server, "/webhooks/github", githubCommentPayload, headers)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["result"] != "skipped" || response["reason"] != "duplicate delivery" {
		t.Fatalf("expected duplicate delivery skip, got %v", response)
	}
	if postCalls != 1 {
		t.Fatalf("expected one PostComment call across replays, got %d", postCalls)
	}
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}
}

func TestReadyEndpointDatabaseFailure(t *testing.T) {
	fl := &fakeLedger{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	svc := newTestService(fl, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", response["status"])
	}
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	dbCheck, ok := checks["database"].(map[string]any)
	if !ok {
		t.Fatalf("expected database check, got %v", checks["database"])
	}
	if dbCheck["status"] != "error" || dbCheck["error"] != "connection refused" {
		t.Fatalf("expected error check, got %v", dbCheck)
	}
}

func TestReadyEndpointIncludesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	deliveries := dedup.NewRedisStoreWithClient(client, time.Minute)

	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, deliveries)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	if _, ok := checks["redis"]; !ok {
		t.Fatalf("expected redis check, got %v", checks)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	fl := &fakeLedger{
		summaryFn: func(context.Context) (ledger.Summary, error) {
			return ledger.Summary{Records: 3, CommentLinks: 4}, nil
		},
	}
	svc := newTestService(fl, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{AdminToken: "admin-token"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["records"] != float64(3) {
		t.Fatalf("expected records=3, got %v", response["records"])
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/summary", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when admin token unset, got %d", rr.Code)
	}
}

func TestAdminRecordEndpoints(t *testing.T) {
	fl := &fakeLedger{
		getFn: func(_ context.Context, sourceKey string) (ledger.SyncRecord, error) {
			if sourceKey != "PROJ-204" {
				return ledger.SyncRecord{}, ledger.ErrNotFound
			}
			return ledger.SyncRecord{SourceKey: sourceKey, MirrorID: 42, MirrorURL: "https://github.com/acme/widgets/issues/42"}, nil
		},
		listFn: func(_ context.Context, limit int) ([]ledger.SyncRecord, error) {
			if limit != 2 {
				t.Fatalf("expected limit 2, got %d", limit)
			}
			return []ledger.SyncRecord{{SourceKey: "PROJ-204"}, {SourceKey: "PROJ-205"}}, nil
		},
	}
	svc := newTestService(fl, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{AdminToken: "admin-token"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/records/PROJ-204", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["sourceKey"] != "PROJ-204" || response["mirrorId"] != float64(42) {
		t.Fatalf("expected record payload, got %v", response)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/records/PROJ-999", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown record, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/records?limit=2", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response = decodeResponse(t, rr)
	records, ok := response["records"].([]any)
	if !ok || len(records) != 2 {
		t.Fatalf("expected two records, got %v", response["records"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/records?limit=abc", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad limit, got %d", rr.Code)
	}
}

func TestAdminSearchWithoutBackend(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{AdminToken: "admin-token"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=login", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	results, ok := response["results"].([]any)
	if !ok || len(results) != 0 {
		t.Fatalf("expected empty results, got %v", response["results"])
	}
}

func TestUnknownRoute(t *testing.T) {
	svc := newTestService(&fakeLedger{}, &fakeJira{}, &fakeGitHub{})
	server := NewHTTPServer(svc, secrets.Secrets{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/jira", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for GET on webhook path, got %d", rr.Code)
	}
}
