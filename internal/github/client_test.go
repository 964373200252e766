package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(server *httptest.Server) *Client {
	return NewClient(server.URL, "acme", "widgets", "ghp_testtoken", time.Second)
}

func TestCreateIssue(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 1, "number": 42, "html_url": "https://github.com/acme/widgets/issues/42"}`))
	}))
	defer server.Close()

	issue, err := newTestClient(server).CreateIssue(context.Background(),
		"Login button unresponsive", "body text", []string{"type:bug"}, []string{"devlogin"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	if issue.Number != 42 {
		t.Fatalf("expected issue number 42, got %d", issue.Number)
	}
	if issue.HTMLURL != "https://github.com/acme/widgets/issues/42" {
		t.Fatalf("expected html url, got %q", issue.HTMLURL)
	}
	if gotPath != "/repos/acme/widgets/issues" {
		t.Fatalf("expected issues path, got %q", gotPath)
	}
	if gotAuth != "token ghp_testtoken" {
		t.Fatalf("expected token auth, got %q", gotAuth)
	}
	if gotAccept != "application/vnd.github.v3+json" {
		t.Fatalf("expected v3 accept header, got %q", gotAccept)
	}
	if gotPayload["title"] != "Login button unresponsive" {
		t.Fatalf("expected title in payload, got %v", gotPayload["title"])
	}
	assignees, _ := gotPayload["assignees"].([]any)
	if len(assignees) != 1 || assignees[0] != "devlogin" {
		t.Fatalf("expected assignees [devlogin], got %v", gotPayload["assignees"])
	}
}

func TestCreateIssueUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "rate limited"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).CreateIssue(context.Background(), "t", "b", nil, nil)
	if err == nil {
		t.Fatal("expected error on non-201 response")
	}
	if !strings.Contains(err.Error(), "status 403") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestCreateComment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/issues/42/comments" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 987654}`))
	}))
	defer server.Close()

	id, err := newTestClient(server).CreateComment(context.Background(), 42, "relayed text")
	if err != nil {
		t.Fatalf("create comment: %v", err)
	}
	if id != 987654 {
		t.Fatalf("expected comment id 987654, got %d", id)
	}
}

func TestGetIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte(`{"number": 42, "title": "Mirror", "body": "desc\n\n---\n\n### Jira Details\n"}`))
	}))
	defer server.Close()

	issue, err := newTestClient(server).GetIssue(context.Background(), 42)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if !strings.Contains(issue.Body, "### Jira Details") {
		t.Fatalf("expected body round-trip, got %q", issue.Body)
	}
}

func TestUpdateIssueBody(t *testing.T) {
	var gotMethod string
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.Write([]byte(`{"number": 42}`))
	}))
	defer server.Close()

	if err := newTestClient(server).UpdateIssueBody(context.Background(), 42, "new body"); err != nil {
		t.Fatalf("update issue body: %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Fatalf("expected PATCH, got %s", gotMethod)
	}
	if gotPayload["body"] != "new body" {
		t.Fatalf("expected body payload, got %v", gotPayload)
	}
}

func TestCheckAssignee(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widgets/assignees/devlogin":
			w.WriteHeader(http.StatusNoContent)
		case "/repos/acme/widgets/assignees/stranger":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := newTestClient(server)
	ok, err := client.CheckAssignee(context.Background(), "devlogin")
	if err != nil {
		t.Fatalf("check devlogin: %v", err)
	}
	if !ok {
		t.Fatal("expected devlogin assignable")
	}

	ok, err = client.CheckAssignee(context.Background(), "stranger")
	if err != nil {
		t.Fatalf("check stranger: %v", err)
	}
	if ok {
		t.Fatal("expected stranger not assignable")
	}

	if _, err := client.CheckAssignee(context.Background(), "boom"); err == nil {
		t.Fatal("expected error on unexpected status")
	}
}
