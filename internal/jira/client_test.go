package jira

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPostComment(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"10042"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bot@example.com", "secret-token", time.Second)
	id, err := client.PostComment(context.Background(), "PROJ-123", "First paragraph.\n\nSecond paragraph.")
	if err != nil {
		t.Fatalf("post comment: %v", err)
	}

	if id != "10042" {
		t.Fatalf("expected comment id 10042, got %q", id)
	}
	if gotPath != "/rest/api/3/issue/PROJ-123/comment" {
		t.Fatalf("expected v3 comment path, got %q", gotPath)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("bot@example.com:secret-token"))
	if gotAuth != wantAuth {
		t.Fatalf("expected basic auth header, got %q", gotAuth)
	}

	doc, ok := gotBody["body"].(map[string]any)
	if !ok {
		t.Fatalf("expected ADF body, got %v", gotBody)
	}
	if doc["type"] != "doc" {
		t.Fatalf("expected doc node, got %v", doc["type"])
	}
	content, _ := doc["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("expected 2 paragraphs, got %d", len(content))
	}
}

func TestPostCommentUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorMessages":["issue does not exist"]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bot@example.com", "secret-token", time.Second)
	_, err := client.PostComment(context.Background(), "PROJ-404", "hello")
	if err == nil {
		t.Fatal("expected error on non-201 response")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestDownloadAttachment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("expected basic auth on attachment download")
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bot@example.com", "secret-token", time.Second)
	data, contentType, err := client.DownloadAttachment(context.Background(), server.URL+"/attachment/1")
	if err != nil {
		t.Fatalf("download attachment: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Fatalf("expected attachment bytes, got %q", data)
	}
	if contentType != "image/png" {
		t.Fatalf("expected content type image/png, got %q", contentType)
	}
}

func TestBrowseURL(t *testing.T) {
	client := NewClient("https://acme.atlassian.net/", "bot@example.com", "tok", time.Second)
	if got := client.BrowseURL("PROJ-9"); got != "https://acme.atlassian.net/browse/PROJ-9" {
		t.Fatalf("expected browse url, got %q", got)
	}
}

func TestFieldsUnmarshalKeepsCustomFields(t *testing.T) {
	raw := `{
		"summary": "Login broken",
		"labels": ["bug"],
		"priority": {"name": "High"},
		"customfield_10050": "- must log in",
		"customfield_10051": {"type": "doc", "content": []}
	}`
	var f Fields
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("unmarshal fields: %v", err)
	}
	if f.Summary != "Login broken" {
		t.Fatalf("expected summary, got %q", f.Summary)
	}
	if f.Priority == nil || f.Priority.Name != "High" {
		t.Fatalf("expected priority High, got %+v", f.Priority)
	}
	if len(f.Custom) != 2 {
		t.Fatalf("expected 2 custom fields, got %d", len(f.Custom))
	}
	if _, ok := f.Custom["customfield_10050"]; !ok {
		t.Fatal("expected customfield_10050 captured")
	}
}
