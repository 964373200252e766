// Package jira holds the Jira REST client and the webhook payload
// shapes the relay consumes.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the Jira Cloud REST API v3 with basic auth.
type Client struct {
	hc      *http.Client
	baseURL string
	email   string
	token   string
}

func NewClient(baseURL, email, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		hc:      &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		token:   token,
	}
}

// BrowseURL returns the human-facing URL for an issue key.
func (c *Client) BrowseURL(issueKey string) string {
	return c.baseURL + "/browse/" + issueKey
}

// PostComment adds a Markdown comment to an issue and returns the new
// comment's id. The API requires the body as an ADF document, so the
// text is wrapped paragraph by paragraph.
func (c *Client) PostComment(ctx context.Context, issueKey, text string) (string, error) {
	payload := map[string]any{"body": adfDocument(text)}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal comment: %w", err)
	}

	url := c.baseURL + "/rest/api/3/issue/" + issueKey + "/comment"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build comment request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("post comment to %s: %w", issueKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("post comment to %s: status %d: %s", issueKey, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode comment response: %w", err)
	}
	return created.ID, nil
}

// DownloadAttachment fetches attachment content from the URL a webhook
// supplied. The caller bounds the size.
func (c *Client) DownloadAttachment(ctx context.Context, contentURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build attachment request: %w", err)
	}
	req.SetBasicAuth(c.email, c.token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download attachment: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// adfDocument wraps plain text in the minimal ADF tree the comment API
// accepts, one paragraph per blank-line-separated block.
func adfDocument(text string) map[string]any {
	var content []any
	for _, para := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(para) == "" {
			continue
		}
		content = append(content, map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": para}},
		})
	}
	if len(content) == 0 {
		content = append(content, map[string]any{"type": "paragraph"})
	}
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": content,
	}
}
