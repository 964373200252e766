// Package github holds the GitHub REST client and the webhook payload
// shapes the relay consumes.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client calls the GitHub REST API v3 for one repository.
type Client struct {
	hc     *http.Client
	apiURL string
	owner  string
	repo   string
	token  string
}

// NewClient builds a client for owner/repo. An empty apiURL targets
// api.github.com; tests point it at a local server.
func NewClient(apiURL, owner, repo, token string, timeout time.Duration) *Client {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		hc:     &http.Client{Timeout: timeout},
		apiURL: strings.TrimRight(apiURL, "/"),
		owner:  owner,
		repo:   repo,
		token:  token,
	}
}

// Issue is the slice of the API issue object the relay uses.
type Issue struct {
	ID      int64  `json:"id"`
	Number  int64  `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// CreateIssue opens a mirror issue and returns it.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels, assignees []string) (Issue, error) {
	payload := map[string]any{
		"title":  title,
		"body":   body,
		"labels": labels,
	}
	if len(assignees) > 0 {
		payload["assignees"] = assignees
	}

	var issue Issue
	if err := c.do(ctx, http.MethodPost, c.repoPath("issues"), payload, http.StatusCreated, &issue); err != nil {
		return Issue{}, fmt.Errorf("create issue: %w", err)
	}
	return issue, nil
}

// GetIssue fetches an issue by number.
func (c *Client) GetIssue(ctx context.Context, number int64) (Issue, error) {
	var issue Issue
	path := c.repoPath("issues/" + strconv.FormatInt(number, 10))
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &issue); err != nil {
		return Issue{}, fmt.Errorf("get issue %d: %w", number, err)
	}
	return issue, nil
}

// UpdateIssueBody overwrites an issue's body.
func (c *Client) UpdateIssueBody(ctx context.Context, number int64, body string) error {
	path := c.repoPath("issues/" + strconv.FormatInt(number, 10))
	payload := map[string]any{"body": body}
	if err := c.do(ctx, http.MethodPatch, path, payload, http.StatusOK, nil); err != nil {
		return fmt.Errorf("update issue %d: %w", number, err)
	}
	return nil
}

// CreateComment posts a comment on an issue and returns its id.
func (c *Client) CreateComment(ctx context.Context, number int64, body string) (int64, error) {
	var created struct {
		ID int64 `json:"id"`
	}
	path := c.repoPath("issues/" + strconv.FormatInt(number, 10) + "/comments")
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"body": body}, http.StatusCreated, &created); err != nil {
		return 0, fmt.Errorf("create comment on issue %d: %w", number, err)
	}
	return created.ID, nil
}

// CheckAssignee reports whether a login may be assigned issues in the
// repository. The API answers 204 for assignable and 404 for not.
func (c *Client) CheckAssignee(ctx context.Context, login string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.repoPath("assignees/"+login), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("check assignee %s: %w", login, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("check assignee %s: status %d", login, resp.StatusCode)
	}
}

func (c *Client) repoPath(suffix string) string {
	return "/repos/" + c.owner + "/" + c.repo + "/" + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, wantStatus int, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
