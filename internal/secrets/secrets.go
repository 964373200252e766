// Package secrets loads API credentials from a JSON file or the
// environment. The file wins when both are present so a mounted secret
// blob can be rotated without restarting with new env vars.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
)

type Secrets struct {
	GitHubToken   string `json:"github_token"`
	JiraAPIToken  string `json:"jira_api_token"`
	JiraEmail     string `json:"jira_email"`
	WebhookSecret string `json:"webhook_secret"`
	AdminToken    string `json:"admin_token"`
}

// Load reads secrets from path when set, then fills any blank field from
// the environment. An empty path is not an error.
func Load(path string) (Secrets, error) {
	var s Secrets
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read secrets file: %w", err)
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse secrets file: %w", err)
		}
	}
	fillFromEnv(&s.GitHubToken, "GITHUB_TOKEN")
	fillFromEnv(&s.JiraAPIToken, "JIRA_API_TOKEN")
	fillFromEnv(&s.JiraEmail, "JIRA_EMAIL")
	fillFromEnv(&s.WebhookSecret, "RELAY_WEBHOOK_SECRET")
	fillFromEnv(&s.AdminToken, "RELAY_ADMIN_TOKEN")
	return s, nil
}

func fillFromEnv(target *string, key string) {
	if *target != "" {
		return
	}
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}
