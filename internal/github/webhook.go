package github

// IssueCommentPayload is the webhook body for issue_comment events.
type IssueCommentPayload struct {
	Action  string         `json:"action"`
	Comment WebhookComment `json:"comment"`
	Issue   WebhookIssue   `json:"issue"`
}

type WebhookComment struct {
	ID      int64       `json:"id"`
	Body    string      `json:"body"`
	HTMLURL string      `json:"html_url"`
	User    WebhookUser `json:"user"`
}

type WebhookIssue struct {
	Number  int64  `json:"number"`
	HTMLURL string `json:"html_url"`
}

type WebhookUser struct {
	Login string `json:"login"`
}
