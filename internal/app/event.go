package app

import (
	"encoding/json"
	"strconv"

	"issuebridge/relay/internal/github"
	"issuebridge/relay/internal/jira"
)

type EventKind string

const (
	EventIssueCreated  EventKind = "issue_created"
	EventIssueUpdated  EventKind = "issue_updated"
	EventJiraComment   EventKind = "jira_comment"
	EventGitHubComment EventKind = "github_comment"
)

type Person struct {
	Name  string
	Email string
}

type AttachmentRef struct {
	ID         string
	Filename   string
	ContentURL string
}

type CommentData struct {
	ID     string
	Body   any
	Author string
}

// Event is the provider-neutral shape both webhook endpoints reduce to
// before the service sees them. Description and comment bodies stay
// loosely typed: Jira sends ADF trees or legacy wiki strings, GitHub
// sends Markdown strings, and the normalizer accepts all of them.
type Event struct {
	Kind        EventKind
	SourceKey   string
	Title       string
	Description any
	Labels      []string
	Priority    string
	Reporter    Person
	Assignee    Person
	Attachments []AttachmentRef
	Extended    map[string]any
	Changes     []string
	Comment     *CommentData

	// Mirror-side coordinates, set for GitHub events only.
	MirrorNumber int64
	MirrorURL    string
	CommentURL   string
}

// jiraEvent maps a Jira webhook payload onto the event model. fieldRoles
// maps customfield IDs to section roles such as "acceptance_criteria".
// Returns false for event types the relay does not handle.
func jiraEvent(p jira.WebhookPayload, fieldRoles map[string]string) (Event, bool) {
	if p.Issue == nil || p.Issue.Key == "" {
		return Event{}, false
	}
	var kind EventKind
	switch p.WebhookEvent {
	case "jira:issue_created":
		kind = EventIssueCreated
	case "jira:issue_updated":
		kind = EventIssueUpdated
	case "comment_created":
		kind = EventJiraComment
	default:
		return Event{}, false
	}

	fields := p.Issue.Fields
	ev := Event{
		Kind:        kind,
		SourceKey:   p.Issue.Key,
		Title:       fields.Summary,
		Description: decodeDoc(fields.Description),
		Labels:      fields.Labels,
	}
	if fields.Priority != nil {
		ev.Priority = fields.Priority.Name
	}
	if fields.Reporter != nil {
		ev.Reporter = Person{Name: fields.Reporter.DisplayName, Email: fields.Reporter.EmailAddress}
	}
	if fields.Assignee != nil {
		ev.Assignee = Person{Name: fields.Assignee.DisplayName, Email: fields.Assignee.EmailAddress}
	}
	for _, att := range fields.Attachments {
		ev.Attachments = append(ev.Attachments, AttachmentRef{
			ID:         att.ID,
			Filename:   att.Filename,
			ContentURL: att.Content,
		})
	}
	for fieldKey, role := range fieldRoles {
		raw, ok := fields.Custom[fieldKey]
		if !ok {
			continue
		}
		doc := decodeDoc(raw)
		if doc == nil {
			continue
		}
		if ev.Extended == nil {
			ev.Extended = map[string]any{}
		}
		ev.Extended[role] = doc
	}
	if p.Changelog != nil {
		for _, item := range p.Changelog.Items {
			// Jira names a change twice, by display name and field ID;
			// keep both so either spelling can be tracked.
			if item.Field != "" {
				ev.Changes = append(ev.Changes, item.Field)
			}
			if item.FieldID != "" && item.FieldID != item.Field {
				ev.Changes = append(ev.Changes, item.FieldID)
			}
		}
	}
	if kind == EventJiraComment {
		if p.Comment == nil {
			return Event{}, false
		}
		comment := &CommentData{ID: p.Comment.ID, Body: decodeDoc(p.Comment.Body)}
		if p.Comment.Author != nil {
			comment.Author = p.Comment.Author.DisplayName
		}
		ev.Comment = comment
	}
	return ev, true
}

// githubCommentEvent maps an issue_comment payload onto the event model.
// Callers gate on action and required fields first.
func githubCommentEvent(p github.IssueCommentPayload) Event {
	return Event{
		Kind:         EventGitHubComment,
		MirrorNumber: p.Issue.Number,
		MirrorURL:    p.Issue.HTMLURL,
		CommentURL:   p.Comment.HTMLURL,
		Comment: &CommentData{
			ID:     strconv.FormatInt(p.Comment.ID, 10),
			Body:   p.Comment.Body,
			Author: p.Comment.User.Login,
		},
	}
}

// decodeDoc turns a raw description or comment body into either a plain
// string or a decoded ADF tree. Anything else is treated as absent.
func decodeDoc(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc
	}
	return nil
}
