// Package mirror renders the Markdown bodies the relay posts: mirror
// issue bodies with their Jira metadata block, and relayed comments
// with attribution.
package mirror

import (
	"fmt"
	"strings"
)

// MaxTitleRunes is the longest title GitHub accepts on issue creation.
const MaxTitleRunes = 256

// Fallbacks for fields Jira webhooks may omit.
const (
	DefaultTitle       = "No title provided"
	DefaultDescription = "_No description provided_"
	DefaultPriority    = "Medium"
	DefaultAssignee    = "Unassigned"
)

const detailsHeader = "### Jira Details"

// Meta is the provenance block appended to every mirror issue body.
type Meta struct {
	SourceKey string
	SourceURL string
	Priority  string
	Reporter  string
	Assignee  string
	Sections  []Section
}

// Section is an extra block rendered after the details, e.g. acceptance
// criteria pulled from a custom field.
type Section struct {
	Title string
	Body  string
}

// BuildIssueBody renders a mirror issue body: the description, a
// horizontal rule, then the Jira details block and any extra sections.
func BuildIssueBody(description string, meta Meta) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(description, "\n"))
	b.WriteString("\n\n---\n\n")
	b.WriteString(detailsHeader + "\n")
	fmt.Fprintf(&b, "- **Jira Issue**: [%s](%s)\n", meta.SourceKey, meta.SourceURL)
	fmt.Fprintf(&b, "- **Priority**: %s\n", meta.Priority)
	if meta.Reporter != "" {
		fmt.Fprintf(&b, "- **Reporter**: %s\n", meta.Reporter)
	}
	fmt.Fprintf(&b, "- **Assignee**: %s\n", meta.Assignee)
	for _, section := range meta.Sections {
		b.WriteString("\n### " + section.Title + "\n\n")
		b.WriteString(strings.TrimRight(section.Body, "\n") + "\n")
	}
	return b.String()
}

// SpliceDescription replaces the description part of an existing mirror
// body while keeping the details block and everything after it
// verbatim. The block is located by its header rather than the first
// horizontal rule because descriptions can contain rules of their own.
func SpliceDescription(body, description string) string {
	description = strings.TrimRight(description, "\n")
	idx := strings.Index(body, detailsHeader)
	if idx == -1 {
		return description + "\n"
	}
	head := body[:idx]
	if ruleIdx := strings.LastIndex(head, "\n---\n"); ruleIdx != -1 {
		idx = ruleIdx
	}
	tail := strings.TrimLeft(body[idx:], "\n")
	return description + "\n\n" + tail
}

// BuildCommentBody renders a relayed comment: attribution line, the
// normalized text, then the loop marker.
func BuildCommentBody(author, sourceName, sourceURL, text, marker string) string {
	return fmt.Sprintf("**%s** commented on [%s](%s):\n\n%s\n\n%s\n",
		author, sourceName, sourceURL, strings.TrimSpace(text), marker)
}

// TruncateTitle caps a title at MaxTitleRunes without splitting a rune.
func TruncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= MaxTitleRunes {
		return title
	}
	return string(runes[:MaxTitleRunes])
}
