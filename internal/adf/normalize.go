// Package adf converts Atlassian Document Format trees and legacy wiki
// markup into GitHub-flavored Markdown. Normalization is total: unknown
// node types fold into their children and malformed input degrades to a
// readable string, never an error. Jira extends ADF between API
// versions, so dropping unrecognized wrappers quietly is the safe
// default.
package adf

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Resolver supplies the lookups that need context from outside the
// document: identity mapping for mentions and relocated URLs for
// attachment references. A miss keeps the original reference readable.
type Resolver interface {
	Mention(id string) (string, bool)
	Attachment(ref string) (string, bool)
}

// ResolverFuncs adapts plain functions to Resolver. Nil functions miss.
type ResolverFuncs struct {
	MentionFn    func(id string) (string, bool)
	AttachmentFn func(ref string) (string, bool)
}

func (r ResolverFuncs) Mention(id string) (string, bool) {
	if r.MentionFn == nil {
		return "", false
	}
	return r.MentionFn(id)
}

func (r ResolverFuncs) Attachment(ref string) (string, bool) {
	if r.AttachmentFn == nil {
		return "", false
	}
	return r.AttachmentFn(ref)
}

// Normalize renders a Jira body to Markdown. The input is whatever the
// webhook carried: an ADF tree decoded to map[string]any, a raw JSON
// message, or a plain string in legacy wiki markup. A nil resolver
// resolves nothing.
func Normalize(doc any, res Resolver) string {
	if res == nil {
		res = ResolverFuncs{}
	}
	r := renderer{res: res}
	switch v := doc.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(r.wiki(v))
	case json.RawMessage:
		return normalizeRaw(v, res)
	case []byte:
		return normalizeRaw(v, res)
	case map[string]any:
		return strings.TrimSpace(r.node(v))
	default:
		return ""
	}
}

func normalizeRaw(raw []byte, res Resolver) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Normalize(s, res)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return Normalize(m, res)
	}
	return ""
}

type renderer struct {
	res Resolver
}

// node recursively renders one ADF node.
func (r renderer) node(node map[string]any) string {
	nodeType, _ := node["type"].(string)
	if nodeType == "" {
		return ""
	}

	switch nodeType {
	case "doc":
		return r.content(node["content"])
	case "paragraph":
		content := r.content(node["content"])
		if strings.TrimSpace(content) == "" {
			return ""
		}
		return content + "\n\n"
	case "heading":
		level := 1
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if lvl, ok := attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
				level = int(lvl)
			}
		}
		return strings.Repeat("#", level) + " " + r.content(node["content"]) + "\n\n"
	case "bulletList":
		return r.list(node["content"], func(int) string { return "- " })
	case "orderedList":
		return r.list(node["content"], func(i int) string { return strconv.Itoa(i+1) + ". " })
	case "listItem":
		return strings.TrimSpace(r.content(node["content"]))
	case "blockquote":
		content := strings.TrimSpace(r.content(node["content"]))
		var b strings.Builder
		for _, line := range strings.Split(content, "\n") {
			b.WriteString("> " + line + "\n")
		}
		return b.String() + "\n"
	case "codeBlock":
		lang := ""
		if attrs, ok := node["attrs"].(map[string]any); ok {
			lang, _ = attrs["language"].(string)
		}
		return "```" + lang + "\n" + r.content(node["content"]) + "\n```\n\n"
	case "rule":
		return "---\n\n"
	case "hardBreak":
		return "\n"
	case "text":
		text, _ := node["text"].(string)
		marks, _ := node["marks"].([]any)
		return renderTextWithMarks(text, marks)
	case "mention":
		return r.mention(node)
	case "emoji":
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if text, ok := attrs["text"].(string); ok && text != "" {
				return text
			}
			if short, ok := attrs["shortName"].(string); ok {
				return short
			}
		}
		return ""
	case "inlineCard":
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if url, ok := attrs["url"].(string); ok {
				return url
			}
		}
		return ""
	case "mediaSingle", "mediaGroup":
		content := strings.TrimSpace(r.content(node["content"]))
		if content == "" {
			return ""
		}
		return content + "\n\n"
	case "media":
		return r.media(node)
	case "table":
		return r.table(node["content"])
	case "tableRow", "tableCell", "tableHeader":
		return r.content(node["content"])
	default:
		// Unknown node type - fold into its children.
		return r.content(node["content"])
	}
}

// content renders a slice of child nodes.
func (r renderer) content(content any) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		if node, ok := item.(map[string]any); ok {
			b.WriteString(r.node(node))
		}
	}
	return b.String()
}

func (r renderer) list(content any, prefix func(int) string) string {
	items, ok := content.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for i, item := range items {
		node, ok := item.(map[string]any)
		if !ok {
			continue
		}
		b.WriteString(prefix(i) + r.node(node) + "\n")
	}
	return b.String() + "\n"
}

func (r renderer) mention(node map[string]any) string {
	attrs, _ := node["attrs"].(map[string]any)
	if attrs == nil {
		return ""
	}
	if id, ok := attrs["id"].(string); ok {
		if login, ok := r.res.Mention(id); ok {
			return "@" + login
		}
	}
	// Unmapped mention: keep the display text Jira embedded.
	if text, ok := attrs["text"].(string); ok && text != "" {
		if strings.HasPrefix(text, "@") {
			return text
		}
		return "@" + text
	}
	if id, ok := attrs["id"].(string); ok {
		return "@" + id
	}
	return ""
}

func (r renderer) media(node map[string]any) string {
	attrs, _ := node["attrs"].(map[string]any)
	if attrs == nil {
		return ""
	}
	ref, _ := attrs["alt"].(string)
	if ref == "" {
		ref, _ = attrs["id"].(string)
	}
	if ref == "" {
		return ""
	}
	if url, ok := r.res.Attachment(ref); ok {
		return fmt.Sprintf("![%s](%s)", ref, url)
	}
	return fmt.Sprintf("[attachment: %s]", ref)
}

// table renders rows as pipe-delimited lines with a separator after the
// first row, which Jira always emits as the header row.
func (r renderer) table(content any) string {
	rows, ok := content.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for i, row := range rows {
		rowNode, ok := row.(map[string]any)
		if !ok {
			continue
		}
		cells, _ := rowNode["content"].([]any)
		var rendered []string
		for _, cell := range cells {
			cellNode, ok := cell.(map[string]any)
			if !ok {
				continue
			}
			rendered = append(rendered, strings.TrimSpace(r.node(cellNode)))
		}
		if len(rendered) == 0 {
			continue
		}
		b.WriteString("| " + strings.Join(rendered, " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", len(rendered)) + "\n")
		}
	}
	return b.String() + "\n"
}

// renderTextWithMarks applies formatting marks from the inside out.
func renderTextWithMarks(text string, marks []any) string {
	if text == "" {
		return ""
	}
	if len(marks) == 0 {
		return text
	}

	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType, _ := mark["type"].(string)

		switch markType {
		case "strong":
			text = "**" + text + "**"
		case "em":
			text = "*" + text + "*"
		case "code":
			text = "`" + text + "`"
		case "strike":
			text = "~~" + text + "~~"
		case "link":
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				if hrefVal, ok := attrs["href"].(string); ok {
					href = hrefVal
				}
			}
			text = fmt.Sprintf("[%s](%s)", text, href)
		}
	}
	return text
}

// Legacy wiki markup: old Jira instances and API v2 webhooks deliver
// plain strings with [~user] mentions and !file.png! image references.
var (
	wikiAccountMention = regexp.MustCompile(`\[~accountid:([^\]]+)\]`)
	wikiUserMention    = regexp.MustCompile(`\[~([^\]:]+)\]`)
	wikiImage          = regexp.MustCompile(`!([\w][\w .()-]*\.[A-Za-z0-9]{1,5})(\|[^!\n]*)?!`)
)

func (r renderer) wiki(s string) string {
	s = wikiAccountMention.ReplaceAllStringFunc(s, func(match string) string {
		id := wikiAccountMention.FindStringSubmatch(match)[1]
		if login, ok := r.res.Mention(id); ok {
			return "@" + login
		}
		return "@" + id
	})
	s = wikiUserMention.ReplaceAllStringFunc(s, func(match string) string {
		name := wikiUserMention.FindStringSubmatch(match)[1]
		if login, ok := r.res.Mention(name); ok {
			return "@" + login
		}
		return "@" + name
	})
	s = wikiImage.ReplaceAllStringFunc(s, func(match string) string {
		name := wikiImage.FindStringSubmatch(match)[1]
		if url, ok := r.res.Attachment(name); ok {
			return fmt.Sprintf("![%s](%s)", name, url)
		}
		return fmt.Sprintf("[attachment: %s]", name)
	})
	return s
}
