// Package loopguard embeds and detects the relay marker that breaks
// comment echo loops. Every comment the relay posts carries a marker
// naming its origin; any inbound comment carrying one is a relay echo
// and must not be mirrored back.
package loopguard

import (
	"fmt"
	"regexp"
	"strings"
)

// Origin values recorded in markers.
const (
	OriginJira   = "jira"
	OriginGitHub = "github"
)

// legacyPrefix is the marker older deployments wrote. Comments posted by
// them are still live in both trackers, so detection keeps matching it.
const legacyPrefix = "jira-sync:"

var (
	markerPattern = regexp.MustCompile(`\[//\]: # \(issuebridge: origin=(jira|github) comment_id=([^)\s]+)\)`)
	legacyPattern = regexp.MustCompile(`jira-sync: github_comment_id=([^)\s]+)`)
)

// Marker identifies the relayed comment a body was produced from.
type Marker struct {
	Origin    string
	CommentID string
}

// Render produces the marker line appended to outgoing comment bodies.
// Markdown renderers treat the form as a link reference definition and
// hide it.
func Render(origin, commentID string) string {
	return fmt.Sprintf("[//]: # (issuebridge: origin=%s comment_id=%s)", origin, commentID)
}

// Contains reports whether body carries a relay marker anywhere, in
// either the current or the legacy format. Quoting a relayed comment
// quotes its marker too, so position is not significant.
func Contains(body string) bool {
	return markerPattern.MatchString(body) || strings.Contains(body, legacyPrefix)
}

// Extract returns the first structured marker in body. Legacy markers
// only ever recorded GitHub comment ids. Bodies that merely contain the
// bare legacy prefix match Contains but carry nothing to extract.
func Extract(body string) (Marker, bool) {
	if m := markerPattern.FindStringSubmatch(body); m != nil {
		return Marker{Origin: m[1], CommentID: m[2]}, true
	}
	if m := legacyPattern.FindStringSubmatch(body); m != nil {
		return Marker{Origin: OriginGitHub, CommentID: m[1]}, true
	}
	return Marker{}, false
}
