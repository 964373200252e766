package ledger

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound reports a missing sync record.
	ErrNotFound = errors.New("sync record not found")
	// ErrConflict reports an insert that lost to an existing record for
	// the same source key.
	ErrConflict = errors.New("sync record already exists")
)

// Direction names the side a comment originated on. Comment ids from the
// two trackers live in separate namespaces, so map keys carry the
// direction as a prefix.
type Direction string

const (
	DirectionJira   Direction = "jira"
	DirectionGitHub Direction = "github"
)

// SyncRecord links one Jira issue to its GitHub mirror. Comments maps
// direction-prefixed comment ids to their counterpart on the other side,
// in both directions.
type SyncRecord struct {
	SourceKey string
	MirrorID  int64
	MirrorURL string
	Title     string
	Comments  map[string]string
	SyncedAt  time.Time
	ExpiresAt *time.Time
}

// CommentFor returns the counterpart id recorded for a comment, if any.
func (r SyncRecord) CommentFor(direction Direction, commentID string) (string, bool) {
	id, ok := r.Comments[commentKey(direction, commentID)]
	return id, ok
}

func commentKey(direction Direction, commentID string) string {
	return string(direction) + ":" + commentID
}

// MirrorIDFromURL derives the mirror issue number from its html URL,
// e.g. https://github.com/acme/widgets/issues/42 yields 42. Records
// written before the mirror_id column existed only carried the URL.
func MirrorIDFromURL(mirrorURL string) int64 {
	trimmed := strings.TrimRight(mirrorURL, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 {
		return 0
	}
	id, err := strconv.ParseInt(trimmed[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Summary aggregates ledger counts for the operational endpoints.
type Summary struct {
	Records      int64
	CommentLinks int64
}
