package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"issuebridge/relay/internal/adf"
	"issuebridge/relay/internal/attach"
	"issuebridge/relay/internal/config"
	"issuebridge/relay/internal/github"
	"issuebridge/relay/internal/identity"
	"issuebridge/relay/internal/jira"
	"issuebridge/relay/internal/labels"
	"issuebridge/relay/internal/ledger"
	"issuebridge/relay/internal/loopguard"
	"issuebridge/relay/internal/mirror"
	"issuebridge/relay/internal/search"
)

// syncLedger is the slice of the ledger the service needs.
type syncLedger interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, rec ledger.SyncRecord) error
	Exists(ctx context.Context, sourceKey string) (bool, error)
	Get(ctx context.Context, sourceKey string) (ledger.SyncRecord, error)
	GetByMirrorID(ctx context.Context, mirrorID int64) (ledger.SyncRecord, error)
	AddCommentMapping(ctx context.Context, sourceKey, jiraCommentID, githubCommentID string) error
	IsCommentSynced(ctx context.Context, sourceKey, commentID string, direction ledger.Direction) (bool, error)
	List(ctx context.Context, limit int) ([]ledger.SyncRecord, error)
	Summary(ctx context.Context) (ledger.Summary, error)
}

type jiraAPI interface {
	PostComment(ctx context.Context, issueKey, text string) (string, error)
}

type githubAPI interface {
	CreateIssue(ctx context.Context, title, body string, labels, assignees []string) (github.Issue, error)
	GetIssue(ctx context.Context, number int64) (github.Issue, error)
	UpdateIssueBody(ctx context.Context, number int64, body string) error
	CreateComment(ctx context.Context, number int64, body string) (int64, error)
}

type attachmentStore interface {
	Resolve(ctx context.Context, objectName, contentURL string) (string, bool)
}

// Service applies relay semantics to incoming events: mirror creation,
// description sync, and comment relay in both directions.
type Service struct {
	cfg        config.Config
	fieldRoles map[string]string
	tracked    map[string]bool

	ledger   syncLedger
	jira     jiraAPI
	github   githubAPI
	attach   attachmentStore
	identity *identity.Mapper
	labels   *labels.Mapper
	search   *search.Service
}

func New(cfg config.Config, mappings config.Mappings, store *ledger.PostgresLedger, jiraClient *jira.Client, githubClient *github.Client, attachments *attach.Relocator, searchService *search.Service) *Service {
	users := map[string]string{}
	for k, v := range mappings.Users {
		users[k] = v
	}
	// Environment pairs override file entries.
	for k, v := range cfg.UserMapping {
		users[k] = v
	}
	fieldRoles := map[string]string{}
	for k, v := range mappings.FieldRoles {
		fieldRoles[k] = v
	}
	if cfg.AcceptanceField != "" {
		fieldRoles[cfg.AcceptanceField] = "acceptance_criteria"
	}
	tracked := map[string]bool{}
	for _, field := range cfg.TrackedFields {
		tracked[strings.ToLower(strings.TrimSpace(field))] = true
	}

	var verifier identity.Verifier
	if githubClient != nil {
		verifier = githubClient
	}
	s := &Service{
		cfg:        cfg,
		fieldRoles: fieldRoles,
		tracked:    tracked,
		identity:   identity.NewMapper(users, verifier),
		labels:     labels.NewMapper(cfg.TriggerLabel, mappings.Labels),
		search:     searchService,
	}
	if store != nil {
		s.ledger = store
	}
	if jiraClient != nil {
		s.jira = jiraClient
	}
	if githubClient != nil {
		s.github = githubClient
	}
	if attachments != nil {
		s.attach = attachments
	}
	return s
}

// Outcome is the body returned to webhook callers. Result is one of
// created, updated, commented or skipped; skips carry a reason.
type Outcome struct {
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
	SourceKey string `json:"sourceKey,omitempty"`
	MirrorURL string `json:"mirrorUrl,omitempty"`
	CommentID string `json:"commentId,omitempty"`
}

const (
	ResultCreated   = "created"
	ResultUpdated   = "updated"
	ResultCommented = "commented"
	ResultSkipped   = "skipped"
)

func skippedOutcome(reason, sourceKey string) Outcome {
	return Outcome{Result: ResultSkipped, Reason: reason, SourceKey: sourceKey}
}

func (s *Service) Handle(ctx context.Context, ev Event) (Outcome, error) {
	switch ev.Kind {
	case EventIssueCreated:
		return s.handleIssueCreated(ctx, ev)
	case EventIssueUpdated:
		return s.handleIssueUpdated(ctx, ev)
	case EventJiraComment:
		return s.handleJiraComment(ctx, ev)
	case EventGitHubComment:
		return s.handleGitHubComment(ctx, ev)
	default:
		return skippedOutcome("unsupported event", ev.SourceKey), nil
	}
}

func (s *Service) handleIssueCreated(ctx context.Context, ev Event) (Outcome, error) {
	if !hasLabel(ev.Labels, s.cfg.TriggerLabel) {
		return skippedOutcome("label missing", ev.SourceKey), nil
	}
	exists, err := s.ledger.Exists(ctx, ev.SourceKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("check sync record %s: %w", ev.SourceKey, err)
	}
	if exists {
		return skippedOutcome("already synced", ev.SourceKey), nil
	}

	description := adf.Normalize(ev.Description, s.resolver(ctx, ev))
	if description == "" {
		description = mirror.DefaultDescription
	}
	title := mirror.TruncateTitle(firstNonBlank(strings.TrimSpace(ev.Title), mirror.DefaultTitle))
	body := mirror.BuildIssueBody(description, mirror.Meta{
		SourceKey: ev.SourceKey,
		SourceURL: s.browseURL(ev.SourceKey),
		Priority:  firstNonBlank(ev.Priority, mirror.DefaultPriority),
		Reporter:  ev.Reporter.Name,
		Assignee:  firstNonBlank(ev.Assignee.Name, mirror.DefaultAssignee),
		Sections:  s.sections(ctx, ev),
	})

	var assignees []string
	if s.cfg.SyncAssignee && ev.Assignee.Email != "" {
		if login, ok := s.identity.ResolveVerified(ctx, ev.Assignee.Email); ok {
			assignees = append(assignees, login)
		}
	}

	issue, err := s.github.CreateIssue(ctx, title, body, s.labels.Map(ev.Labels), assignees)
	if err != nil {
		log.Printf("relay: create mirror for %s: %v", ev.SourceKey, err)
		return Outcome{}, domainError(http.StatusBadGateway, "UPSTREAM_FAILED", "Failed to create mirror issue", nil)
	}

	rec := ledger.SyncRecord{
		SourceKey: ev.SourceKey,
		MirrorID:  issue.Number,
		MirrorURL: issue.HTMLURL,
		Title:     title,
	}
	if s.cfg.RetentionDays > 0 {
		expires := time.Now().AddDate(0, 0, s.cfg.RetentionDays)
		rec.ExpiresAt = &expires
	}
	if err := s.ledger.Create(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// A concurrent delivery recorded this issue first; its
			// mirror stands and this one is surplus.
			log.Printf("relay: duplicate mirror for %s at %s", ev.SourceKey, issue.HTMLURL)
			return skippedOutcome("already synced", ev.SourceKey), nil
		}
		log.Printf("relay: mirror for %s created at %s but not recorded: %v", ev.SourceKey, issue.HTMLURL, err)
		return Outcome{}, fmt.Errorf("record mirror for %s: %w", ev.SourceKey, err)
	}

	if s.search != nil {
		s.search.IndexRecord(search.RecordDoc{
			ID:        ev.SourceKey,
			SourceKey: ev.SourceKey,
			Title:     title,
			MirrorURL: issue.HTMLURL,
			MirrorID:  issue.Number,
		})
	}
	return Outcome{Result: ResultCreated, SourceKey: ev.SourceKey, MirrorURL: issue.HTMLURL}, nil
}

func (s *Service) handleIssueUpdated(ctx context.Context, ev Event) (Outcome, error) {
	if !s.hasTrackedChange(ev.Changes) {
		return skippedOutcome("no tracked change", ev.SourceKey), nil
	}
	rec, err := s.ledger.Get(ctx, ev.SourceKey)
	if errors.Is(err, ledger.ErrNotFound) {
		return skippedOutcome("no mapping", ev.SourceKey), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup sync record %s: %w", ev.SourceKey, err)
	}

	issue, err := s.github.GetIssue(ctx, rec.MirrorID)
	if err != nil {
		log.Printf("relay: fetch mirror %d for %s: %v", rec.MirrorID, ev.SourceKey, err)
		return Outcome{}, domainError(http.StatusBadGateway, "UPSTREAM_FAILED", "Failed to fetch mirror issue", nil)
	}

	description := adf.Normalize(ev.Description, s.resolver(ctx, ev))
	if description == "" {
		description = mirror.DefaultDescription
	}
	if err := s.github.UpdateIssueBody(ctx, rec.MirrorID, mirror.SpliceDescription(issue.Body, description)); err != nil {
		log.Printf("relay: update mirror %d for %s: %v", rec.MirrorID, ev.SourceKey, err)
		return Outcome{}, domainError(http.StatusBadGateway, "UPSTREAM_FAILED", "Failed to update mirror issue", nil)
	}
	return Outcome{Result: ResultUpdated, SourceKey: ev.SourceKey, MirrorURL: rec.MirrorURL}, nil
}

func (s *Service) handleJiraComment(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Comment == nil {
		return skippedOutcome("empty comment", ev.SourceKey), nil
	}
	// Pre-checks render without a resolver: resolving attachments has
	// side effects that must not happen for comments that get dropped.
	plain := adf.Normalize(ev.Comment.Body, nil)
	if plain == "" {
		return skippedOutcome("empty comment", ev.SourceKey), nil
	}
	if loopguard.Contains(plain) {
		return skippedOutcome("loop prevented", ev.SourceKey), nil
	}
	synced, err := s.ledger.IsCommentSynced(ctx, ev.SourceKey, ev.Comment.ID, ledger.DirectionJira)
	if err != nil {
		return Outcome{}, fmt.Errorf("check comment %s on %s: %w", ev.Comment.ID, ev.SourceKey, err)
	}
	if synced {
		return skippedOutcome("duplicate", ev.SourceKey), nil
	}
	rec, err := s.ledger.Get(ctx, ev.SourceKey)
	if errors.Is(err, ledger.ErrNotFound) {
		return skippedOutcome("no mapping", ev.SourceKey), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup sync record %s: %w", ev.SourceKey, err)
	}

	text := adf.Normalize(ev.Comment.Body, s.resolver(ctx, ev))
	body := mirror.BuildCommentBody(
		firstNonBlank(ev.Comment.Author, "Jira user"),
		ev.SourceKey,
		s.browseURL(ev.SourceKey),
		text,
		loopguard.Render(loopguard.OriginJira, ev.Comment.ID),
	)

	mirrorCommentID, err := s.github.CreateComment(ctx, rec.MirrorID, body)
	if err != nil {
		log.Printf("relay: relay comment %s to mirror %d: %v", ev.Comment.ID, rec.MirrorID, err)
		return Outcome{}, domainError(http.StatusBadGateway, "UPSTREAM_FAILED", "Failed to relay comment", nil)
	}
	commentID := strconv.FormatInt(mirrorCommentID, 10)
	if err := s.ledger.AddCommentMapping(ctx, ev.SourceKey, ev.Comment.ID, commentID); err != nil {
		log.Printf("relay: comment %s relayed to mirror %d but mapping not recorded: %v", ev.Comment.ID, rec.MirrorID, err)
		return Outcome{}, fmt.Errorf("record comment mapping for %s: %w", ev.SourceKey, err)
	}
	return Outcome{Result: ResultCommented, SourceKey: ev.SourceKey, MirrorURL: rec.MirrorURL, CommentID: commentID}, nil
}

func (s *Service) handleGitHubComment(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Comment == nil {
		return skippedOutcome("empty comment", ""), nil
	}
	body, _ := ev.Comment.Body.(string)
	if strings.TrimSpace(body) == "" {
		return skippedOutcome("empty comment", ""), nil
	}
	if loopguard.Contains(body) {
		return skippedOutcome("loop prevented", ""), nil
	}
	rec, err := s.ledger.GetByMirrorID(ctx, ev.MirrorNumber)
	if errors.Is(err, ledger.ErrNotFound) {
		return skippedOutcome("no mapping", ""), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup mirror %d: %w", ev.MirrorNumber, err)
	}
	synced, err := s.ledger.IsCommentSynced(ctx, rec.SourceKey, ev.Comment.ID, ledger.DirectionGitHub)
	if err != nil {
		return Outcome{}, fmt.Errorf("check comment %s on %s: %w", ev.Comment.ID, rec.SourceKey, err)
	}
	if synced {
		return skippedOutcome("duplicate", rec.SourceKey), nil
	}

	text := mirror.BuildCommentBody(
		firstNonBlank(ev.Comment.Author, "GitHub user"),
		"GitHub",
		firstNonBlank(ev.CommentURL, rec.MirrorURL),
		body,
		loopguard.Render(loopguard.OriginGitHub, ev.Comment.ID),
	)

	jiraCommentID, err := s.jira.PostComment(ctx, rec.SourceKey, text)
	if err != nil {
		log.Printf("relay: relay comment %s to %s: %v", ev.Comment.ID, rec.SourceKey, err)
		return Outcome{}, domainError(http.StatusBadGateway, "UPSTREAM_FAILED", "Failed to relay comment", nil)
	}
	if err := s.ledger.AddCommentMapping(ctx, rec.SourceKey, jiraCommentID, ev.Comment.ID); err != nil {
		log.Printf("relay: comment %s relayed to %s but mapping not recorded: %v", ev.Comment.ID, rec.SourceKey, err)
		return Outcome{}, fmt.Errorf("record comment mapping for %s: %w", rec.SourceKey, err)
	}
	return Outcome{Result: ResultCommented, SourceKey: rec.SourceKey, MirrorURL: rec.MirrorURL, CommentID: jiraCommentID}, nil
}

// resolver binds mentions and attachment references for one event.
// Attachment references resolve by filename or ID against the event's
// attachment list, then relocate to object storage.
func (s *Service) resolver(ctx context.Context, ev Event) adf.Resolver {
	return adf.ResolverFuncs{
		MentionFn: func(id string) (string, bool) {
			return s.identity.Resolve(id)
		},
		AttachmentFn: func(ref string) (string, bool) {
			if s.attach == nil {
				return "", false
			}
			att, ok := findAttachment(ev.Attachments, ref)
			if !ok {
				return "", false
			}
			return s.attach.Resolve(ctx, ev.SourceKey+"/"+att.Filename, att.ContentURL)
		},
	}
}

func (s *Service) sections(ctx context.Context, ev Event) []mirror.Section {
	if len(ev.Extended) == 0 {
		return nil
	}
	roles := make([]string, 0, len(ev.Extended))
	for role := range ev.Extended {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	var sections []mirror.Section
	for _, role := range roles {
		text := adf.Normalize(ev.Extended[role], s.resolver(ctx, ev))
		if text == "" {
			continue
		}
		sections = append(sections, mirror.Section{Title: roleTitle(role), Body: text})
	}
	return sections
}

func (s *Service) hasTrackedChange(changes []string) bool {
	for _, field := range changes {
		if s.tracked[strings.ToLower(field)] {
			return true
		}
	}
	return false
}

func (s *Service) browseURL(sourceKey string) string {
	return s.cfg.JiraBaseURL + "/browse/" + sourceKey
}

// Ping reports ledger connectivity for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}

func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	sum, err := s.ledger.Summary(ctx)
	if err != nil {
		return nil, fmt.Errorf("summarize ledger: %w", err)
	}
	return map[string]any{
		"records":      sum.Records,
		"commentLinks": sum.CommentLinks,
	}, nil
}

func (s *Service) Record(ctx context.Context, sourceKey string) (map[string]any, error) {
	rec, err := s.ledger.Get(ctx, sourceKey)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No sync record for "+sourceKey, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup sync record %s: %w", sourceKey, err)
	}
	return recordPayload(rec), nil
}

func (s *Service) Records(ctx context.Context, limit int) ([]map[string]any, error) {
	records, err := s.ledger.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	payload := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		payload = append(payload, recordPayload(rec))
	}
	return payload, nil
}

func (s *Service) SearchRecords(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func recordPayload(rec ledger.SyncRecord) map[string]any {
	payload := map[string]any{
		"sourceKey": rec.SourceKey,
		"mirrorId":  rec.MirrorID,
		"mirrorUrl": rec.MirrorURL,
		"title":     rec.Title,
		"comments":  rec.Comments,
		"syncedAt":  rec.SyncedAt,
	}
	if rec.ExpiresAt != nil {
		payload["expiresAt"] = rec.ExpiresAt
	}
	return payload
}

func roleTitle(role string) string {
	words := strings.Split(strings.ReplaceAll(role, "_", " "), " ")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func hasLabel(labels []string, want string) bool {
	for _, label := range labels {
		if strings.EqualFold(strings.TrimSpace(label), want) {
			return true
		}
	}
	return false
}

func findAttachment(atts []AttachmentRef, ref string) (AttachmentRef, bool) {
	for _, att := range atts {
		if att.Filename == ref || att.ID == ref {
			return att, true
		}
	}
	return AttachmentRef{}, false
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
