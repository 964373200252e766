// Package identity maps Jira identities to GitHub logins.
package identity

import (
	"context"
	"log"
	"strings"
)

// Verifier answers whether a login can be assigned issues in the target
// repository. The GitHub client implements it.
type Verifier interface {
	CheckAssignee(ctx context.Context, login string) (bool, error)
}

type Mapper struct {
	users    map[string]string
	verifier Verifier
}

// NewMapper builds a mapper over a static table keyed by email address
// or Atlassian account id. A nil verifier skips assignability checks.
func NewMapper(users map[string]string, verifier Verifier) *Mapper {
	normalized := make(map[string]string, len(users))
	for key, login := range users {
		normalized[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(login)
	}
	return &Mapper{users: normalized, verifier: verifier}
}

// Resolve looks up the GitHub login for a Jira identity.
func (m *Mapper) Resolve(key string) (string, bool) {
	login, ok := m.users[strings.ToLower(strings.TrimSpace(key))]
	if !ok || login == "" {
		return "", false
	}
	return login, true
}

// ResolveVerified resolves and then confirms the login is assignable in
// the target repository. Any verification failure degrades to a miss so
// mirroring proceeds without an assignee.
func (m *Mapper) ResolveVerified(ctx context.Context, key string) (string, bool) {
	login, ok := m.Resolve(key)
	if !ok {
		return "", false
	}
	if m.verifier == nil {
		return login, true
	}
	assignable, err := m.verifier.CheckAssignee(ctx, login)
	if err != nil {
		log.Printf("identity: assignee check for %s failed: %v", login, err)
		return "", false
	}
	if !assignable {
		return "", false
	}
	return login, true
}
