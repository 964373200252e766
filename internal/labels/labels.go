// Package labels translates Jira labels to GitHub labels.
package labels

import "strings"

// MaxLabels is the most labels GitHub accepts on issue creation.
const MaxLabels = 20

// defaults cover the common Jira taxonomy; a mappings file extends or
// overrides them per deployment.
var defaults = map[string]string{
	"bug":             "type:bug",
	"feature":         "type:feature",
	"backend":         "component:backend",
	"frontend":        "component:frontend",
	"high-priority":   "priority:high",
	"medium-priority": "priority:medium",
	"low-priority":    "priority:low",
}

type Mapper struct {
	trigger string
	table   map[string]string
}

// NewMapper builds a mapper that drops the trigger label and translates
// the rest. Entries in overrides win over the built-in table.
func NewMapper(trigger string, overrides map[string]string) *Mapper {
	table := make(map[string]string, len(defaults)+len(overrides))
	for from, to := range defaults {
		table[from] = to
	}
	for from, to := range overrides {
		table[from] = to
	}
	return &Mapper{trigger: trigger, table: table}
}

// Map translates a Jira label list. The trigger label never crosses
// over, mapped labels are translated, unmapped ones pass through
// unchanged, and the result is capped at MaxLabels.
func (m *Mapper) Map(jiraLabels []string) []string {
	out := make([]string, 0, len(jiraLabels))
	seen := map[string]bool{}
	for _, label := range jiraLabels {
		label = strings.TrimSpace(label)
		if label == "" || label == m.trigger {
			continue
		}
		if mapped, ok := m.table[label]; ok {
			label = mapped
		}
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
		if len(out) == MaxLabels {
			break
		}
	}
	return out
}
