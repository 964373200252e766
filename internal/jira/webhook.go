package jira

import (
	"encoding/json"
	"strings"
)

// WebhookPayload is the envelope Jira posts for issue and comment
// events. Only the fields the relay reads are declared; Description and
// comment bodies stay raw because Jira sends either ADF trees or legacy
// wiki strings depending on instance age.
type WebhookPayload struct {
	WebhookEvent string     `json:"webhookEvent"`
	Issue        *Issue     `json:"issue"`
	Comment      *Comment   `json:"comment"`
	Changelog    *Changelog `json:"changelog"`
}

type Issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields Fields `json:"fields"`
}

type Fields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Labels      []string        `json:"labels"`
	Priority    *Named          `json:"priority"`
	Assignee    *User           `json:"assignee"`
	Reporter    *User           `json:"reporter"`
	Attachments []Attachment    `json:"attachment"`

	// Custom carries the customfield_* entries so configured field
	// roles can be extracted without a fixed schema.
	Custom map[string]json.RawMessage `json:"-"`
}

func (f *Fields) UnmarshalJSON(data []byte) error {
	type fields Fields
	var decoded fields
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		for key, value := range raw {
			if !strings.HasPrefix(key, "customfield_") {
				continue
			}
			if decoded.Custom == nil {
				decoded.Custom = map[string]json.RawMessage{}
			}
			decoded.Custom[key] = value
		}
	}
	*f = Fields(decoded)
	return nil
}

type Named struct {
	Name string `json:"name"`
}

type User struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}

type Comment struct {
	ID     string          `json:"id"`
	Body   json.RawMessage `json:"body"`
	Author *User           `json:"author"`
}

type Changelog struct {
	Items []ChangeItem `json:"items"`
}

type ChangeItem struct {
	Field   string `json:"field"`
	FieldID string `json:"fieldId"`
}
