package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mappings holds the translation tables that steer mirroring: Jira label to
// GitHub label, Jira identity (email or account id) to GitHub login, and
// custom field id to semantic role.
type Mappings struct {
	Labels     map[string]string `yaml:"labels"`
	Users      map[string]string `yaml:"users"`
	FieldRoles map[string]string `yaml:"fieldRoles"`
}

// LoadMappings reads the optional mappings file. An empty path yields zero
// mappings so callers fall back to built-in defaults.
func LoadMappings(path string) (Mappings, error) {
	var m Mappings
	if path == "" {
		return m, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read mappings file: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse mappings file: %w", err)
	}
	return m, nil
}
