package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// File is the YAML configuration file. It extends the built-in RBAC
// catalogue; it cannot remove or alter built-in roles.
//
//	capabilities:
//	  reports.export: history:export
//	permissions:
//	  - resource: history
//	    action: export
//	    description: Export execution history
//	roles:
//	  - name: Auditor
//	    description: Read and export history
//	    permissions: [history:read, history:export]
type File struct {
	Capabilities map[string]string `yaml:"capabilities"`
	Permissions  []FilePermission  `yaml:"permissions"`
	Roles        []FileRole        `yaml:"roles"`
}

// FilePermission declares a permission to seed
type FilePermission struct {
	Resource    string `yaml:"resource"`
	Action      string `yaml:"action"`
	Description string `yaml:"description"`
}

// FileRole declares a role to seed with its permission keys in
// "resource:action" form.
type FileRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// LoadFile reads and parses a YAML configuration file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile parses YAML configuration. Unknown keys are rejected.
func ParseFile(data []byte) (*File, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return &file, nil
		}
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &file, nil
}

// apply validates the file and merges it into cfg
func (f *File) apply(cfg *RBACConfig) error {
	if len(f.Capabilities) > 0 {
		cfg.Capabilities = make(map[string]rbac.PermissionKey, len(f.Capabilities))
		for capability, keyStr := range f.Capabilities {
			key, ok := rbac.ParsePermissionKey(keyStr)
			if !ok {
				return fmt.Errorf("capability %s: invalid permission key %q", capability, keyStr)
			}
			cfg.Capabilities[capability] = key
		}
	}

	for _, p := range f.Permissions {
		if p.Resource == "" || p.Action == "" {
			return fmt.Errorf("permission requires resource and action")
		}
		cfg.Permissions = append(cfg.Permissions, rbac.PermissionTemplate{
			Resource:    p.Resource,
			Action:      p.Action,
			Description: p.Description,
		})
	}

	for _, r := range f.Roles {
		if r.Name == "" {
			return fmt.Errorf("role requires a name")
		}
		tmpl := rbac.RoleTemplate{Name: r.Name, Description: r.Description}
		for _, keyStr := range r.Permissions {
			key, ok := rbac.ParsePermissionKey(keyStr)
			if !ok {
				return fmt.Errorf("role %s: invalid permission key %q", r.Name, keyStr)
			}
			tmpl.Permissions = append(tmpl.Permissions, key)
		}
		cfg.Roles = append(cfg.Roles, tmpl)
	}

	return nil
}
