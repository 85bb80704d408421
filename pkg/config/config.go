// Package config loads upstream server descriptors from a JSON or YAML file
// and converts them into connector configurations.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const defaultRelPath = "mcp-gateway/servers.json"

// Format selects the encoding of a configuration document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// File is the on-disk configuration document.
type File struct {
	Servers []UpstreamDescriptor `json:"servers" yaml:"servers"`
}

// AuthSpec is the authentication requirement of a remote upstream.
type AuthSpec struct {
	Type         string   `json:"type" yaml:"type"`
	ClientID     string   `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// UpstreamDescriptor declares one upstream server.
type UpstreamDescriptor struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name,omitempty" yaml:"name,omitempty"`
	Transport string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir       string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Auth      *AuthSpec         `json:"auth,omitempty" yaml:"auth,omitempty"`
	// Timeout is a Go duration string such as "30s".
	Timeout    string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	LogJSONRPC bool   `json:"logJsonRpc,omitempty" yaml:"logJsonRpc,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (d *UpstreamDescriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// ConfigError reports a malformed descriptor. It affects only that upstream.
type ConfigError struct {
	ServerID string
	Index    int
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.ServerID == "" {
		return fmt.Sprintf("config: servers[%d]: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("config: server %q: %s", e.ServerID, e.Reason)
}

// DefaultPath returns the configuration file location under the XDG config
// directory.
func DefaultPath() (string, error) {
	p, err := xdg.ConfigFile(defaultRelPath)
	if err != nil {
		return "", fmt.Errorf("config: resolve default path: %w", err)
	}
	return p, nil
}

// FormatFor picks the document format from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a configuration document. A decode failure is fatal for the
// whole document; descriptor problems are reported by Descriptors.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	if len(bytes.TrimSpace(data)) == 0 {
		return &f, nil
	}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse json: %w", err)
		}
	}
	return &f, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*File, error) {
	// #nosec G304: path is chosen by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data, FormatFor(path))
}

// Descriptors returns the valid descriptors in file order together with one
// ConfigError per rejected entry. Later entries reusing an ID are rejected.
func (f *File) Descriptors() ([]UpstreamDescriptor, []*ConfigError) {
	var valid []UpstreamDescriptor
	var errs []*ConfigError
	seen := make(map[string]bool, len(f.Servers))
	for i := range f.Servers {
		d := f.Servers[i]
		d.ID = strings.TrimSpace(d.ID)
		if err := d.validate(); err != nil {
			errs = append(errs, &ConfigError{ServerID: d.ID, Index: i, Reason: err.Error()})
			continue
		}
		if seen[d.ID] {
			errs = append(errs, &ConfigError{ServerID: d.ID, Index: i, Reason: "duplicate server id"})
			continue
		}
		seen[d.ID] = true
		valid = append(valid, d)
	}
	return valid, errs
}

// Store loads descriptors from one file.
type Store struct {
	path string
}

// NewStore returns a store for path. An empty path selects DefaultPath.
func NewStore(path string) (*Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string { return s.path }

// LoadAll returns every valid descriptor plus per-descriptor errors. The
// error return is set only when the file cannot be read or decoded.
func (s *Store) LoadAll() ([]UpstreamDescriptor, []*ConfigError, error) {
	f, err := LoadFile(s.path)
	if err != nil {
		return nil, nil, err
	}
	valid, errs := f.Descriptors()
	return valid, errs, nil
}

// IsNotExist reports whether err stems from a missing configuration file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
