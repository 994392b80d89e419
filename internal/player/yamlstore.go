package player

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed groups.schema.json
var groupsSchemaJSON string

var (
	schemaOnce     sync.Once
	groupsSchema   *jsonschema.Schema
	groupSchemaErr error
)

func compiledGroupsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		groupsSchema, groupSchemaErr = jsonschema.CompileString("groups.schema.json", groupsSchemaJSON)
	})
	return groupsSchema, groupSchemaErr
}

type groupsDocument struct {
	Groups []StoredGroup `yaml:"groups" json:"groups"`
	Users  []StoredUser  `yaml:"users,omitempty" json:"users,omitempty"`
}

// YAMLStore keeps groups and users in a hand-editable YAML file. The file
// is validated against an embedded JSON schema on every load.
type YAMLStore struct {
	mu   sync.Mutex
	path string
	doc  groupsDocument
}

// OpenYAMLStore reads path if it exists. A missing file yields an empty
// store that is created on first save.
func OpenYAMLStore(path string) (*YAMLStore, error) {
	s := &YAMLStore{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read groups file %s: %w", path, err)
	}

	doc, err := decodeGroupsDocument(data)
	if err != nil {
		return nil, fmt.Errorf("groups file %s: %w", path, err)
	}
	s.doc = doc
	return s, nil
}

func decodeGroupsDocument(data []byte) (groupsDocument, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return groupsDocument{}, fmt.Errorf("invalid YAML: %w", err)
	}

	// jsonschema validates JSON values, so normalise through encoding/json.
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return groupsDocument{}, fmt.Errorf("cannot convert to JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return groupsDocument{}, err
	}

	schema, err := compiledGroupsSchema()
	if err != nil {
		return groupsDocument{}, fmt.Errorf("failed to compile groups schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return groupsDocument{}, fmt.Errorf("schema validation failed: %w", err)
	}

	var doc groupsDocument
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return groupsDocument{}, err
	}
	return doc, nil
}

func (s *YAMLStore) LoadGroups() ([]StoredGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredGroup, len(s.doc.Groups))
	copy(out, s.doc.Groups)
	return out, nil
}

func (s *YAMLStore) SaveGroups(groups []StoredGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Groups = make([]StoredGroup, len(groups))
	copy(s.doc.Groups, groups)
	return s.write()
}

func (s *YAMLStore) LookupUser(keyHash string) (StoredUser, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.doc.Users {
		if u.KeyHash == keyHash {
			return u, true, nil
		}
	}
	return StoredUser{}, false, nil
}

func (s *YAMLStore) SaveUser(user StoredUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i := range s.doc.Users {
		if s.doc.Users[i].KeyHash == user.KeyHash {
			s.doc.Users[i] = user
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Users = append(s.doc.Users, user)
		sort.Slice(s.doc.Users, func(i, j int) bool { return s.doc.Users[i].KeyHash < s.doc.Users[j].KeyHash })
	}
	return s.write()
}

func (s *YAMLStore) Users() ([]StoredUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredUser, len(s.doc.Users))
	copy(out, s.doc.Users)
	return out, nil
}

func (s *YAMLStore) Close() error { return nil }

// write must be called with s.mu held. It writes to a temp file and renames
// so a crash never leaves a truncated document.
func (s *YAMLStore) write() error {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal groups: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create groups directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write groups file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace groups file: %w", err)
	}
	return nil
}
