package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/latticeauth/abac/pkg/policy"
	"gopkg.in/yaml.v3"
)

// FileStore loads a policy set from a single JSON or YAML file, selected
// by extension (.json vs .yaml/.yml), the same dispatch-by-extension shape
// ZiweiAxis-diting's rule loader uses. It re-reads and rebuilds the whole
// file on every LoadAll call; pkg/cache is what gives it TTL semantics, so
// the store itself stays dumb and stateless beyond an in-memory name index
// built lazily for LoadByName.
type FileStore struct {
	Path    string
	builder policy.Builder

	mu     sync.Mutex
	byName map[string]*policy.Policy
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) LoadAll(ctx context.Context) ([]*policy.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("fsstore: read %s: %w: %v", s.Path, ErrBackendUnavailable, err)
	}

	var policies []*policy.Policy
	switch ext := strings.ToLower(filepath.Ext(s.Path)); ext {
	case ".yaml", ".yml":
		policies, err = s.decodeYAML(raw)
	case ".json", "":
		policies, err = s.builder.DecodeDocument(raw)
	default:
		return nil, fmt.Errorf("fsstore: unsupported extension %q", ext)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.byName = make(map[string]*policy.Policy, len(policies))
	for _, p := range policies {
		s.byName[p.Name] = p
	}
	s.mu.Unlock()

	return policies, nil
}

func (s *FileStore) decodeYAML(raw []byte) ([]*policy.Policy, error) {
	var doc struct {
		Policies []map[string]any `yaml:"policies"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("fsstore: parse yaml %s: %w", s.Path, err)
	}
	out := make([]*policy.Policy, 0, len(doc.Policies))
	for _, raw := range doc.Policies {
		p, err := s.builder.BuildFromMap(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FileStore) LoadByName(ctx context.Context, name string) (*policy.Policy, error) {
	s.mu.Lock()
	p, ok := s.byName[name]
	s.mu.Unlock()
	if ok {
		return p, nil
	}
	if _, err := s.LoadAll(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	p, ok = s.byName[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fsstore: %s: %w", name, ErrPolicyNotFound)
	}
	return p, nil
}
