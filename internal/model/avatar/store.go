package avatar

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Store exposes avatar retrieval for HTTP handlers.
type Store interface {
	List() []Avatar
	FindByID(id string) (Avatar, bool)
}

// Directory resolves the persona description used to build the system prompt.
type Directory interface {
	Describe(avatarID string) (string, bool)
}

// MemoryStore implements Store and Directory with an in-memory slice.
type MemoryStore struct {
	items []Avatar
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied avatars.
func NewMemoryStore(items []Avatar) *MemoryStore {
	return &MemoryStore{items: append([]Avatar(nil), items...)}
}

// LoadFile reads an avatar catalog from a YAML file.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read avatar catalog: %w", err)
	}

	var catalog struct {
		Avatars []Avatar `yaml:"avatars"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse avatar catalog %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(catalog.Avatars))
	for i, item := range catalog.Avatars {
		if item.ID == "" {
			return nil, fmt.Errorf("avatar catalog %s: entry %d has no id", path, i)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("avatar catalog %s: duplicate id %q", path, item.ID)
		}
		seen[item.ID] = struct{}{}
	}

	return NewMemoryStore(catalog.Avatars), nil
}

// List returns the avatar catalog.
func (s *MemoryStore) List() []Avatar {
	return append([]Avatar(nil), s.items...)
}

// FindByID looks up an avatar by identifier.
func (s *MemoryStore) FindByID(id string) (Avatar, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Avatar{}, false
}

// Describe returns the prompt description for avatarID, if one is available.
func (s *MemoryStore) Describe(avatarID string) (string, bool) {
	item, ok := s.FindByID(avatarID)
	if !ok {
		return "", false
	}
	desc := item.PromptDescription()
	return desc, desc != ""
}
