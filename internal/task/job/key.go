package job

import (
	"fmt"
	"strings"
)

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

// Key identifies a job or a trigger: (name, group) is unique per entity type
// within one scheduler instance.
type Key struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// JobKey and TriggerKey are aliases kept for readability at call sites.
type (
	JobKey     = Key
	TriggerKey = Key
)

// NewKey builds a key, defaulting the group.
func NewKey(name, group string) Key {
	name = strings.TrimSpace(name)
	group = strings.TrimSpace(group)
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

// ParseKey parses the "name/group" form used by administrative clients.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return Key{}, fmt.Errorf("invalid key %q: expected name/group: %w", s, ErrInvalidKey)
	}
	return NewKey(parts[0], parts[1]), nil
}

// String renders the key as name/group.
func (k Key) String() string { return k.Name + "/" + k.Group }

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.Name == "" && k.Group == "" }

// Validate rejects keys with an empty name or group, or a '/' in either part.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("key name required: %w", ErrInvalidKey)
	}
	if strings.TrimSpace(k.Group) == "" {
		return fmt.Errorf("key group required for %q: %w", k.Name, ErrInvalidKey)
	}
	if strings.Contains(k.Name, "/") || strings.Contains(k.Group, "/") {
		return fmt.Errorf("key %q must not contain '/': %w", k.String(), ErrInvalidKey)
	}
	return nil
}

// Compare orders keys by group, then name.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Group, o.Group); c != 0 {
		return c
	}
	return strings.Compare(k.Name, o.Name)
}

// Less reports k < o in Compare order.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }
