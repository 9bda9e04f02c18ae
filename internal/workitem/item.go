// Package workitem defines the unit herald reports on and loads collections of
// them from YAML or JSON files.
package workitem

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Item is a task, bug or epic to notify about.
type Item struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	State       string `yaml:"state" json:"state"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type document struct {
	Items []Item `yaml:"items"`
}

// LoadFile reads items from path. The file holds either a top-level list or a
// mapping with an items key. JSON is accepted since it is valid YAML.
func LoadFile(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read work items: %w", err)
	}
	items, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse work items %s: %w", path, err)
	}
	return items, nil
}

// Parse decodes items from YAML or JSON bytes.
func Parse(data []byte) ([]Item, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(trimmed, &node); err != nil {
		return nil, err
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	var items []Item
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&items); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var doc document
		if err := root.Decode(&doc); err != nil {
			return nil, err
		}
		items = doc.Items
	default:
		return nil, fmt.Errorf("expected a list of items or an items mapping")
	}

	for i, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			return nil, fmt.Errorf("item %d: id is required", i)
		}
	}
	return items, nil
}

// FilterState keeps the items whose state matches one of states, case-insensitively.
// No states means no filtering.
func FilterState(items []Item, states ...string) []Item {
	if len(states) == 0 {
		return items
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		for _, s := range states {
			if strings.EqualFold(strings.TrimSpace(s), it.State) {
				out = append(out, it)
				break
			}
		}
	}
	return out
}
