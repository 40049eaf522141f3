// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

// Field catalog for the signalement démarche.
//
// The catalog maps the opaque champ ids of the remote form to the semantic
// keys used by the adapter, and holds the label -> code tables of every choice
// field. It is shipped as catalog.yaml (embedded at build time) and can be
// replaced at runtime with CATALOG_PATH. When the remote form is edited, only
// the ids in the catalog change.
//
// The repeatable "autres faits" group carries its own nested catalog
// (children) describing one instance of the group.

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// enumOption is one label -> code pair of an option table.
type enumOption struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
}

// catalogEntry maps one opaque champ id to a semantic key.
type catalogEntry struct {
	ID       string         `yaml:"id"`
	Key      string         `yaml:"key"`
	Kind     string         `yaml:"kind"`
	Enum     string         `yaml:"enum"`
	Children []catalogEntry `yaml:"children"`

	// Resolved at load time.
	decodedID string
	options   []enumOption
	sub       *catalog
}

// catalogFile is the on-disk shape of catalog.yaml.
type catalogFile struct {
	Version string                  `yaml:"version"`
	Enums   map[string][]enumOption `yaml:"enums"`
	Fields  []catalogEntry          `yaml:"fields"`
}

// catalog is one level of the form: the primary catalog, or the sub-catalog
// of a repeatable group. It is immutable once loaded.
type catalog struct {
	version string
	enums   map[string][]enumOption
	entries map[string]*catalogEntry
}

// enumValue is one row of the enum_values code table.
type enumValue struct {
	Enum  string
	Code  string
	Label string
}

// Kinds whose answers are resolved against an option table.
var optionTableKinds = map[string]bool{
	"CheckboxChamp":             true,
	"CiviliteChamp":             true,
	"MultipleDropDownListChamp": true,
}

// loadCatalog loads the catalog from path, or the embedded catalog when path
// is empty.
func loadCatalog(path string) (*catalog, error) {
	data := embeddedCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
	}
	return parseCatalog(data)
}

// parseCatalog parses and validates a catalog document.
func parseCatalog(data []byte) (*catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if strings.TrimSpace(file.Version) == "" {
		return nil, fmt.Errorf("catalog has no version")
	}

	for name, options := range file.Enums {
		seen := make(map[string]bool, len(options))
		for _, option := range options {
			if option.Code == "" || strings.TrimSpace(option.Label) == "" {
				return nil, fmt.Errorf("enum %s has an option without code or label", name)
			}
			label := normalizeLabel(option.Label)
			if seen[label] {
				return nil, fmt.Errorf("enum %s has duplicate label %q", name, option.Label)
			}
			seen[label] = true
		}
	}

	primary, err := buildCatalog(file.Version, file.Enums, file.Fields, "")
	if err != nil {
		return nil, err
	}
	if err := primary.requireKeys(primaryFieldKeys); err != nil {
		return nil, err
	}

	group, err := primary.group(keyAutresFaits)
	if err != nil {
		return nil, err
	}
	if err := group.requireKeys(situationFieldKeys); err != nil {
		return nil, fmt.Errorf("%s: %w", keyAutresFaits, err)
	}

	return primary, nil
}

func buildCatalog(version string, enums map[string][]enumOption, fields []catalogEntry, parent string) (*catalog, error) {
	c := &catalog{
		version: version,
		enums:   enums,
		entries: make(map[string]*catalogEntry, len(fields)),
	}
	decodedIDs := make(map[string]string, len(fields))

	for i := range fields {
		entry := &fields[i]
		where := entry.Key
		if parent != "" {
			where = parent + "." + entry.Key
		}

		if entry.Key == "" {
			return nil, fmt.Errorf("catalog field %s has no key", entry.ID)
		}
		if _, exists := c.entries[entry.Key]; exists {
			return nil, fmt.Errorf("duplicate catalog key %s", where)
		}
		if !isKnownChampKind(entry.Kind) {
			return nil, fmt.Errorf("catalog field %s has unknown kind %q", where, entry.Kind)
		}

		decoded, err := decodeChampID(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("catalog field %s: %w", where, err)
		}
		if other, exists := decodedIDs[decoded]; exists {
			return nil, fmt.Errorf("catalog fields %s and %s share champ id %s", other, where, decoded)
		}
		decodedIDs[decoded] = where
		entry.decodedID = decoded

		if entry.Enum != "" {
			options, ok := enums[entry.Enum]
			if !ok {
				return nil, fmt.Errorf("catalog field %s references unknown enum %s", where, entry.Enum)
			}
			entry.options = options
		} else if optionTableKinds[entry.Kind] {
			return nil, fmt.Errorf("catalog field %s of kind %s must declare an enum", where, entry.Kind)
		}

		if entry.Kind == "RepetitionChamp" {
			if len(entry.Children) == 0 {
				return nil, fmt.Errorf("repetition field %s has no children", where)
			}
			sub, err := buildCatalog(version, enums, entry.Children, where)
			if err != nil {
				return nil, err
			}
			entry.sub = sub
		} else if len(entry.Children) > 0 {
			return nil, fmt.Errorf("catalog field %s of kind %s cannot have children", where, entry.Kind)
		}

		c.entries[entry.Key] = entry
	}

	return c, nil
}

// entry returns the catalog entry for a semantic key, or nil.
func (c *catalog) entry(key string) *catalogEntry {
	return c.entries[key]
}

// group returns the nested catalog of a repetition field.
func (c *catalog) group(key string) (*catalog, error) {
	entry := c.entry(key)
	if entry == nil {
		return nil, fmt.Errorf("catalog has no field %s", key)
	}
	if entry.sub == nil {
		return nil, fmt.Errorf("catalog field %s is not a repetition", key)
	}
	return entry.sub, nil
}

func (c *catalog) requireKeys(keys []string) error {
	var missing []string
	for _, key := range keys {
		if _, ok := c.entries[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("catalog is missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// enumValues returns every option of every enum, sorted by enum name then
// declaration order.
func (c *catalog) enumValues() []enumValue {
	names := make([]string, 0, len(c.enums))
	for name := range c.enums {
		names = append(names, name)
	}
	slices.Sort(names)

	var values []enumValue
	for _, name := range names {
		for _, option := range c.enums[name] {
			values = append(values, enumValue{Enum: name, Code: option.Code, Label: option.Label})
		}
	}
	return values
}

// matchOption returns the code whose label matches label, ignoring case and
// surrounding whitespace.
func matchOption(options []enumOption, label string) (string, bool) {
	label = normalizeLabel(label)
	for _, option := range options {
		if normalizeLabel(option.Label) == label {
			return option.Code, true
		}
	}
	return "", false
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}
