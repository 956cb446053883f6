package batchfile

import (
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-batch/internal/batch"
	"gopkg.in/yaml.v3"
)

// File describes a batch of texts to synthesize.
type File struct {
	Metadata Metadata     `yaml:"metadata"`
	Defaults Defaults     `yaml:"defaults,omitempty"`
	Items    []batch.Item `yaml:"items"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// Defaults fill in fields an item leaves empty.
type Defaults struct {
	Language string       `yaml:"language,omitempty"`
	Voice    *batch.Voice `yaml:"voice,omitempty"`
}

// Load reads a batch file from disk.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Validate ensures every item can be submitted once defaults are applied.
func Validate(f File) error {
	if len(f.Items) == 0 {
		return fmt.Errorf("items must include at least one entry")
	}
	seen := make(map[string]int, len(f.Items))
	for i, item := range f.ResolvedItems() {
		if strings.TrimSpace(item.Text) == "" {
			return fmt.Errorf("items[%d].text is required", i)
		}
		if strings.TrimSpace(item.Language) == "" {
			return fmt.Errorf("items[%d].language is required (or set defaults.language)", i)
		}
		if item.Voice != nil && item.Voice.Gender == "" {
			return fmt.Errorf("items[%d].voice.gender is required when voice is set", i)
		}
		if item.ID == "" {
			continue
		}
		if prev, dup := seen[item.ID]; dup {
			return fmt.Errorf("items[%d].id %q repeats items[%d]", i, item.ID, prev)
		}
		seen[item.ID] = i
	}
	return nil
}

// ResolvedItems returns the items with defaults applied.
func (f File) ResolvedItems() []batch.Item {
	out := make([]batch.Item, len(f.Items))
	for i, item := range f.Items {
		if item.Language == "" {
			item.Language = f.Defaults.Language
		}
		if item.Voice == nil && f.Defaults.Voice != nil {
			v := *f.Defaults.Voice
			item.Voice = &v
		}
		out[i] = item
	}
	return out
}
