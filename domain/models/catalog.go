// Package models maps the human-readable model labels shown to users onto the
// provider-specific model ids sent over the wire.
package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel is returned when a label has no entry in the catalog.
var ErrUnknownModel = errors.New("unknown model label")

// Model is one selectable entry of the catalog.
type Model struct {
	Label  string `json:"label" yaml:"label"`
	ID     string `json:"id" yaml:"id"`
	Vendor string `json:"vendor,omitempty" yaml:"vendor,omitempty"`
}

// Catalog is a fixed, ordered label → provider id table. It is immutable after
// construction and safe for concurrent use.
type Catalog struct {
	models       []Model
	byLabel      map[string]Model
	defaultLabel string
}

// DefaultModels is the table the application ships with.
func DefaultModels() []Model {
	return []Model{
		{Label: "Gemini 2.0 Flash", ID: "google/gemini-2.0-flash-001", Vendor: "google"},
		{Label: "Gemini 2.5 Pro", ID: "google/gemini-2.5-pro-preview", Vendor: "google"},
		{Label: "GPT-4.1", ID: "openai/gpt-4.1", Vendor: "openai"},
		{Label: "o4-mini", ID: "openai/o4-mini", Vendor: "openai"},
		{Label: "Claude 3.7 Sonnet", ID: "anthropic/claude-3.7-sonnet", Vendor: "anthropic"},
		{Label: "Claude 3.5 Sonnet", ID: "anthropic/claude-3.5-sonnet", Vendor: "anthropic"},
	}
}

// DefaultLabel is the label selected when nothing else is configured or stored.
const DefaultLabel = "Gemini 2.0 Flash"

// DefaultCatalog returns the shipped catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultModels(), DefaultLabel)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates the table and builds a catalog. An empty defaultLabel
// selects the first entry.
func NewCatalog(entries []Model, defaultLabel string) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, errors.New("model catalog cannot be empty")
	}

	c := &Catalog{
		models:  make([]Model, 0, len(entries)),
		byLabel: make(map[string]Model, len(entries)),
	}
	for i, m := range entries {
		m.Label = strings.TrimSpace(m.Label)
		m.ID = strings.TrimSpace(m.ID)
		if m.Label == "" {
			return nil, fmt.Errorf("model %d: label cannot be empty", i)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("model %q: id cannot be empty", m.Label)
		}
		if _, dup := c.byLabel[m.Label]; dup {
			return nil, fmt.Errorf("model %q: duplicate label", m.Label)
		}
		if m.Vendor == "" {
			m.Vendor = vendorOf(m.ID)
		}
		c.models = append(c.models, m)
		c.byLabel[m.Label] = m
	}

	if defaultLabel == "" {
		defaultLabel = c.models[0].Label
	}
	if _, ok := c.byLabel[defaultLabel]; !ok {
		return nil, fmt.Errorf("default model %q: %w", defaultLabel, ErrUnknownModel)
	}
	c.defaultLabel = defaultLabel

	return c, nil
}

// Resolve returns the provider model id for label.
func (c *Catalog) Resolve(label string) (string, error) {
	m, ok := c.byLabel[label]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, label)
	}
	return m.ID, nil
}

// Lookup returns the full entry for label.
func (c *Catalog) Lookup(label string) (Model, bool) {
	m, ok := c.byLabel[label]
	return m, ok
}

func (c *Catalog) Has(label string) bool {
	_, ok := c.byLabel[label]
	return ok
}

func (c *Catalog) Default() string {
	return c.defaultLabel
}

// Labels returns the labels in catalog order.
func (c *Catalog) Labels() []string {
	labels := make([]string, len(c.models))
	for i, m := range c.models {
		labels[i] = m.Label
	}
	return labels
}

// Models returns a copy of the table in catalog order.
func (c *Catalog) Models() []Model {
	return append([]Model(nil), c.models...)
}

// vendorOf takes the provider prefix of an OpenRouter id ("openai/gpt-4.1" → "openai").
func vendorOf(id string) string {
	if i := strings.Index(id, "/"); i > 0 {
		return id[:i]
	}
	return ""
}
