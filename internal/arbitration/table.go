package arbitration

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/listen-gateway/internal/stt"
)

//go:embed languages.yaml
var defaultTable []byte

// LanguageMulti is the auto-detect sentinel.
const LanguageMulti = "multi"

// ModelSet is one model and the languages it accepts.
type ModelSet struct {
	Provider  stt.Provider `yaml:"provider"`
	Model     string       `yaml:"model"`
	Languages []string     `yaml:"languages"`
}

// Supports reports whether lang is listed.
func (m ModelSet) Supports(lang string) bool {
	return slices.Contains(m.Languages, lang)
}

// Table is the arbitration rule set.
type Table struct {
	Premium  ModelSet       `yaml:"premium"`
	Standard ModelSet       `yaml:"standard"`
	Exact    []ModelSet     `yaml:"exact"`
	Default  stt.Route      `yaml:"default"`
	Priming  []stt.Provider `yaml:"priming"`
}

// LoadTable reads the table at path, or the embedded table when path is empty.
func LoadTable(path string) (*Table, error) {
	data := defaultTable
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read provider table: %w", err)
		}
		data = b
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a YAML table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse provider table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	if t.Default.Provider == "" || t.Default.Model == "" || t.Default.Language == "" {
		return fmt.Errorf("provider table: default route needs provider, model and language")
	}
	sets := append([]ModelSet{t.Premium, t.Standard}, t.Exact...)
	for _, s := range sets {
		if len(s.Languages) > 0 && (s.Provider == "" || s.Model == "") {
			return fmt.Errorf("provider table: model set %v needs provider and model", s.Languages)
		}
	}
	return nil
}

// NormalizeLanguage lowercases a tag and maps the auto sentinels to
// LanguageMulti. Region suffixes are kept only where the table lists them.
func (t *Table) NormalizeLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	switch strings.ToLower(lang) {
	case "", "auto", LanguageMulti:
		return LanguageMulti
	}
	base, region, hasRegion := strings.Cut(lang, "-")
	base = strings.ToLower(base)
	if !hasRegion {
		return base
	}
	full := base + "-" + strings.ToUpper(region)
	for _, s := range t.Exact {
		if s.Supports(full) {
			return full
		}
	}
	return base
}
