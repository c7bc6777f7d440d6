package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ignatij/goapprove/pkg/models"
	"gopkg.in/yaml.v3"
)

// Catalog is the content of TEMPLATES_FILE. Principals are only seeded by `serve --memory`;
// with PostgreSQL they come from `principal add`.
type Catalog struct {
	Templates  []models.ChainTemplate
	Principals []models.Principal
}

type catalogFile struct {
	Principals []principalEntry `yaml:"principals"`
	Templates  []templateEntry  `yaml:"templates"`
}

type principalEntry struct {
	ID     int64  `yaml:"id"`
	Name   string `yaml:"name"`
	Rank   int    `yaml:"rank"`
	Active *bool  `yaml:"active"`
}

type templateEntry struct {
	Code          string                 `yaml:"code"`
	Name          string                 `yaml:"name"`
	Description   string                 `yaml:"description"`
	Levels        []int64                `yaml:"levels"`
	Active        *bool                  `yaml:"active"`
	PayloadSchema map[string]interface{} `yaml:"payload_schema"`
}

// LoadTemplates reads chain templates from a YAML file.
func LoadTemplates(path string) ([]models.ChainTemplate, error) {
	catalog, err := LoadCatalog(path)
	return catalog.Templates, err
}

// LoadCatalog reads chain templates and seed principals from a YAML file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	return ParseCatalog(data)
}

// ParseTemplates decodes and validates the chain templates of a catalog document.
func ParseTemplates(data []byte) ([]models.ChainTemplate, error) {
	catalog, err := ParseCatalog(data)
	return catalog.Templates, err
}

func ParseCatalog(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("parse templates: %w", err)
	}
	templates, err := parseTemplates(file.Templates)
	if err != nil {
		return Catalog{}, err
	}
	principals, err := parsePrincipals(file.Principals)
	if err != nil {
		return Catalog{}, err
	}
	return Catalog{Templates: templates, Principals: principals}, nil
}

func parseTemplates(entries []templateEntry) ([]models.ChainTemplate, error) {
	seen := make(map[string]bool, len(entries))
	templates := make([]models.ChainTemplate, 0, len(entries))
	for i, entry := range entries {
		if entry.Code == "" {
			return nil, fmt.Errorf("template #%d: code is required", i+1)
		}
		if !models.ValidTemplateCode(entry.Code) {
			return nil, fmt.Errorf("template %q: code must be 1-20 upper-case letters or digits", entry.Code)
		}
		if seen[entry.Code] {
			return nil, fmt.Errorf("template %s: duplicate code", entry.Code)
		}
		seen[entry.Code] = true
		if len(entry.Levels) == 0 {
			return nil, fmt.Errorf("template %s: at least one level is required", entry.Code)
		}
		for _, level := range entry.Levels {
			if level < 1 {
				return nil, fmt.Errorf("template %s: levels must be positive, got %d", entry.Code, level)
			}
		}
		t := models.ChainTemplate{
			Code:        entry.Code,
			Name:        entry.Name,
			Description: entry.Description,
			Levels:      entry.Levels,
			IsActive:    entry.Active == nil || *entry.Active,
		}
		if t.Name == "" {
			t.Name = entry.Code
		}
		if entry.PayloadSchema != nil {
			schema, err := json.Marshal(entry.PayloadSchema)
			if err != nil {
				return nil, fmt.Errorf("template %s: payload_schema: %w", entry.Code, err)
			}
			t.PayloadSchema = schema
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// Seed principals carry fixed ids so issued tokens stay valid across restarts.
func parsePrincipals(entries []principalEntry) ([]models.Principal, error) {
	seen := make(map[int64]bool, len(entries))
	principals := make([]models.Principal, 0, len(entries))
	for i, entry := range entries {
		if entry.ID < 1 {
			return nil, fmt.Errorf("principal #%d: id must be positive", i+1)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("principal %d: duplicate id", entry.ID)
		}
		seen[entry.ID] = true
		if entry.Name == "" {
			return nil, fmt.Errorf("principal %d: name is required", entry.ID)
		}
		if entry.Rank < 1 {
			return nil, fmt.Errorf("principal %d: rank must be positive, got %d", entry.ID, entry.Rank)
		}
		p := models.Principal{
			ID:          entry.ID,
			DisplayName: entry.Name,
			RankLevel:   entry.Rank,
			Status:      models.ActivePrincipalStatus,
		}
		if entry.Active != nil && !*entry.Active {
			p.Status = models.InactivePrincipalStatus
		}
		principals = append(principals, p)
	}
	return principals, nil
}
