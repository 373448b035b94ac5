package services

import (
	"fmt"
	"log"
	"os"

	"mentora/internal/models"

	"gopkg.in/yaml.v3"
)

// SpecializationService serves persona prompt packs loaded once at startup.
type SpecializationService struct {
	byID  map[string]models.Specialization
	order []string
}

type specializationFile struct {
	Specializations []models.Specialization `yaml:"specializations"`
}

// NewSpecializationService loads specializations from a YAML file. A missing
// file is not an error; the service just serves an empty catalog.
func NewSpecializationService(path string) (*SpecializationService, error) {
	s := &SpecializationService{byID: make(map[string]models.Specialization)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("⚠️ [SPECIALIZATION] No specializations file at %s, starting empty", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read specializations file: %w", err)
	}

	var parsed specializationFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse specializations file: %w", err)
	}

	for _, spec := range parsed.Specializations {
		if spec.ID == "" || spec.Prompt == "" {
			log.Printf("⚠️ [SPECIALIZATION] Skipping entry with empty id or prompt (id=%q)", spec.ID)
			continue
		}
		if _, dup := s.byID[spec.ID]; dup {
			log.Printf("⚠️ [SPECIALIZATION] Duplicate id %q, keeping first", spec.ID)
			continue
		}
		s.byID[spec.ID] = spec
		s.order = append(s.order, spec.ID)
	}

	log.Printf("✅ [SPECIALIZATION] Loaded %d specializations from %s", len(s.order), path)
	return s, nil
}

// Get returns the specialization for an ID, or nil when unknown.
func (s *SpecializationService) Get(id string) *models.Specialization {
	if spec, ok := s.byID[id]; ok {
		return &spec
	}
	return nil
}

// PromptFor returns the persona prompt for a specialization ID, empty when
// the ID is unknown or blank.
func (s *SpecializationService) PromptFor(id string) string {
	if spec := s.Get(id); spec != nil {
		return spec.Prompt
	}
	return ""
}

// List returns all specializations in file order.
func (s *SpecializationService) List() []models.Specialization {
	out := make([]models.Specialization, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
